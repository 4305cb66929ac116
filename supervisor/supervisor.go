// Package supervisor runs an external command in the background and streams its output, line by
// line, to callbacks.
//
// Cancelling the context given to Start stops the command: SIGTERM is sent to its whole process
// group, then SIGKILL once the grace period is over.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// DefaultGracePeriod is the delay between SIGTERM and SIGKILL when Command.GracePeriod is zero.
const DefaultGracePeriod = 5 * time.Second

// ErrNoCommand is returned by Start when Command.Args is empty.
var ErrNoCommand = errors.New("supervisor: no command to run")

// Command configures a supervised subprocess.
type Command struct {
	// Args holds the executable, resolved through PATH, followed by its arguments.
	Args []string
	// Dir is the working directory. If empty, uses the current directory.
	Dir string
	// Env is additional environment variables (key=value). Merged with os.Environ.
	Env []string
	// Stdout receives every stdout line, without its newline. May be nil.
	Stdout func(line string)
	// Stderr receives every stderr line, without its newline. May be nil.
	Stderr func(line string)
	// OnError receives the errors met while reading the output streams. May be nil.
	OnError func(error)
	// GracePeriod is how long to wait after SIGTERM before SIGKILL.
	// Defaults to DefaultGracePeriod if zero.
	GracePeriod time.Duration
	// Log receives the process lifecycle events. The zero value logs nothing.
	Log zerolog.Logger
}

// Result holds the status of a completed subprocess.
type Result struct {
	// ExitCode is the process exit code. -1 if the process was killed.
	ExitCode int
	// Duration is how long the process ran.
	Duration time.Duration
}

// Process is a running supervised command.
type Process struct {
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	done   chan struct{}
	result *Result
	err    error
}

// Start launches cmd and returns without waiting for it. Output callbacks are called from one
// goroutine per stream, in line order, and never after Wait has returned.
func Start(ctx context.Context, cmd Command) (*Process, error) {
	if len(cmd.Args) == 0 {
		return nil, ErrNoCommand
	}

	ctx, cancel := context.WithCancel(ctx)
	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...) //nolint:gosec // running arbitrary commands is the purpose of this package
	c.Dir = cmd.Dir
	c.Env = mergeEnv(cmd.Env)
	grace := lo.Ternary(cmd.GracePeriod > 0, cmd.GracePeriod, DefaultGracePeriod)
	c.WaitDelay = grace
	setProcessGroup(c)

	// Plain pipes instead of StdoutPipe: Wait must not close them while lines are still read.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		cancel()
		closeAll(stdout, stdoutW)
		return nil, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}
	c.Stdout = stdoutW
	c.Stderr = stderrW

	start := time.Now()
	err = c.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		cancel()
		closeAll(stdout, stderr)
		return nil, fmt.Errorf("supervisor: start %s: %w", cmd.Args[0], err)
	}

	p := &Process{
		cmd:    c,
		ctx:    ctx,
		cancel: cancel,
		log:    cmd.Log.With().Str("component", "supervisor").Str("command", cmd.Args[0]).Int("pid", c.Process.Pid).Logger(),
		done:   make(chan struct{}),
	}
	p.log.Debug().Strs("args", cmd.Args[1:]).Msg("process started")

	var g errgroup.Group
	g.Go(func() error { return readLines(stdout, cmd.Stdout) })
	g.Go(func() error { return readLines(stderr, cmd.Stderr) })

	go func() {
		defer close(p.done)
		defer cancel()

		waitErr := c.Wait()
		readers := make(chan error, 1)
		go func() { readers <- g.Wait() }()
		if err := p.drain(readers, grace, stdout, stderr); err != nil {
			p.log.Warn().Err(err).Msg("cannot read process output")
			if cmd.OnError != nil {
				cmd.OnError(err)
			}
		}
		closeAll(stdout, stderr)
		p.finish(start, waitErr)
	}()
	return p, nil
}

// drain waits for the output readers once the command has exited. Other members of its process
// group may still hold the pipes: once the process is stopped they are killed, and after the
// grace period the pipes are closed whatever holds them.
func (p *Process) drain(readers <-chan error, grace time.Duration, pipes ...*os.File) error {
	select {
	case err := <-readers:
		return err
	default:
	}
	select {
	case err := <-readers:
		return err
	case <-p.ctx.Done():
	}

	killGroup(p.cmd)
	select {
	case err := <-readers:
		return err
	case <-time.After(grace):
		p.log.Warn().Dur("grace_period", grace).Msg("output still open after the grace period, closing it")
		closeAll(pipes...)
		<-readers
		return nil
	}
}

func (p *Process) finish(start time.Time, err error) {
	p.result = &Result{
		ExitCode: p.cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}
	switch {
	case err == nil:
		p.log.Debug().Dur("duration", p.result.Duration).Msg("process exited")
	case p.ctx.Err() != nil:
		// Context cancellation is the expected way to stop a process
		p.err = fmt.Errorf("supervisor: killed by context: %w", p.ctx.Err())
		p.log.Debug().Dur("duration", p.result.Duration).Msg("process stopped")
	default:
		p.err = fmt.Errorf("supervisor: exit code %d: %w", p.result.ExitCode, err)
		p.log.Warn().Int("exit_code", p.result.ExitCode).Msg("process failed")
	}
}

// Pid returns the process id of the command.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the command has exited and its output has been fully delivered.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the command has exited and every output line has been delivered.
func (p *Process) Wait() (*Result, error) {
	<-p.done
	return p.result, p.err
}

// Stop terminates the command and waits for it.
func (p *Process) Stop() (*Result, error) {
	p.cancel()
	return p.Wait()
}

// readLines calls fn with every line of r until EOF. With a nil fn the stream is drained.
func readLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if fn != nil {
			fn(scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// mergeEnv merges additional env vars with the current environment.
func mergeEnv(extra []string) []string {
	if len(extra) == 0 {
		return nil // inherit parent env
	}
	return append(os.Environ(), extra...)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
