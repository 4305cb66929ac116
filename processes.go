package poolchain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// worker is one child process serving registered Funcs over a pair of pipes.
type worker struct {
	cmd    *exec.Cmd
	reqs   *os.File // parent write end, fd 3 in the child
	resps  *os.File // parent read end, fd 4 in the child
	enc    *json.Encoder
	dec    *json.Decoder
	broken error
}

// startWorker starts a worker process and waits for its handshake.
func startWorker(cfg Config) (*worker, error) {
	exe := cfg.WorkerExecutable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWorker, err)
		}
	}

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorker, err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		closeAll(reqR, reqW)
		return nil, fmt.Errorf("%w: %w", ErrWorker, err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{reqR, respW}
	if err := cmd.Start(); err != nil {
		closeAll(reqR, reqW, respR, respW)
		return nil, fmt.Errorf("%w: start %s: %w", ErrWorker, exe, err)
	}
	closeAll(reqR, respW)

	w := &worker{
		cmd:   cmd,
		reqs:  reqW,
		resps: respR,
		enc:   json.NewEncoder(reqW),
		dec:   json.NewDecoder(respR),
	}

	_ = respR.SetReadDeadline(time.Now().Add(cfg.WorkerStartTimeout))
	var hello response
	if err := w.dec.Decode(&hello); err != nil || !hello.Ready {
		w.kill()
		return nil, fmt.Errorf("%w: %s did not answer the handshake, is ServeWorker called first in main? (%v)", ErrWorker, exe, err)
	}
	_ = respR.SetReadDeadline(time.Time{})
	return w, nil
}

// call sends one request and hands each item result to each, in item order, as the worker
// answers it. Any I/O failure breaks the worker; it returns how many results were handed over.
func (w *worker) call(req request, each func(int, result)) (int, error) {
	if w.broken != nil {
		return 0, w.broken
	}
	if err := w.enc.Encode(req); err != nil {
		w.broken = fmt.Errorf("%w: send to pid %d: %w", ErrWorker, w.cmd.Process.Pid, err)
		return 0, w.broken
	}
	for i := range req.Items {
		var resp response
		if err := w.dec.Decode(&resp); err != nil {
			w.broken = fmt.Errorf("%w: receive from pid %d: %w", ErrWorker, w.cmd.Process.Pid, err)
			return i, w.broken
		}
		if resp.Result == nil {
			w.broken = fmt.Errorf("%w: pid %d answered without a result for item %d", ErrWorker, w.cmd.Process.Pid, i)
			return i, w.broken
		}
		each(i, *resp.Result)
	}
	return len(req.Items), nil
}

// stop closes the request pipe, which makes the worker exit, and reaps it.
func (w *worker) stop() error {
	err := w.reqs.Close()
	err = errors.Join(err, w.cmd.Wait())
	return errors.Join(err, w.resps.Close())
}

func (w *worker) kill() {
	_ = w.cmd.Process.Kill()
	_ = w.stop()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// workerSet hands idle workers to the pool tasks. The ants pool never runs more tasks than there
// are workers, so acquire does not block for long.
type workerSet struct {
	cfg  Config
	log  zerolog.Logger
	idle chan *worker

	mu  sync.Mutex
	all []*worker
}

// startWorkers starts n workers concurrently. If one fails, the others are stopped.
func startWorkers(n int, cfg Config, log zerolog.Logger) (*workerSet, error) {
	if os.Getenv(WorkerEnv) != "" {
		return nil, fmt.Errorf("%w: process pools cannot be created inside a worker process", ErrWorker)
	}

	started := make([]*worker, n)
	var g errgroup.Group
	for i := range started {
		g.Go(func() error {
			w, err := startWorker(cfg)
			started[i] = w
			return err
		})
	}
	err := g.Wait()

	set := &workerSet{cfg: cfg, log: log, idle: make(chan *worker, n)}
	for _, w := range started {
		if w == nil {
			continue
		}
		set.all = append(set.all, w)
		set.idle <- w
	}
	if err != nil {
		set.stop()
		return nil, err
	}
	log.Debug().Int("workers", n).Msg("worker processes started")
	return set, nil
}

func (s *workerSet) acquire() *worker { return <-s.idle }

// release gives w back. A broken worker is replaced; if the replacement cannot start, the broken
// one goes back so later calls fail fast instead of hanging.
func (s *workerSet) release(w *worker) {
	if w.broken == nil {
		s.idle <- w
		return
	}
	s.log.Warn().Err(w.broken).Int("pid", w.cmd.Process.Pid).Msg("replacing worker process")
	w.kill()
	fresh, err := startWorker(s.cfg)
	if err != nil {
		s.log.Error().Err(err).Msg("cannot replace worker process")
		s.idle <- w
		return
	}
	s.mu.Lock()
	s.all = append(s.all, fresh)
	s.mu.Unlock()
	s.idle <- fresh
}

// stop ends every worker that is still running.
func (s *workerSet) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.all {
		if w.cmd.ProcessState != nil {
			continue // already reaped
		}
		if err := w.stop(); err != nil {
			s.log.Warn().Err(err).Int("pid", w.cmd.Process.Pid).Msg("worker process stopped with error")
		}
	}
	s.all = nil
}

// runRemote runs a batch as one round trip to a worker process.
func (p *Pool) runRemote(j job, batch []*task) {
	if !j.fn.Named() {
		p.fail(j, batch, fmt.Errorf("%w: an anonymous function cannot cross a process boundary", ErrValidation))
		return
	}
	w := p.workers.acquire()
	defer p.workers.release(w)

	req := request{Func: j.fn.Name(), Items: make([]json.RawMessage, 0, len(batch))}
	sent := make([]*task, 0, len(batch))
	for _, t := range batch {
		raw, err := json.Marshal(t.in)
		if err != nil {
			p.finish(j, t, nil, fmt.Errorf("encode input: %w", err), 0)
			continue
		}
		req.Items = append(req.Items, raw)
		sent = append(sent, t)
	}
	if len(sent) == 0 {
		return
	}

	// The worker runs the items one after the other: item i starts when item i-1 is answered.
	start := time.Now()
	disarm := p.armTimeout(j, sent[0])
	done, err := w.call(req, func(i int, res result) {
		disarm()
		elapsed := time.Since(start)
		if i+1 < len(sent) {
			start = time.Now()
			disarm = p.armTimeout(j, sent[i+1])
		}
		v, err := res.decode(j.fn)
		p.finish(j, sent[i], v, err, elapsed)
	})
	if err != nil {
		disarm()
		p.fail(j, sent[done:], err)
	}
}
