package benchmark

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/fogfactory/poolchain"
	"github.com/fogfactory/poolchain/supervisor"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Profile generate a profile file. It will be outputted as poolchain_{date}_in{items}_{workers}.prof.
//
// - items Number of items pushed through the pipeline.
// - workers Pool sizes. Its length is also the number of thread stages.
//
// use pprof to read the file (go install github.com/google/pprof@latest), or Inspect.
func Profile(items int, workers ...int) string {
	// Profile file
	f, err := os.Create(fmt.Sprintf("poolchain_%s_in%d_%s.prof",
		strings.ReplaceAll(time.Now().Truncate(time.Second).Format(time.DateTime), " ", "-"),
		items,
		strings.Join(lo.Map(workers, func(item, _ int) string { return fmt.Sprint(item) }), "-")))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer f.Close()

	// Init engine
	dumbProc := poolchain.Pure(func(i int) int { time.Sleep(time.Millisecond); return i })
	p := poolchain.New()
	for _, size := range workers {
		p.AddThreadStage(dumbProc, poolchain.WithMaxWorkers(size))
	}
	if err := p.Err(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	input := lo.Range(items)

	totalCall := items * len(workers)
	fmt.Println("totalCalls: ", totalCall, ", minimal seq duration:", time.Duration(totalCall)*time.Millisecond)

	// Start profiling
	func() {
		_ = pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()

		// Run pipeline
		start := time.Now()
		_, _ = p.ExecuteEager(context.Background(), poolchain.Values(input))
		fmt.Printf("(par: %s)\n", time.Since(start))
	}()

	start := time.Now()
	_, _ = p.ExecuteEagerSequential(poolchain.Values(input))
	fmt.Printf("(seq: %s)\n", time.Since(start))
	fmt.Printf("profile:%s\n", f.Name())
	return f.Name()
}

// Inspect serves a profile file with the pprof web UI until ctx is cancelled. pprof output lines
// are logged.
func Inspect(ctx context.Context, profile string, port int, log zerolog.Logger) error {
	proc, err := supervisor.Start(ctx, supervisor.Command{
		Args:   []string{"pprof", fmt.Sprintf("-http=:%d", port), profile},
		Stdout: func(line string) { log.Info().Str("stream", "stdout").Msg(line) },
		Stderr: func(line string) { log.Info().Str("stream", "stderr").Msg(line) },
		OnError: func(err error) {
			log.Warn().Err(err).Msg("pprof output lost")
		},
		GracePeriod: time.Second,
		Log:         log,
	})
	if err != nil {
		return fmt.Errorf("inspect %s: %w", profile, err)
	}
	_, err = proc.Wait()
	if ctx.Err() != nil {
		return nil // stopped on purpose
	}
	return err
}
