/*
poolchain runs a sequence of items through a chain of functions, each function running in its own bounded pool of workers.

A pipeline is declared once, stage by stage, then executed over any number of inputs. Each stage is bound to a pool kind:

- Thread stages run the function in a bounded pool of goroutines (ants).
- Process stages run the function in worker processes. The worker processes are the current executable started again in worker mode, so the function must be
registered by name with Register (an anonymous function cannot be found on the other side of a process boundary) and main must call ServeWorker first.

For instance:

	var stringify = poolchain.Register("stringify", func(i int) (string, error) { return strconv.Itoa(i), nil })

	func main() {
		poolchain.ServeWorker()

		results, err := poolchain.New().
			AddThreadStage(poolchain.Pure(func(i int) int { return i * 10 }), poolchain.WithMaxWorkers(4)).
			AddProcessStage(stringify, poolchain.WithChunkSize(16), poolchain.WithTimeout(time.Second)).
			ExecuteEager(ctx, poolchain.Values([]int{1, 2, 3}))
		// results: ["10" "20" "30"]
	}

Every execution creates one fresh pool per stage. Stages run concurrently and stream into each other: stage i+1 starts working on the first items while stage i is
still busy with the next ones. Whatever order the workers complete in, results come out in input order.

ExecuteLazy returns an iter.Seq2 of (result, error). An item failure (error, panic, timeout) is yielded at its own position and does not stop the others.
The pools live as long as the iteration: they are released when the input is exhausted, when the consumer breaks out of the loop, or when the context is cancelled.
ExecuteEager collects everything and stops at the first failure.

ExecuteLazySequential and ExecuteEagerSequential skip the pools altogether and run everything in the calling goroutine. They are handy to test the logic of a
pipeline, since the concurrent and sequential executions give the same results for pure functions.

Pool sizing is a trade-off between latency and resources. A stage calling an API mostly waits, a large thread pool is fine. A CPU bound stage may be sized to the
cpu count, and moved to a process stage if it holds a lock or blocks the scheduler. Items crossing a process boundary are JSON encoded, so chunking them
(WithChunkSize) pays off for cheap functions. As for any performance tuning, you should try and tune.
*/

package poolchain
