package utils

import (
	"context"
	"sync"
)

type CompletedTask[T any] struct {
	Result T
	Error  error
}

// RunInPool fans queue out to at most maxWorkers goroutines and writes the
// results to completed, closing it once the queue drains. The caller must
// close queue after submitting all work. Once ctx is cancelled the workers
// stop picking up items, so completed may carry fewer results than were
// queued; callers check ctx after draining it.
func RunInPool[In any, Out any](ctx context.Context, worker func(In) (Out, error), queue chan In, completed chan CompletedTask[Out], maxWorkers int) {
	workers := min(len(queue), maxWorkers)

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for {
					if ctx.Err() != nil {
						return
					}

					next, ok := <-queue
					if !ok {
						return
					}

					res, err := worker(next)
					if err != nil {
						completed <- CompletedTask[Out]{Error: err}
					} else {
						completed <- CompletedTask[Out]{Result: res, Error: nil}
					}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}
