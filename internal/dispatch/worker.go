package dispatch

import "context"

type startOptions[J any] struct {
	ctx    context.Context
	sem    chan struct{}
	jobs   <-chan J
	handle func(context.Context, J)
	done   func()
}

// startWorker runs jobs from one channel, bounded by the shared semaphore.
// done is called for every job after handle returns, including via panic.
func startWorker[J any](opts startOptions[J]) {
	go func() {
		for {
			select {
			case <-opts.ctx.Done():
				return
			case job, ok := <-opts.jobs:
				if !ok {
					return
				}
				select {
				case opts.sem <- struct{}{}:
				case <-opts.ctx.Done():
					return
				}
				func() {
					defer func() { <-opts.sem }()
					defer opts.done()
					opts.handle(opts.ctx, job)
				}()
			}
		}
	}()
}

func enqueue[J any](ctx, workersCtx context.Context, jobs chan<- J, job J) error {
	if ctx == nil {
		ctx = workersCtx
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-workersCtx.Done():
		return workersCtx.Err()
	case jobs <- job:
		return nil
	}
}
