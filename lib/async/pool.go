// Package async provides the bounded fetch worker pool used by the venue
// schedulers.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/predictops/bookwatch/errs"
)

// Task is a unit of work executed by a pool worker against that worker's own
// session.
type Task[S any] func(ctx context.Context, session S)

// Pool runs a fixed set of workers, each owning one session created by the
// factory at startup. For venue fetching the session is an HTTP client with a
// dedicated connection pool, so concurrent workers never contend on one
// transport.
type Pool[S any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan Task[S]
	closed chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPool creates a pool with the given worker count and queue depth. The
// factory runs once per worker.
func NewPool[S any](workers, queue int, newSession func() S) (*Pool[S], error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if newSession == nil {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("session factory must be provided"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool[S])
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan Task[S], queue)
	p.closed = make(chan struct{})
	for i := 0; i < workers; i++ {
		go p.worker(newSession())
	}
	return p, nil
}

// Submit schedules the task. It fails rather than blocks when the queue is
// full; callers bound their own inflight count below the queue depth.
func (p *Pool[S]) Submit(ctx context.Context, fn Task[S]) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.wg.Add(1)
	select {
	case <-p.closed:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- fn:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Tasks already queued or running keep
// their context alive; use Shutdown to bound how long they may take.
func (p *Pool[S]) Close() {
	p.once.Do(func() {
		close(p.closed)
		close(p.jobs)
	})
}

// Shutdown stops accepting new tasks and waits for in-flight ones to finish.
// Only when the context expires are the remaining tasks abandoned by
// cancelling their worker context.
func (p *Pool[S]) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool[S]) worker(session S) {
	for task := range p.jobs {
		func() {
			defer func() {
				// a panicking task must not take the worker down with it;
				// callers that need completion signals send them from their
				// own deferred handlers
				_ = recover()
			}()
			task(p.ctx, session)
		}()
		p.wg.Done()
	}
}
