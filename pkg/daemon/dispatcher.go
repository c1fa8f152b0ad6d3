package daemon

import (
	"context"
	"sync"

	"llmc/pkg/delivery"
	"llmc/pkg/reconciler"
)

// RuntimeSource resolves the runtime a send is delivered through.
type RuntimeSource interface {
	Runtime(session, dir, runtime string) (delivery.Runtime, error)
}

// SendFunc delivers text to a runtime. *delivery.Sender's Send satisfies it.
type SendFunc func(ctx context.Context, rt delivery.Runtime, worker, text string) (delivery.Receipt, error)

// sendDispatcher runs each send on its own goroutine and posts the result
// for the daemon loop.
type sendDispatcher struct {
	ctx      context.Context
	cancel   context.CancelFunc
	runtimes RuntimeSource
	send     SendFunc
	results  chan reconciler.SendResult
	wg       sync.WaitGroup
}

var _ reconciler.Dispatcher = (*sendDispatcher)(nil)

func newSendDispatcher(runtimes RuntimeSource, send SendFunc) *sendDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &sendDispatcher{
		ctx:      ctx,
		cancel:   cancel,
		runtimes: runtimes,
		send:     send,
		results:  make(chan reconciler.SendResult, 64),
	}
}

// Dispatch starts delivering req. The result arrives on Results.
func (d *sendDispatcher) Dispatch(req reconciler.SendRequest) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res := reconciler.SendResult{ID: req.ID, Worker: req.Worker, Purpose: req.Purpose}
		rt, err := d.runtimes.Runtime(req.Session, req.Dir, req.Runtime)
		if err != nil {
			res.Err = err
		} else {
			res.Receipt, res.Err = d.send(d.ctx, rt, req.Worker, req.Text)
		}
		d.results <- res
	}()
}

// Results is read by the daemon loop.
func (d *sendDispatcher) Results() <-chan reconciler.SendResult {
	return d.results
}

// Drain cancels every outstanding send and hands each result to apply
// until all send goroutines have exited.
func (d *sendDispatcher) Drain(apply func(reconciler.SendResult)) {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	for {
		select {
		case res := <-d.results:
			apply(res)
		case <-done:
			for {
				select {
				case res := <-d.results:
					apply(res)
				default:
					return
				}
			}
		}
	}
}
