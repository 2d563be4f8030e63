package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Farx1/SA-FHE/pkg/circuit"
	"github.com/Farx1/SA-FHE/pkg/evaluator"
	"github.com/Farx1/SA-FHE/pkg/fault"
	"github.com/Farx1/SA-FHE/pkg/fhe"
	"github.com/Farx1/SA-FHE/tree_ensemble/go_inference/common"
)

var (
	ErrClosed           = errors.New("dispatcher is closed")
	ErrDuplicateRequest = errors.New("request id already in flight")
)

// Request is one evaluation. The dispatcher owns Inputs and Key from
// Submit until the request resolves.
type Request struct {
	ID       string
	Inputs   []fhe.Ciphertext
	Key      fhe.EvaluationKey
	Deadline time.Time
}

// Handler runs one request to completion on a worker.
type Handler func(ctx context.Context, req *Request) (*evaluator.Prediction, error)

// EvaluateCircuit returns the handler that evaluates c with an evaluator
// built from each request's own key.
func EvaluateCircuit(backend fhe.Backend, c *circuit.Circuit) Handler {
	return func(ctx context.Context, req *Request) (*evaluator.Prediction, error) {
		ev, err := backend.NewEvaluator(req.Key)
		if err != nil {
			return nil, err
		}
		return evaluator.Evaluate(ctx, c, req.Inputs, ev)
	}
}

// Result is what a Future resolves to.
type Result struct {
	RequestID  string
	Prediction *evaluator.Prediction
	QueueTime  time.Duration
	Elapsed    time.Duration
}

type Future struct {
	id       string
	deadline time.Time
	d        *Dispatcher
	done     chan struct{}
	res      *Result
	err      error
}

func (f *Future) ID() string { return f.id }

// Done is closed once the request has a result.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the request resolves, its deadline passes or ctx is
// done. An abandoned request is dropped and its late result discarded.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	var expired <-chan time.Time
	if !f.deadline.IsZero() {
		timer := time.NewTimer(time.Until(f.deadline))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-f.done:
		return f.res, f.err
	case <-expired:
		f.d.abandon(f.id)
		return nil, fault.Errorf(fault.Timeout, "server.Wait", "request %s missed its deadline", f.id)
	case <-ctx.Done():
		f.d.abandon(f.id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.New(fault.Timeout, "server.Wait", ctx.Err())
		}
		return nil, ctx.Err()
	}
}

type job struct {
	req      *Request
	enqueued time.Time
}

type DispatcherOptions struct {
	Workers   int
	QueueSize int
	Logger    *common.Logger
}

// Stats are cumulative counters.
type Stats struct {
	Workers    int
	QueueDepth int
	QueueSize  int
	Served     uint64
	Rejected   uint64
	Failed     uint64
	Expired    uint64
	Evaluation common.Summary
}

// Dispatcher runs requests on a fixed pool of workers fed by a bounded
// queue. Results are matched to futures by request ID.
type Dispatcher struct {
	handler Handler
	opts    DispatcherOptions
	log     *common.Logger

	mu      sync.Mutex
	closed  bool
	jobs    chan job
	pending map[string]*Future
	wg      sync.WaitGroup

	served, rejected, failed, expired atomic.Uint64
	timing                            common.TimingStats
}

func NewDispatcher(handler Handler, opts DispatcherOptions) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.Logger == nil {
		opts.Logger = common.Discard()
	}
	d := &Dispatcher{
		handler: handler,
		opts:    opts,
		log:     opts.Logger,
		jobs:    make(chan job, opts.QueueSize),
		pending: make(map[string]*Future),
	}
	d.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go d.worker(i)
	}
	return d
}

// Submit enqueues req and never blocks: a full queue yields Overloaded.
func (d *Dispatcher) Submit(req *Request) (*Future, error) {
	f := &Future{id: req.ID, deadline: req.Deadline, d: d, done: make(chan struct{})}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if _, ok := d.pending[req.ID]; ok {
		return nil, ErrDuplicateRequest
	}
	select {
	case d.jobs <- job{req: req, enqueued: time.Now()}:
	default:
		d.rejected.Add(1)
		return nil, fault.Errorf(fault.Overloaded, "server.Submit", "queue full (%d pending)", cap(d.jobs))
	}
	d.pending[req.ID] = f
	return f, nil
}

func (d *Dispatcher) abandon(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[id]; ok {
		delete(d.pending, id)
		d.expired.Add(1)
	}
}

// resolve hands the outcome to the future still waiting for id, if any.
func (d *Dispatcher) resolve(id string, res *Result, err error) bool {
	d.mu.Lock()
	f, ok := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()
	if !ok {
		d.log.Debugf("discarding late result for request %s", id)
		return false
	}
	f.res, f.err = res, err
	close(f.done)
	return true
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()
	for j := range d.jobs {
		d.run(n, j)
	}
}

func (d *Dispatcher) run(n int, j job) {
	req := j.req
	start := time.Now()
	queued := start.Sub(j.enqueued)

	if !req.Deadline.IsZero() && !start.Before(req.Deadline) {
		d.log.Debugf("worker %d: skipping request %s, deadline passed in queue", n, req.ID)
		err := fault.Errorf(fault.Timeout, "server.Dispatch", "request %s expired after %s in queue", req.ID, queued)
		if d.resolve(req.ID, nil, err) {
			d.expired.Add(1)
		}
		return
	}

	ctx := context.Background()
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	pred, err := d.handler(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		d.failed.Add(1)
		if fault.KindOf(err) == fault.NoiseBudgetExceeded {
			d.log.Printf("worker %d: request %s exhausted its noise budget: %v", n, req.ID, err)
		} else {
			d.log.Debugf("worker %d: request %s failed: %v", n, req.ID, err)
		}
		d.resolve(req.ID, nil, err)
		return
	}
	d.served.Add(1)
	d.timing.AddSample(elapsed)
	d.log.Debugf("worker %d: request %s done in %s (queued %s)", n, req.ID, elapsed, queued)
	d.resolve(req.ID, &Result{RequestID: req.ID, Prediction: pred, QueueTime: queued, Elapsed: elapsed}, nil)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Workers:    d.opts.Workers,
		QueueDepth: len(d.jobs),
		QueueSize:  cap(d.jobs),
		Served:     d.served.Load(),
		Rejected:   d.rejected.Load(),
		Failed:     d.failed.Load(),
		Expired:    d.expired.Load(),
		Evaluation: d.timing.Summary(),
	}
}

// Close stops accepting work and waits for queued requests to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}
