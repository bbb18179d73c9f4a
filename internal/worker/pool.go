package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Pool defaults
const (
	DefaultShutdownTimeout = 5 * time.Second
	DefaultSlowRender      = 250 * time.Millisecond
	DefaultResultBuffer    = 64
)

// ErrPoolClosed is returned when posting to a pool that has shut down
var ErrPoolClosed = errors.New("worker pool closed")

// Options configures a pool
type Options struct {
	Workers         int
	ShutdownTimeout time.Duration
	// SlowRender is the render time above which a worker emits LOGWARN
	SlowRender time.Duration
}

// DefaultOptions sizes the pool to the machine
func DefaultOptions() Options {
	return Options{
		Workers:         max(1, runtime.NumCPU()-1),
		ShutdownTimeout: DefaultShutdownTimeout,
		SlowRender:      DefaultSlowRender,
	}
}

// Stats are pool counters
type Stats struct {
	Posted     uint64
	Replaced   uint64
	Dispatched uint64
	Completed  uint64
	Failed     uint64
	Respawned  uint64
	Workers    int
}

// Pool routes requests to a set of workers. A single router goroutine owns
// the worker table and the pending queue; callers and workers talk to it
// only through channels.
type Pool struct {
	factory Factory
	opts    Options
	logger  *logrus.Logger

	requests chan Request
	inbound  chan Response
	exits    chan exit
	results  chan Response
	quit     chan struct{}
	done     chan struct{}

	// owned by the router
	workers  map[int]*Worker
	idle     []int
	pending  map[Key]Request
	order    []Key
	outbound []Response
	nextID   int

	posted     atomic.Uint64
	replaced   atomic.Uint64
	dispatched atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	respawned  atomic.Uint64
	size       atomic.Int64
}

// NewPool creates a pool and its workers. The workers start serving when
// Run is called.
func NewPool(factory Factory, opts Options, logger *logrus.Logger) (*Pool, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("worker count %d must be at least 1", opts.Workers)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	p := &Pool{
		factory:  factory,
		opts:     opts,
		logger:   logger,
		requests: make(chan Request),
		inbound:  make(chan Response, DefaultResultBuffer),
		exits:    make(chan exit, opts.Workers),
		results:  make(chan Response, DefaultResultBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		workers:  make(map[int]*Worker),
		pending:  make(map[Key]Request),
	}

	for i := 0; i < opts.Workers; i++ {
		if _, err := p.spawn(); err != nil {
			return nil, fmt.Errorf("failed to create worker %d: %w", i, err)
		}
	}

	return p, nil
}

// Post hands a request to the router. It blocks only until the router has
// taken the request, never for the render itself.
func (p *Pool) Post(ctx context.Context, req Request) error {
	if req.Type != MsgFrameData && req.Type != MsgPath {
		return fmt.Errorf("cannot post %q", req.Type)
	}
	select {
	case p.requests <- req:
		p.posted.Add(1)
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the channel of worker responses. It is closed when Run
// returns.
func (p *Pool) Results() <-chan Response {
	return p.results
}

// Stats returns the pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Posted:     p.posted.Load(),
		Replaced:   p.replaced.Load(),
		Dispatched: p.dispatched.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Respawned:  p.respawned.Load(),
		Workers:    int(p.size.Load()),
	}
}

// Run starts the workers and routes messages until ctx is cancelled, then
// shuts the workers down
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.results)
	defer close(p.done)

	for _, w := range p.workers {
		w.start()
	}

	p.logger.WithField("workers", len(p.workers)).Info("Worker pool started")

	for {
		var out chan<- Response
		var next Response
		if len(p.outbound) > 0 {
			out = p.results
			next = p.outbound[0]
		}

		select {
		case <-ctx.Done():
			p.shutdown()
			return nil

		case req := <-p.requests:
			p.enqueue(req)
			p.schedule()

		case resp := <-p.inbound:
			if resp.Type == MsgFrameResult {
				p.completed.Add(1)
				p.idle = append(p.idle, resp.Worker)
				p.schedule()
			}
			p.outbound = append(p.outbound, resp)

		case e := <-p.exits:
			p.replace(e)
			p.schedule()

		case out <- next:
			p.outbound[0] = Response{}
			p.outbound = p.outbound[1:]
		}
	}
}

// enqueue queues a request, replacing any queued request with the same key
func (p *Pool) enqueue(req Request) {
	key := req.Key()
	if _, ok := p.pending[key]; ok {
		p.replaced.Add(1)
	} else {
		p.order = append(p.order, key)
	}
	p.pending[key] = req
}

// schedule hands queued requests to idle workers
func (p *Pool) schedule() {
	for len(p.idle) > 0 && len(p.order) > 0 {
		id := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		w, ok := p.workers[id]
		if !ok {
			continue
		}

		key := p.order[0]
		p.order = p.order[1:]
		req := p.pending[key]
		delete(p.pending, key)

		w.requests <- req
		p.dispatched.Add(1)
	}
}

// spawn creates a worker and registers it as idle
func (p *Pool) spawn() (*Worker, error) {
	id := p.nextID
	renderer, err := p.factory(id)
	if err != nil {
		return nil, err
	}
	p.nextID++

	w := newWorker(id, renderer, p.inbound, p.exits, p.quit, p.opts.SlowRender)
	p.workers[id] = w
	p.idle = append(p.idle, id)
	p.size.Store(int64(len(p.workers)))
	return w, nil
}

// replace handles a worker that stopped while the pool is running. The
// request it was rendering is answered with a WorkerError and a fresh
// worker takes its place.
func (p *Pool) replace(e exit) {
	delete(p.workers, e.worker)
	p.removeIdle(e.worker)
	p.size.Store(int64(len(p.workers)))

	reason := "exited"
	if e.panicked != nil {
		reason = fmt.Sprintf("panic: %v", e.panicked)
	}
	p.failed.Add(1)

	p.logger.WithFields(logrus.Fields{
		"worker": e.worker,
		"reason": reason,
	}).Error("Render worker stopped")

	if e.inFlight != nil {
		resp := e.inFlight.result(e.worker)
		resp.Err = &WorkerError{Worker: e.worker, Reason: reason}
		p.outbound = append(p.outbound, resp)
	}

	w, err := p.spawn()
	if err != nil {
		p.logger.WithError(err).Error("Failed to replace render worker")
		return
	}
	p.respawned.Add(1)
	w.start()
}

func (p *Pool) removeIdle(id int) {
	for i, v := range p.idle {
		if v == id {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

// shutdown asks every worker to stop after its current render and waits
// for them up to the shutdown timeout
func (p *Pool) shutdown() {
	defer close(p.quit)

	p.logger.WithField("workers", len(p.workers)).Info("Shutting down worker pool")
	for _, w := range p.workers {
		w.requests <- Request{Type: MsgShutdown}
	}

	timeout := time.NewTimer(p.opts.ShutdownTimeout)
	defer timeout.Stop()

	for remaining := len(p.workers); remaining > 0; {
		select {
		case <-p.exits:
			remaining--
		case <-p.inbound:
		case <-timeout.C:
			p.logger.WithField("remaining", remaining).Warn("Worker shutdown timeout")
			return
		}
	}

	p.logger.Info("All workers stopped")
}
