package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"terrainsrv/internal/grid"
	"terrainsrv/internal/render"
	"terrainsrv/internal/worker"
)

// DefaultTimeout bounds the wait for a side's frame
const DefaultTimeout = time.Second

var (
	// ErrInvalidRequest is returned for requests rejected before dispatch
	ErrInvalidRequest = errors.New("invalid render request")
	// ErrClosed is returned once the dispatcher has stopped
	ErrClosed = errors.New("dispatcher closed")
	// ErrTimeout is returned for a profile that missed its deadline with
	// no earlier profile to fall back on
	ErrTimeout = errors.New("render timed out")
)

// WorkerPool is the render backend the dispatcher posts to
type WorkerPool interface {
	Post(ctx context.Context, req worker.Request) error
	Results() <-chan worker.Response
}

// Options configures a dispatcher. Requests beyond Limits, with paths
// counted at Sampling spacing, are rejected before dispatch.
type Options struct {
	Timeout  time.Duration
	Limits   render.Limits
	Sampling grid.PathOptions
}

// Stats are dispatcher counters
type Stats struct {
	Posted     uint64
	Completed  uint64
	Superseded uint64
	Timeouts   uint64
	Failures   uint64
}

// call is one Render or Profile invocation waiting in the event loop
type call struct {
	status  render.AircraftStatus
	efis    map[render.Side]render.EfisData
	path    render.VerticalPathData
	side    render.Side
	profile bool

	want  map[worker.Key]uint64
	got   map[worker.Key]worker.Response
	timer *time.Timer
	done  bool
	reply chan outcome
}

type outcome struct {
	data    RenderingData
	profile render.Profile
	err     error
}

type latestFrame struct {
	sequence uint64
	frame    render.NDData
}

// Dispatcher sequences render requests per display side and assembles the
// freshest answers into envelopes. All bookkeeping lives in the Run loop;
// callers talk to it through channels.
type Dispatcher struct {
	pool   WorkerPool
	opts   Options
	logger *logrus.Logger
	now    func() time.Time

	submit   chan *call
	timeouts chan *call
	queries  chan chan RenderingData
	done     chan struct{}

	// owned by Run
	seq      map[worker.Key]uint64
	waiting  map[worker.Key][]*call
	frames   map[render.Side]latestFrame
	profiles map[render.Side]render.Profile

	posted     atomic.Uint64
	completed  atomic.Uint64
	superseded atomic.Uint64
	timedOut   atomic.Uint64
	failures   atomic.Uint64
}

// New creates a dispatcher over a worker pool
func New(pool WorkerPool, opts Options, logger *logrus.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Limits == (render.Limits{}) {
		opts.Limits = render.DefaultLimits()
	}
	if !(opts.Sampling.SampleDistance > 0) {
		opts.Sampling = grid.DefaultPathOptions()
	}
	return &Dispatcher{
		pool:     pool,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		submit:   make(chan *call),
		timeouts: make(chan *call),
		queries:  make(chan chan RenderingData),
		done:     make(chan struct{}),
		seq:      make(map[worker.Key]uint64),
		waiting:  make(map[worker.Key][]*call),
		frames:   make(map[render.Side]latestFrame),
		profiles: make(map[render.Side]render.Profile),
	}
}

// Render requests a frame for every side in efisBySide with terrain
// active and returns the assembled envelope. Invalid requests are rejected
// with ErrInvalidRequest before anything is posted. Sides that fail or miss
// the timeout carry their last good frame, or an empty one.
func (d *Dispatcher) Render(ctx context.Context, status render.AircraftStatus, efisBySide map[render.Side]render.EfisData) (RenderingData, error) {
	if err := validate(status, efisBySide, d.opts.Limits); err != nil {
		return RenderingData{}, err
	}

	efis := make(map[render.Side]render.EfisData, len(efisBySide))
	for side, e := range efisBySide {
		if e.TerrainActive {
			efis[side] = e
		}
	}

	out, err := d.do(ctx, &call{status: status, efis: efis})
	return out.data, err
}

// Profile requests a vertical display profile for one side
func (d *Dispatcher) Profile(ctx context.Context, side render.Side, path render.VerticalPathData) (render.Profile, error) {
	if !side.Valid() {
		return render.Profile{}, fmt.Errorf("%w: unknown side %q", ErrInvalidRequest, side)
	}
	if err := validatePath(path, d.opts.Limits, d.opts.Sampling); err != nil {
		return render.Profile{}, err
	}

	out, err := d.do(ctx, &call{side: side, path: path, profile: true})
	if err != nil {
		return render.Profile{}, err
	}
	return out.profile, out.err
}

// Latest assembles the freshest frame of every side seen so far
func (d *Dispatcher) Latest(ctx context.Context) (RenderingData, error) {
	reply := make(chan RenderingData, 1)
	select {
	case d.queries <- reply:
	case <-d.done:
		return RenderingData{}, ErrClosed
	case <-ctx.Done():
		return RenderingData{}, ctx.Err()
	}
	return <-reply, nil
}

// Stats returns the dispatcher counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Posted:     d.posted.Load(),
		Completed:  d.completed.Load(),
		Superseded: d.superseded.Load(),
		Timeouts:   d.timedOut.Load(),
		Failures:   d.failures.Load(),
	}
}

func (d *Dispatcher) do(ctx context.Context, c *call) (outcome, error) {
	c.reply = make(chan outcome, 1)

	select {
	case d.submit <- c:
	case <-d.done:
		return outcome{}, ErrClosed
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	}

	select {
	case out := <-c.reply:
		if out.err != nil && !c.profile {
			return out, out.err
		}
		return out, nil
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	}
}

// Run is the dispatcher event loop. It returns when ctx is cancelled;
// calls still waiting fail with ErrClosed.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	results := d.pool.Results()
	for {
		select {
		case <-ctx.Done():
			d.closeWaiting()
			return nil

		case c := <-d.submit:
			d.start(ctx, c)

		case resp, ok := <-results:
			if !ok {
				d.logger.Warn("Worker pool closed its results")
				results = nil
				continue
			}
			d.handle(resp)

		case c := <-d.timeouts:
			d.expire(c)

		case reply := <-d.queries:
			reply <- d.assembleLatest()
		}
	}
}

// start assigns sequence numbers and posts a call's requests
func (d *Dispatcher) start(ctx context.Context, c *call) {
	c.want = make(map[worker.Key]uint64)
	c.got = make(map[worker.Key]worker.Response)

	var requests []worker.Request
	if c.profile {
		requests = append(requests, worker.Request{Type: worker.MsgPath, Side: c.side, Path: c.path})
	} else {
		for _, side := range sortedSides(c.efis) {
			requests = append(requests, worker.Request{
				Type:   worker.MsgFrameData,
				Side:   side,
				Status: c.status,
				Efis:   c.efis[side],
			})
		}
	}

	for _, req := range requests {
		key := req.Key()
		d.seq[key]++
		req.Sequence = d.seq[key]
		c.want[key] = req.Sequence

		if err := d.pool.Post(ctx, req); err != nil {
			d.failures.Add(1)
			d.logger.WithError(err).WithFields(logrus.Fields{
				"side":     req.Side,
				"type":     req.Type,
				"sequence": req.Sequence,
			}).Warn("Failed to post render request")
			c.got[key] = worker.Response{Side: req.Side, Request: req.Type, Sequence: req.Sequence, Err: err}
			continue
		}
		d.posted.Add(1)
		d.waiting[key] = append(d.waiting[key], c)
	}

	if len(c.got) == len(c.want) {
		d.finish(c)
		return
	}

	c.timer = time.AfterFunc(d.opts.Timeout, func() {
		select {
		case d.timeouts <- c:
		case <-d.done:
		}
	})
}

// handle correlates a worker response by side, type and sequence
func (d *Dispatcher) handle(resp worker.Response) {
	if resp.Type.IsLog() {
		d.logWorker(resp)
		return
	}

	key := resp.Key()
	if resp.Sequence < d.seq[key] {
		d.superseded.Add(1)
		d.logger.WithFields(logrus.Fields{
			"side":     resp.Side,
			"type":     resp.Request,
			"sequence": resp.Sequence,
			"current":  d.seq[key],
		}).Debug("Dropping superseded response")
		return
	}

	if resp.Err != nil {
		d.failures.Add(1)
		d.logger.WithError(resp.Err).WithFields(logrus.Fields{
			"worker":   resp.Worker,
			"side":     resp.Side,
			"sequence": resp.Sequence,
		}).Warn("Render failed, using fallback")
	} else {
		d.completed.Add(1)
		switch resp.Request {
		case worker.MsgFrameData:
			d.frames[resp.Side] = latestFrame{sequence: resp.Sequence, frame: resp.Frame}
		case worker.MsgPath:
			d.profiles[resp.Side] = resp.Profile
		}
	}

	for _, c := range d.waiting[key] {
		if c.done {
			continue
		}
		c.got[key] = resp
		if len(c.got) == len(c.want) {
			d.finish(c)
		}
	}
	delete(d.waiting, key)
}

// expire completes a call whose timeout fired with fallback frames
func (d *Dispatcher) expire(c *call) {
	if c.done {
		return
	}

	var missing []string
	for key := range c.want {
		if _, ok := c.got[key]; !ok {
			missing = append(missing, key.String())
			d.unwait(key, c)
		}
	}
	sort.Strings(missing)

	d.timedOut.Add(1)
	d.logger.WithFields(logrus.Fields{
		"missing": missing,
		"timeout": d.opts.Timeout,
	}).Warn("Render timed out, using fallback")

	d.finish(c)
}

func (d *Dispatcher) unwait(key worker.Key, c *call) {
	calls := d.waiting[key]
	for i, w := range calls {
		if w == c {
			d.waiting[key] = append(calls[:i], calls[i+1:]...)
			break
		}
	}
	if len(d.waiting[key]) == 0 {
		delete(d.waiting, key)
	}
}

// finish replies to a call with whatever it has collected
func (d *Dispatcher) finish(c *call) {
	c.done = true
	if c.timer != nil {
		c.timer.Stop()
	}

	if c.profile {
		c.reply <- d.profileOutcome(c)
		return
	}

	data := RenderingData{Timestamp: d.now()}
	for _, side := range sortedSides(c.efis) {
		key := worker.Key{Side: side, Type: worker.MsgFrameData}
		resp, ok := c.got[key]
		if ok && resp.Err == nil {
			data.Frames = append(data.Frames, newFrame(resp.Frame, resp.Sequence, false))
			continue
		}
		data.Frames = append(data.Frames, d.fallback(side))
	}
	c.reply <- outcome{data: data}
}

func (d *Dispatcher) profileOutcome(c *call) outcome {
	key := worker.Key{Side: c.side, Type: worker.MsgPath}
	resp, ok := c.got[key]
	if ok && resp.Err == nil {
		return outcome{profile: resp.Profile}
	}
	if last, ok := d.profiles[c.side]; ok {
		return outcome{profile: last}
	}
	if ok {
		return outcome{err: resp.Err}
	}
	return outcome{err: ErrTimeout}
}

// fallback returns the last good frame of a side, or an empty one
func (d *Dispatcher) fallback(side render.Side) Frame {
	if last, ok := d.frames[side]; ok {
		return newFrame(last.frame, last.sequence, true)
	}
	return newFrame(render.NDData{
		Side:         side,
		MinElevation: render.NoElevation,
		MaxElevation: render.NoElevation,
	}, 0, true)
}

func (d *Dispatcher) assembleLatest() RenderingData {
	data := RenderingData{Timestamp: d.now()}
	sides := make([]render.Side, 0, len(d.frames))
	for side := range d.frames {
		sides = append(sides, side)
	}
	sort.Slice(sides, func(i, j int) bool { return sides[i] < sides[j] })
	for _, side := range sides {
		last := d.frames[side]
		data.Frames = append(data.Frames, newFrame(last.frame, last.sequence, false))
	}
	return data
}

// logWorker re-emits a worker log message
func (d *Dispatcher) logWorker(resp worker.Response) {
	entry := d.logger.WithField("worker", resp.Worker)
	switch resp.Type {
	case worker.MsgLogError:
		entry.Error(resp.Message)
	case worker.MsgLogWarn:
		entry.Warn(resp.Message)
	default:
		entry.Info(resp.Message)
	}
}

func (d *Dispatcher) closeWaiting() {
	for _, calls := range d.waiting {
		for _, c := range calls {
			if c.done {
				continue
			}
			c.done = true
			if c.timer != nil {
				c.timer.Stop()
			}
			c.reply <- outcome{err: ErrClosed}
		}
	}
}

func sortedSides(efis map[render.Side]render.EfisData) []render.Side {
	sides := make([]render.Side, 0, len(efis))
	for side := range efis {
		sides = append(sides, side)
	}
	sort.Slice(sides, func(i, j int) bool { return sides[i] < sides[j] })
	return sides
}
