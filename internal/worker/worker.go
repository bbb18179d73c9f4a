package worker

import (
	"fmt"
	"sync/atomic"
	"time"

	"terrainsrv/internal/render"
	"terrainsrv/internal/terrain"
)

// State is a worker's position in its lifecycle
type State int32

// Worker states
const (
	StateIdle State = iota
	StateRendering
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRendering:
		return "rendering"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Renderer is the per-worker rendering backend
type Renderer interface {
	RenderFrame(status render.AircraftStatus, efis render.EfisData, side render.Side) (render.NDData, error)
	RenderProfile(path render.VerticalPathData) (render.Profile, error)
}

// Factory builds the renderer for a new worker
type Factory func(id int) (Renderer, error)

// RendererFactory gives every worker its own renderer over a shared,
// read-only database
func RendererFactory(db *terrain.Database, cfg render.Config) Factory {
	return func(int) (Renderer, error) {
		return render.NewRenderer(db, cfg)
	}
}

// Logger forwards worker log lines to the pool as LOG messages. Lines are
// dropped when the pool is not keeping up.
type Logger struct {
	worker int
	out    chan<- Response
}

func (l *Logger) send(t MessageType, format string, args ...interface{}) {
	select {
	case l.out <- Response{Type: t, Worker: l.worker, Message: fmt.Sprintf(format, args...)}:
	default:
	}
}

// Infof emits a LOGINFO message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.send(MsgLogInfo, format, args...)
}

// Warnf emits a LOGWARN message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.send(MsgLogWarn, format, args...)
}

// Errorf emits a LOGERROR message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.send(MsgLogError, format, args...)
}

// exit tells the pool a worker goroutine has ended
type exit struct {
	worker   int
	inFlight *Request
	panicked interface{}
}

// Worker renders one request at a time on its own goroutine
type Worker struct {
	id         int
	renderer   Renderer
	requests   chan Request
	out        chan<- Response
	exits      chan<- exit
	quit       <-chan struct{}
	log        *Logger
	slowRender time.Duration
	state      atomic.Int32
	current    *Request
}

// newWorker creates a worker that reports results on out and its end on exits
func newWorker(id int, renderer Renderer, out chan<- Response, exits chan<- exit, quit <-chan struct{}, slowRender time.Duration) *Worker {
	return &Worker{
		id:         id,
		renderer:   renderer,
		requests:   make(chan Request, 2),
		out:        out,
		exits:      exits,
		quit:       quit,
		log:        &Logger{worker: id, out: out},
		slowRender: slowRender,
	}
}

// ID returns the worker id
func (w *Worker) ID() int {
	return w.id
}

// State returns the current lifecycle state
func (w *Worker) State() State {
	return State(w.state.Load())
}

// start runs the worker loop on a new goroutine
func (w *Worker) start() {
	go func() {
		defer func() {
			e := exit{worker: w.id, inFlight: w.current}
			if p := recover(); p != nil {
				e.panicked = p
				w.log.Errorf("worker %d panicked: %v", w.id, p)
			}
			w.state.Store(int32(StateTerminated))
			select {
			case w.exits <- e:
			case <-w.quit:
			}
		}()
		w.run()
	}()
}

// run serves requests until REQ_SHUTDOWN or the request channel closes
func (w *Worker) run() {
	w.log.Infof("worker %d ready", w.id)

	for req := range w.requests {
		if req.Type == MsgShutdown {
			return
		}

		w.current = &req
		w.state.Store(int32(StateRendering))
		resp := w.handle(req)
		w.current = nil
		w.state.Store(int32(StateIdle))

		select {
		case w.out <- resp:
		case <-w.quit:
			return
		}
	}
}

// handle renders one request
func (w *Worker) handle(req Request) Response {
	resp := req.result(w.id)
	started := time.Now()

	switch req.Type {
	case MsgFrameData:
		resp.Frame, resp.Err = w.renderer.RenderFrame(req.Status, req.Efis, req.Side)
	case MsgPath:
		resp.Profile, resp.Err = w.renderer.RenderProfile(req.Path)
	default:
		resp.Err = fmt.Errorf("unknown request type %q", req.Type)
	}

	if resp.Err != nil {
		w.log.Errorf("%s %s #%d: %v", req.Type, req.Side, req.Sequence, resp.Err)
	}
	if elapsed := time.Since(started); w.slowRender > 0 && elapsed > w.slowRender {
		w.log.Warnf("%s %s #%d took %s", req.Type, req.Side, req.Sequence, elapsed)
	}

	return resp
}
