package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terrainsrv/internal/render"
	"terrainsrv/internal/worker"
)

// fakePool records posted requests and lets the test deliver responses
type fakePool struct {
	posted  chan worker.Request
	results chan worker.Response
	fail    error
}

func newFakePool() *fakePool {
	return &fakePool{
		posted:  make(chan worker.Request, 16),
		results: make(chan worker.Response, 16),
	}
}

func (f *fakePool) Post(ctx context.Context, req worker.Request) error {
	if f.fail != nil {
		return f.fail
	}
	f.posted <- req
	return nil
}

func (f *fakePool) Results() <-chan worker.Response {
	return f.results
}

func (f *fakePool) nextPost(t *testing.T) worker.Request {
	t.Helper()
	select {
	case req := <-f.posted:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("nothing posted")
		return worker.Request{}
	}
}

// answer delivers a one pixel frame whose pixel is the sequence number
func (f *fakePool) answer(req worker.Request) {
	f.results <- worker.Response{
		Type:     worker.MsgFrameResult,
		Side:     req.Side,
		Sequence: req.Sequence,
		Request:  req.Type,
		Frame: render.NDData{
			Side:   req.Side,
			Width:  1,
			Height: 1,
			Pixels: []byte{byte(req.Sequence)},
		},
	}
}

func startDispatcher(t *testing.T, pool *fakePool, timeout time.Duration) (*Dispatcher, context.CancelFunc) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	d := New(pool, Options{Timeout: timeout}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, d.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return d, cancel
}

func status() render.AircraftStatus {
	return render.AircraftStatus{Latitude: 47, Longitude: 11, Altitude: 3000, AdiruDataValid: true}
}

func leftOnly() map[render.Side]render.EfisData {
	return map[render.Side]render.EfisData{
		render.SideLeft: {Range: 20, TerrainActive: true},
	}
}

type renderResult struct {
	data RenderingData
	err  error
}

// renderAsync starts a Render call and waits until its request is posted
func renderAsync(t *testing.T, d *Dispatcher, pool *fakePool) (<-chan renderResult, worker.Request) {
	t.Helper()
	out := make(chan renderResult, 1)
	go func() {
		data, err := d.Render(context.Background(), status(), leftOnly())
		out <- renderResult{data: data, err: err}
	}()
	return out, pool.nextPost(t)
}

func await(t *testing.T, ch <-chan renderResult) RenderingData {
	t.Helper()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.data
	case <-time.After(2 * time.Second):
		t.Fatal("render did not return")
		return RenderingData{}
	}
}

// TestDispatcher_OutOfOrder delivers sequences 3, 1, 2 and keeps only 3
func TestDispatcher_OutOfOrder(t *testing.T) {
	pool := newFakePool()
	d, _ := startDispatcher(t, pool, time.Minute)

	var calls []<-chan renderResult
	var reqs []worker.Request
	for i := 0; i < 3; i++ {
		ch, req := renderAsync(t, d, pool)
		calls = append(calls, ch)
		reqs = append(reqs, req)
		assert.Equal(t, uint64(i+1), req.Sequence)
	}

	pool.answer(reqs[2])
	pool.answer(reqs[0])
	pool.answer(reqs[1])

	for _, ch := range calls {
		data := await(t, ch)
		require.Len(t, data.Frames, 1)
		assert.Equal(t, uint64(3), data.Frames[0].Sequence)
		assert.Equal(t, []byte{3}, data.Frames[0].Data.Pixels)
	}

	assert.Eventually(t, func() bool { return d.Stats().Superseded == 2 }, time.Second, time.Millisecond)

	latest, err := d.Latest(context.Background())
	require.NoError(t, err)
	frame, ok := latest.Frame(render.SideLeft)
	require.True(t, ok)
	assert.Equal(t, uint64(3), frame.Sequence)
	assert.False(t, frame.Stale)
}

// TestDispatcher_Supersession sends a second request before the first is
// answered; the late first answer is discarded
func TestDispatcher_Supersession(t *testing.T) {
	pool := newFakePool()
	d, _ := startDispatcher(t, pool, time.Minute)

	first, req1 := renderAsync(t, d, pool)
	second, req2 := renderAsync(t, d, pool)

	pool.answer(req2)
	for _, ch := range []<-chan renderResult{first, second} {
		data := await(t, ch)
		assert.Equal(t, uint64(2), data.Frames[0].Sequence)
	}

	pool.answer(req1)
	assert.Eventually(t, func() bool { return d.Stats().Superseded == 1 }, time.Second, time.Millisecond)

	latest, err := d.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Frames[0].Sequence)
}

// TestDispatcher_TimeoutFallback checks unanswered sides get the previous frame
func TestDispatcher_TimeoutFallback(t *testing.T) {
	pool := newFakePool()
	d, _ := startDispatcher(t, pool, 50*time.Millisecond)

	// first render times out with nothing to fall back on
	ch, _ := renderAsync(t, d, pool)
	data := await(t, ch)
	require.Len(t, data.Frames, 1)
	assert.True(t, data.Frames[0].Stale)
	assert.True(t, data.Frames[0].Data.Empty())
	assert.Equal(t, int32(render.NoElevation), data.Frames[0].Terrain.MaxElevation)

	// second render succeeds
	ch, req := renderAsync(t, d, pool)
	pool.answer(req)
	data = await(t, ch)
	assert.False(t, data.Frames[0].Stale)
	assert.Equal(t, req.Sequence, data.Frames[0].Sequence)

	// third times out and repeats the second
	ch, _ = renderAsync(t, d, pool)
	data = await(t, ch)
	assert.True(t, data.Frames[0].Stale)
	assert.Equal(t, req.Sequence, data.Frames[0].Sequence)

	assert.Equal(t, uint64(2), d.Stats().Timeouts)
}

// TestDispatcher_RenderErrorFallback checks worker errors never reach the caller
func TestDispatcher_RenderErrorFallback(t *testing.T) {
	pool := newFakePool()
	d, _ := startDispatcher(t, pool, time.Minute)

	ch, req := renderAsync(t, d, pool)
	pool.results <- worker.Response{
		Type:     worker.MsgFrameResult,
		Side:     req.Side,
		Sequence: req.Sequence,
		Request:  req.Type,
		Err:      &worker.WorkerError{Worker: 1, Reason: "panic"},
	}

	data := await(t, ch)
	assert.True(t, data.Frames[0].Stale)
	assert.Equal(t, uint64(1), d.Stats().Failures)
}

// TestDispatcher_InvalidRequest checks rejected requests are never posted
func TestDispatcher_InvalidRequest(t *testing.T) {
	pool := newFakePool()
	d, _ := startDispatcher(t, pool, time.Minute)

	bad := status()
	bad.Latitude = 91

	tests := []struct {
		name   string
		status render.AircraftStatus
		efis   map[render.Side]render.EfisData
	}{
		{name: "negative range", status: status(), efis: map[render.Side]render.EfisData{render.SideLeft: {Range: -5}}},
		{name: "bad latitude", status: bad, efis: leftOnly()},
		{name: "unknown side", status: status(), efis: map[render.Side]render.EfisData{"C": {Range: 10}}},
		{name: "no sides", status: status(), efis: nil},
		{name: "raster above limit", status: status(), efis: map[render.Side]render.EfisData{render.SideLeft: {Range: 10, TerrainActive: true, MaxWidth: 1 << 28}}},
		{name: "inactive raster above limit", status: status(), efis: map[render.Side]render.EfisData{render.SideRight: {Range: 10, MaxWidth: 4096}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Render(context.Background(), tt.status, tt.efis)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
		})
	}

	short := []render.Waypoint{{Latitude: 47, Longitude: 11}, {Latitude: 47.1, Longitude: 11}}
	paths := []struct {
		name string
		path render.VerticalPathData
	}{
		{name: "one waypoint", path: render.VerticalPathData{Waypoints: short[:1]}},
		{name: "zero length", path: render.VerticalPathData{Waypoints: []render.Waypoint{short[0], short[0]}}},
		{name: "corridor above limit", path: render.VerticalPathData{Waypoints: short, PathWidth: 2000}},
		{name: "samples above limit", path: render.VerticalPathData{Waypoints: []render.Waypoint{
			{Latitude: 0, Longitude: -179}, {Latitude: 0, Longitude: 0}, {Latitude: 0, Longitude: 179},
		}}},
		{name: "negative width", path: render.VerticalPathData{Waypoints: short, PathWidth: -1}},
	}

	for _, tt := range paths {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Profile(context.Background(), render.SideLeft, tt.path)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
		})
	}

	assert.Len(t, pool.posted, 0)
	assert.Equal(t, uint64(0), d.Stats().Posted)
}

// TestDispatcher_BothSides assembles one envelope from two sides
func TestDispatcher_BothSides(t *testing.T) {
	pool := newFakePool()
	d, _ := startDispatcher(t, pool, time.Minute)

	out := make(chan renderResult, 1)
	go func() {
		data, err := d.Render(context.Background(), status(), map[render.Side]render.EfisData{
			render.SideRight: {Range: 10, TerrainActive: true},
			render.SideLeft:  {Range: 40, TerrainActive: true},
		})
		out <- renderResult{data: data, err: err}
	}()

	left, right := pool.nextPost(t), pool.nextPost(t)
	assert.Equal(t, render.SideLeft, left.Side)
	assert.Equal(t, render.SideRight, right.Side)
	assert.Equal(t, 40.0, left.Efis.Range)

	pool.answer(right)
	pool.answer(left)

	data := await(t, out)
	require.Len(t, data.Frames, 2)
	assert.Equal(t, render.SideLeft, data.Frames[0].Side)
	assert.Equal(t, render.SideRight, data.Frames[1].Side)
	assert.False(t, data.Timestamp.IsZero())
}

// TestDispatcher_InactiveSide checks only sides with terrain active are
// rendered and carried in the envelope
func TestDispatcher_InactiveSide(t *testing.T) {
	pool := newFakePool()
	d, _ := startDispatcher(t, pool, time.Minute)

	out := make(chan renderResult, 1)
	go func() {
		data, err := d.Render(context.Background(), status(), map[render.Side]render.EfisData{
			render.SideLeft:  {Range: 10, TerrainActive: true},
			render.SideRight: {Range: 10},
		})
		out <- renderResult{data: data, err: err}
	}()

	req := pool.nextPost(t)
	assert.Equal(t, render.SideLeft, req.Side)
	pool.answer(req)

	data := await(t, out)
	require.Len(t, data.Frames, 1)
	assert.Equal(t, render.SideLeft, data.Frames[0].Side)
	_, ok := data.Frame(render.SideRight)
	assert.False(t, ok)
	assert.Len(t, pool.posted, 0)
	assert.Equal(t, uint64(1), d.Stats().Posted)

	// nothing active, nothing posted
	data, err := d.Render(context.Background(), status(), map[render.Side]render.EfisData{
		render.SideLeft: {Range: 10},
	})
	require.NoError(t, err)
	assert.Empty(t, data.Frames)
	assert.False(t, data.Timestamp.IsZero())
	assert.Len(t, pool.posted, 0)
	assert.Equal(t, uint64(1), d.Stats().Posted)
}

func TestDispatcher_Profile(t *testing.T) {
	pool := newFakePool()
	d, _ := startDispatcher(t, pool, time.Minute)

	path := render.VerticalPathData{Waypoints: []render.Waypoint{{Latitude: 47, Longitude: 11}, {Latitude: 47.1, Longitude: 11}}}

	type result struct {
		profile render.Profile
		err     error
	}
	out := make(chan result, 1)
	go func() {
		p, err := d.Profile(context.Background(), render.SideRight, path)
		out <- result{p, err}
	}()

	req := pool.nextPost(t)
	assert.Equal(t, worker.MsgPath, req.Type)
	pool.results <- worker.Response{
		Type:     worker.MsgFrameResult,
		Side:     req.Side,
		Sequence: req.Sequence,
		Request:  req.Type,
		Profile:  render.Profile{Distances: []float64{0, 6}, Elevations: []float64{500, 800}},
	}

	r := <-out
	require.NoError(t, r.err)
	assert.Equal(t, []float64{500, 800}, r.profile.Elevations)

	_, err := d.Profile(context.Background(), render.SideRight, render.VerticalPathData{})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestDispatcher_Closed(t *testing.T) {
	pool := newFakePool()
	d, cancel := startDispatcher(t, pool, time.Minute)

	ch, _ := renderAsync(t, d, pool)
	cancel()

	select {
	case r := <-ch:
		assert.True(t, errors.Is(r.err, ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("render did not return")
	}

	_, err := d.Render(context.Background(), status(), leftOnly())
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestDispatcher_PostFailure(t *testing.T) {
	pool := newFakePool()
	pool.fail = worker.ErrPoolClosed
	d, _ := startDispatcher(t, pool, time.Minute)

	data, err := d.Render(context.Background(), status(), leftOnly())
	require.NoError(t, err)
	assert.True(t, data.Frames[0].Stale)
	assert.Equal(t, uint64(1), d.Stats().Failures)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	data := RenderingData{
		Timestamp: time.Unix(1700000000, 0),
		Frames: []Frame{
			newFrame(render.NDData{Side: render.SideLeft, Width: 2, Height: 1, Pixels: []byte{0x2F, 0x30}, MaxElevationMode: render.LevelCaution}, 4, false),
			newFrame(render.NDData{Side: render.SideRight, MinElevation: render.NoElevation, MaxElevation: render.NoElevation}, 0, true),
		},
	}

	b, err := EncodeEnvelope(data)
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(b)
	require.NoError(t, err)

	assert.True(t, data.Timestamp.Equal(decoded.Timestamp))
	require.Len(t, decoded.Frames, 2)
	assert.Equal(t, data.Frames[0].Map, decoded.Frames[0].Map)
	assert.Equal(t, uint64(4), decoded.Frames[0].Sequence)
	assert.True(t, decoded.Frames[1].Stale)
	assert.Equal(t, int32(render.NoElevation), decoded.Frames[1].Terrain.MinElevation)
}
