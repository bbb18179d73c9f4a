package worker

import (
	"fmt"

	"terrainsrv/internal/render"
)

// MessageType discriminates messages between the pool and its workers
type MessageType string

// Requests, main to worker
const (
	MsgFrameData MessageType = "REQ_FRAME_DATA"
	MsgPath      MessageType = "VD_PATH"
	MsgShutdown  MessageType = "REQ_SHUTDOWN"
)

// Responses, worker to main
const (
	MsgFrameResult MessageType = "RES_FRAME_DATA"
	MsgLogInfo     MessageType = "LOGINFO"
	MsgLogWarn     MessageType = "LOGWARN"
	MsgLogError    MessageType = "LOGERROR"
)

// IsLog reports whether t is one of the log message types
func (t MessageType) IsLog() bool {
	return t == MsgLogInfo || t == MsgLogWarn || t == MsgLogError
}

// Key identifies a stream of requests that supersede each other
type Key struct {
	Side render.Side
	Type MessageType
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Side, k.Type)
}

// Request is a message to a worker. Status and Efis are set for
// MsgFrameData, Path for MsgPath.
type Request struct {
	Type     MessageType
	Side     render.Side
	Sequence uint64
	Status   render.AircraftStatus
	Efis     render.EfisData
	Path     render.VerticalPathData
}

// Key returns the supersession key of the request
func (r Request) Key() Key {
	return Key{Side: r.Side, Type: r.Type}
}

// Response is a message from a worker. Result messages echo the request's
// side, type and sequence; log messages carry only Worker and Message.
type Response struct {
	Type     MessageType
	Worker   int
	Side     render.Side
	Sequence uint64
	Request  MessageType
	Frame    render.NDData
	Profile  render.Profile
	Err      error
	Message  string
}

// Key returns the supersession key of the request a result answers
func (r Response) Key() Key {
	return Key{Side: r.Side, Type: r.Request}
}

// WorkerError reports a request lost to a worker failure
type WorkerError struct {
	Worker int
	Reason string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d failed: %s", e.Worker, e.Reason)
}

// result builds the response to a request
func (r Request) result(worker int) Response {
	return Response{
		Type:     MsgFrameResult,
		Worker:   worker,
		Side:     r.Side,
		Sequence: r.Sequence,
		Request:  r.Type,
	}
}
