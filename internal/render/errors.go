package render

import (
	"errors"
	"fmt"
)

var (
	// ErrDegenerateGeometry is returned for rasters or paths with no extent
	ErrDegenerateGeometry = errors.New("degenerate output geometry")
	// ErrNonFinite is returned when an input or computed value is NaN or infinite
	ErrNonFinite = errors.New("non-finite value")
	// ErrTooLarge is returned for requests beyond the configured limits
	ErrTooLarge = errors.New("request exceeds render limits")
)

// RenderError reports a request that could not produce a frame. The caller
// substitutes an empty or previous frame.
type RenderError struct {
	Side Side
	Op   string
	Err  error
}

func (e *RenderError) Error() string {
	if e.Side != "" {
		return fmt.Sprintf("render %s for side %s: %v", e.Op, e.Side, e.Err)
	}
	return fmt.Sprintf("render %s: %v", e.Op, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

func renderErrorf(side Side, op string, sentinel error, format string, args ...interface{}) error {
	return &RenderError{
		Side: side,
		Op:   op,
		Err:  fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)),
	}
}
