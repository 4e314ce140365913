package frames

import (
	"errors"
	"fmt"

	"github.com/grafana/cdpframes/cdp"
)

var (
	// ErrNotAttached matches NotAttachedError.
	ErrNotAttached = errors.New("unit not attached")

	// ErrNoClient matches NoClientError.
	ErrNoClient = errors.New("no client for frame")

	// ErrDetection matches DetectionError.
	ErrDetection = errors.New("main frame detection failed")

	// ErrUnitClosed is returned by a Unit after Cleanup or a transport detach.
	ErrUnitClosed = errors.New("unit is closed")
)

// TransportError wraps a failure of the underlying transport.
type TransportError struct {
	Addr   cdp.Address
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s on %v: %v", e.Method, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NotAttachedError is returned for commands on a unit without a registry.
type NotAttachedError struct {
	UnitID int64
}

func (e *NotAttachedError) Error() string {
	return fmt.Sprintf("unit %d is not attached", e.UnitID)
}

func (e *NotAttachedError) Is(target error) bool { return target == ErrNotAttached }

// NoClientError is returned for commands on a frame without a handle.
type NoClientError struct {
	UnitID  int64
	FrameID string
}

func (e *NoClientError) Error() string {
	if e.FrameID == "" {
		return fmt.Sprintf("unit %d has no main frame client", e.UnitID)
	}
	return fmt.Sprintf("unit %d has no client for frame %q", e.UnitID, e.FrameID)
}

func (e *NoClientError) Is(target error) bool { return target == ErrNoClient }

// DetectionError is returned when the frame tree query for the main frame
// fails.
type DetectionError struct {
	UnitID int64
	Err    error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detecting main frame of unit %d: %v", e.UnitID, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

func (e *DetectionError) Is(target error) bool { return target == ErrDetection }

// EvaluationError is returned when evaluated script throws.
type EvaluationError struct {
	FrameID string
	Text    string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating in frame %q: %s", e.FrameID, e.Text)
}
