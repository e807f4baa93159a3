package stream

import (
	"context"
	"errors"
	"fmt"
)

// ErrAborted is returned when the caller cancels an open stream.
var ErrAborted = errors.New("stream aborted")

// TransportError reports a failed request or a dropped connection.
type TransportError struct {
	StatusCode int    // zero when the failure happened below HTTP
	Body       string // truncated response body for non-2xx replies
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("chat stream: status %d: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("chat stream: status %d", e.StatusCode)
	case e.Err != nil:
		return "chat stream: " + e.Err.Error()
	default:
		return "chat stream: transport failure"
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// classify maps a low-level failure to ErrAborted when the context is done,
// and to a TransportError otherwise.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
	}
	return &TransportError{Err: err}
}
