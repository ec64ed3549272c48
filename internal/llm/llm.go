package llm

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for backend failures. ErrTimeout wraps
// ErrBackendUnavailable so callers that only distinguish "transient, retry
// manually" can match a single sentinel.
var (
	ErrBackendUnavailable = errors.New("inference backend unavailable")
	ErrTimeout            = fmt.Errorf("%w: request timed out", ErrBackendUnavailable)
	ErrProtocol           = errors.New("inference backend violated the stream protocol")
)

// Request is one generation call.
type Request struct {
	Model   string
	Prompt  string
	Options Options
}

// Client is a minimal inference-backend interface to allow pluggable
// providers. The returned stream owns the connection until Close.
type Client interface {
	Generate(ctx context.Context, req Request) (*Stream, error)
}

// ModelLister is implemented by providers that can enumerate the models the
// backend actually serves.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Stream is a pull-based sequence of answer fragments. Next returns io.EOF
// after the final fragment; any other error means the attempt failed and
// fragments received so far must be discarded. Close releases the
// underlying connection and is safe on every exit path, including early
// abandonment.
type Stream struct {
	next  func() (string, error)
	close func() error
}

// NewStream builds a Stream from provider callbacks.
func NewStream(next func() (string, error), close func() error) *Stream {
	return &Stream{next: next, close: close}
}

// Next blocks until the next fragment arrives or the stream ends.
func (s *Stream) Next() (string, error) {
	return s.next()
}

// Close releases the stream's resources.
func (s *Stream) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
