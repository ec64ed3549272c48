package llm

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockClient is a mock implementation of Client using testify/mock.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Generate(ctx context.Context, req Request) (*Stream, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Stream), args.Error(1)
}

// StaticStream returns a stream that yields the given fragments and then
// ends cleanly. Intended for tests.
func StaticStream(fragments ...string) *Stream {
	return FailingStream(nil, fragments...)
}

// FailingStream yields the given fragments and then fails with err instead
// of ending cleanly (a nil err ends the stream normally). Intended for
// tests simulating mid-stream disconnects.
func FailingStream(err error, fragments ...string) *Stream {
	i := 0
	return NewStream(func() (string, error) {
		if i >= len(fragments) {
			if err != nil {
				return "", err
			}
			return "", io.EOF
		}
		f := fragments[i]
		i++
		return f, nil
	}, nil)
}
