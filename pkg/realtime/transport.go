package realtime

import (
	"context"
	"errors"
	"net/url"
)

// Transport opens one physical connection to the chat namespace.
type Transport interface {
	Name() string
	Dial(ctx context.Context, endpoint string, query url.Values) (Conn, error)
}

// Conn is a framed, ordered, bidirectional connection. WriteFrame must be safe
// for concurrent use; ReadFrame is called from a single goroutine. Close unblocks
// a pending ReadFrame.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

var errConnClosed = errors.New("realtime: transport closed")
