package hub

import (
	"io"
	"sync"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
)

// Kind tags what a client slot holds.
type Kind int

const (
	KindNone Kind = iota
	KindSocket
)

func (k Kind) String() string {
	if k == KindSocket {
		return "socket"
	}
	return "none"
}

// Client is one connected TCP peer. Out feeds its writer goroutine; Closed is
// closed exactly once when the client is torn down.
type Client struct {
	ID     uint64
	Remote string
	Kind   Kind
	Out    chan can.Frame
	Closed chan struct{}

	conn      io.Closer
	closeOnce sync.Once
}

// NewClient wraps conn with an outbound queue of size buf.
func NewClient(id uint64, remote string, conn io.Closer, buf int) *Client {
	if buf <= 0 {
		buf = 1
	}
	return &Client{
		ID:     id,
		Remote: remote,
		Kind:   KindSocket,
		Out:    make(chan can.Frame, buf),
		Closed: make(chan struct{}),
		conn:   conn,
	}
}

// Close signals the client is closed and closes its connection (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// IsClosed reports whether Close has been called.
func (c *Client) IsClosed() bool {
	select {
	case <-c.Closed:
		return true
	default:
		return false
	}
}
