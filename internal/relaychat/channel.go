package relaychat

import (
	"sync"

	"github.com/google/uuid"
)

const defaultChannelBuffer = 128

// Channel is one live delivery endpoint of a user (one device or tab).
// TryPush must never block.
type Channel interface {
	ID() string
	TryPush(s Sendable) error
	Close()
}

// Conn is the in-process Channel handed to transports. Pushed events are
// buffered; the transport drains Events() and writes frames to the wire.
// Once Close returns no further push succeeds, so Drain sees everything the
// fanout handed over.
type Conn struct {
	id     string
	user   UserID
	send   chan Sendable
	closed chan struct{}

	mu       sync.Mutex
	isClosed bool
}

func NewConn(user UserID, buffer int) *Conn {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &Conn{
		id:     uuid.NewString(),
		user:   user,
		send:   make(chan Sendable, buffer),
		closed: make(chan struct{}),
	}
}

func (c *Conn) ID() string              { return c.id }
func (c *Conn) User() UserID            { return c.user }
func (c *Conn) Events() <-chan Sendable { return c.send }

// Done is closed once the channel has been closed by either side.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// TryPush enqueues s without blocking. A full buffer is reported as
// ErrChannelFull so the fanout drops this channel instead of stalling.
func (c *Conn) TryPush(s Sendable) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return ErrChannelClosed
	}
	select {
	case c.send <- s:
		return nil
	default:
		return ErrChannelFull
	}
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return
	}
	c.isClosed = true
	close(c.closed)
}

// Drain returns the events still buffered, without blocking.
func (c *Conn) Drain() []Sendable {
	var out []Sendable
	for {
		select {
		case s := <-c.send:
			out = append(out, s)
		default:
			return out
		}
	}
}
