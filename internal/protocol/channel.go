package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Channel carries frames over one net.Conn. Writers are serialized so a
// prefix from one Send is never interleaved with another's payload. Receive
// must be called from a single reader goroutine.
type Channel struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	FramesIn  atomic.Int64
	FramesOut atomic.Int64
	BytesIn   atomic.Int64
	BytesOut  atomic.Int64
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithWriteTimeout bounds each Send. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) { c.writeTimeout = d }
}

// NewChannel wraps conn.
func NewChannel(conn net.Conn, opts ...ChannelOption) *Channel {
	c := &Channel{
		conn:   conn,
		reader: bufio.NewReader(conn),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to addr and returns a Channel.
func Dial(addr string, timeout time.Duration, opts ...ChannelOption) (*Channel, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewChannel(conn, opts...), nil
}

// Send writes one frame. A write failure closes the channel.
func (c *Channel) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := WriteFrame(c.conn, payload); err != nil {
		if !errors.Is(err, ErrFrameTooLarge) {
			c.Close()
		}
		return err
	}

	c.FramesOut.Add(1)
	c.BytesOut.Add(int64(PrefixSize + len(payload)))
	return nil
}

// SendString is Send for text payloads.
func (c *Channel) SendString(payload string) error {
	return c.Send([]byte(payload))
}

// Receive blocks for the next frame. Any read error closes the channel.
func (c *Channel) Receive() ([]byte, error) {
	payload, err := ReadFrame(c.reader)
	if err != nil {
		if c.closed.Load() {
			err = fmt.Errorf("%w: closed locally", ErrConnectionClosed)
		}
		c.Close()
		return nil, err
	}

	c.FramesIn.Add(1)
	c.BytesIn.Add(int64(PrefixSize + len(payload)))
	return payload, nil
}

// Close closes the underlying connection once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

// Active reports whether the channel is still open.
func (c *Channel) Active() bool {
	return !c.closed.Load()
}

// Done is closed when the channel closes.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr is the peer address, used as the connection identity.
func (c *Channel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// LocalAddr is the local endpoint address.
func (c *Channel) LocalAddr() string {
	return c.conn.LocalAddr().String()
}
