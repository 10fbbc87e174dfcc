// Package chatsock is the ingress layer of a chat service.
// It splits a TCP byte stream into zero-terminated JSON frames, validates the
// msgid envelope of each one and dispatches it to a registered handler.
// Three transports feed the same Dispatcher: Conn/Server on the standard
// library, GnetEngine on gnet event loops, and WebSocketHandler.
package chatsock

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidDispatcher is returned when no dispatcher is provided.
	ErrInvalidDispatcher = errors.New("invalid dispatcher")
	// ErrConnectionClosed is returned when sending on a closed or half-closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Conn is a TCP connection served by the standard library.
// It reads into a per-connection Buffer, hands every read event to the
// Dispatcher, and writes replies from a send queue on a separate goroutine.
type Conn struct {
	id         string
	rawConn    *net.TCPConn
	dispatcher *Dispatcher
	buffer     *Buffer
	logger     Logger

	opts options

	sendMsg      chan []byte
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	running      atomic.Bool
	closed       atomic.Bool
	cancel       context.CancelFunc
}

// Default configuration values.
const (
	// defaultBufferSize is the default size of the send queue.
	defaultBufferSize = 64
	// defaultReadBufferSize is the default number of bytes read per event.
	defaultReadBufferSize = 4096
	// defaultHeartbeat is the default heartbeat interval.
	defaultHeartbeat = 30 * time.Second
)

// NewConn creates a new connection wrapper around the given TCP connection.
// It applies the provided options and fills in defaults for missing ones.
// Returns an error if dispatcher is nil.
func NewConn(conn *net.TCPConn, dispatcher *Dispatcher, opt ...Option) (*Conn, error) {
	if dispatcher == nil {
		return nil, ErrInvalidDispatcher
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	return newConnWithOptions(conn, dispatcher, opts), nil
}

// checkOptions sets default values for connection options.
func checkOptions(opts *options) {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// newConnWithOptions creates a new Conn with the given options.
func newConnWithOptions(c *net.TCPConn, dispatcher *Dispatcher, opts options) *Conn {
	return &Conn{
		id:         uuid.NewString(),
		rawConn:    c,
		dispatcher: dispatcher,
		buffer:     NewBuffer(),
		logger:     opts.logger,
		opts:       opts,
		sendMsg:    make(chan []byte, opts.bufferSize),
		shutdownCh: make(chan struct{}),
	}
}

// Run starts the connection's read and write loops.
// It reports the connection to the dispatcher, serves it until the peer goes
// away, an unrecoverable error occurs or ctx is canceled, and then reports
// the disconnect exactly once before closing the socket.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "conn", c.id, "addr", c.RemoteAddr())
	c.logger.Debug("connection options", "conn", c.id,
		"buffer_size", c.opts.bufferSize,
		"read_buffer_size", c.opts.readBufferSize,
		"heartbeat", c.opts.heartbeat)

	c.dispatcher.OnConnect(c)

	ctx, c.cancel = context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)
	c.running.Store(true)

	readDone := make(chan struct{})
	group.Go(func() error {
		defer close(readDone)
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// Unblock a pending Read once the connection is being torn down.
	group.Go(func() error {
		select {
		case <-child.Done():
			_ = c.rawConn.SetReadDeadline(time.Now())
		case <-readDone:
		}
		return nil
	})

	err := group.Wait()
	c.running.Store(false)

	c.dispatcher.OnDisconnect(c)
	c.closeConn()
	c.buffer.Release()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		c.logger.Info("connection closed with error", "conn", c.id, "addr", c.RemoteAddr(), "error", err)
	} else {
		c.logger.Info("connection closed", "conn", c.id, "addr", c.RemoteAddr())
	}

	return err
}

// Close closes the connection immediately.
// It cancels the context and closes the underlying TCP connection.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	if c.cancel != nil {
		c.cancel()
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Shutdown half-closes the connection. Replies already queued are written
// first, then the write side is closed. Reading continues until the peer
// closes its side, but further inbound bytes are discarded.
// Safe to call multiple times.
func (c *Conn) Shutdown() error {
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)
	})
	if c.running.Load() || c.closed.Load() {
		return nil // the write loop closes the write side
	}
	return c.rawConn.CloseWrite()
}

func (c *Conn) shuttingDown() bool {
	select {
	case <-c.shutdownCh:
		return true
	default:
		return false
	}
}

// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
// This error indicates backpressure - the receiver is not consuming messages fast enough.
// Recommended handling strategies:
//   - Drop the message (for non-critical data like metrics)
//   - Use SendBlocking or SendTimeout to wait for buffer space
//   - Implement application-level flow control
var ErrBufferFull = errors.New("send buffer full")

// Send queues payload for sending without blocking (fire-and-forget).
// The frame terminator is appended.
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed or half-closed
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() || c.shuttingDown() {
		return ErrConnectionClosed
	}

	select {
	case c.sendMsg <- terminate(payload):
		return nil
	default:
		return ErrBufferFull
	}
}

// SendBlocking queues payload, blocking until there is room in the send
// queue or ctx is canceled.
func (c *Conn) SendBlocking(ctx context.Context, payload []byte) error {
	if c.closed.Load() || c.shuttingDown() {
		return ErrConnectionClosed
	}

	select {
	case c.sendMsg <- terminate(payload):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTimeout queues payload, waiting at most timeout for room in the send
// queue. It returns ErrBufferFull when the timeout expires.
func (c *Conn) SendTimeout(payload []byte, timeout time.Duration) error {
	if c.closed.Load() || c.shuttingDown() {
		return ErrConnectionClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- terminate(payload):
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the remote address of the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// readLoop reads from the socket into the connection buffer and dispatches
// every read event. When the peer closes its side it requests a shutdown and
// returns nil, so the write loop still flushes the replies already queued.
// It returns the read error when onError asks to disconnect.
func (c *Conn) readLoop(ctx context.Context) error {
	chunk := make([]byte, c.opts.readBufferSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))

		n, err := c.rawConn.Read(chunk)
		if n > 0 && !c.shuttingDown() {
			c.buffer.Append(chunk[:n])
			c.dispatcher.OnReadable(c, c.buffer, time.Now())
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Debug("peer closed its side", "conn", c.id)
				c.shutdownOnce.Do(func() {
					close(c.shutdownCh)
				})
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.closed.Load() {
				return ErrConnectionClosed
			}
			c.logger.Debug("read error", "conn", c.id, "error", err)
			if c.opts.onError(err) == Disconnect {
				return err
			}
		}
	}
}

// writeLoop continuously sends queued messages to the connection.
// When a shutdown is requested it flushes what is queued, closes the write
// side and returns.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		case <-c.shutdownCh:
			return c.flushAndCloseWrite()
		}
	}
}

func (c *Conn) flushAndCloseWrite() error {
	for {
		select {
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		default:
			c.logger.Debug("half-closing connection", "conn", c.id)
			return c.rawConn.CloseWrite()
		}
	}
}

// write sends data to the connection with a deadline.
// If an error occurs and onError returns Disconnect, the error is propagated.
// Otherwise, the error is suppressed and writing continues.
func (c *Conn) write(data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))

	_, err := c.rawConn.Write(data)

	if err != nil {
		c.logger.Debug("write error", "conn", c.id, "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.rawConn.Close()
}

// terminate returns a copy of payload followed by the frame terminator.
func terminate(payload []byte) []byte {
	out := make([]byte, len(payload)+1)
	copy(out, payload)
	out[len(payload)] = Terminator
	return out
}
