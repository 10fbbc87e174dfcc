package chatsock

import (
	"errors"
	"net"
	"time"
)

// ErrNilRegistry is returned by NewDispatcher when no registry is supplied.
var ErrNilRegistry = errors.New("nil handler registry")

// DefaultErrorReply is sent once for every frame that cannot be dispatched.
var DefaultErrorReply = []byte(`{"error":"invalid message"}`)

// maxLoggedPayload caps how much of a rejected frame is written to the log.
const maxLoggedPayload = 256

// Connection is one client's duplex channel as seen by the dispatch layer.
// It is owned by the transport; the dispatcher only writes to it and may ask
// for a half-close.
type Connection interface {
	// ID returns an identifier that is stable for the connection's lifetime.
	ID() string
	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
	// Send writes one outbound message. Stream transports append the frame
	// terminator; message-oriented transports send it as one message.
	Send(payload []byte) error
	// Shutdown half-closes the connection: pending writes are flushed, the
	// write side is closed and the peer may still drain its own writes.
	Shutdown() error
}

// Dispatcher turns read events into handler invocations.
//
// For every read event it extracts frames from the connection buffer, decodes
// each one and calls the handler registered for its msgid. Frames that fail
// to decode or have no handler are answered with a single error reply and the
// connection stays open. A frame that outgrows the size limit without a
// terminator half-closes the connection without a reply.
//
// A Dispatcher is shared by all connections and is safe for concurrent use,
// provided each connection's callbacks are invoked sequentially.
type Dispatcher struct {
	registry  *Registry
	lifecycle *LifecycleNotifier
	logger    Logger
	metrics   *Metrics

	maxFrameSize int
	errorReply   []byte
}

// NewDispatcher builds a dispatcher over registry and seals it.
// sessions receives disconnect notifications and may be nil.
func NewDispatcher(registry *Registry, sessions SessionNotifier, opts ...DispatcherOption) (*Dispatcher, error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}

	o := dispatcherOptions{
		logger:       defaultLogger(),
		maxFrameSize: DefaultMaxFrameSize,
		errorReply:   DefaultErrorReply,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}
	if o.maxFrameSize <= 0 {
		o.maxFrameSize = DefaultMaxFrameSize
	}
	if len(o.errorReply) == 0 {
		o.errorReply = DefaultErrorReply
	}

	registry.Seal()

	return &Dispatcher{
		registry:     registry,
		lifecycle:    NewLifecycleNotifier(sessions, o.logger, o.metrics),
		logger:       o.logger,
		metrics:      o.metrics,
		maxFrameSize: o.maxFrameSize,
		errorReply:   o.errorReply,
	}, nil
}

// MaxFrameSize returns the largest payload accepted for one frame.
func (d *Dispatcher) MaxFrameSize() int {
	return d.maxFrameSize
}

// OnConnect is called by the transport once a connection is established.
func (d *Dispatcher) OnConnect(conn Connection) {
	d.lifecycle.OnConnect(conn)
}

// OnDisconnect is called by the transport exactly once, when the connection
// stops being connected. The session layer is notified before the
// connection is half-closed.
func (d *Dispatcher) OnDisconnect(conn Connection) {
	d.lifecycle.OnDisconnect(conn)
}

// OnReadable dispatches every complete frame in buf, in order.
// Incomplete trailing bytes stay in buf for the next read event.
func (d *Dispatcher) OnReadable(conn Connection, buf *Buffer, ts time.Time) {
	if buf.Len() < MinFrameBytes {
		d.logger.Debug("data too short", "conn", conn.ID(), "len", buf.Len())
		return
	}

	for {
		frame, err := ExtractFrame(buf, d.maxFrameSize)
		if err != nil {
			d.abort(conn, buf, err)
			return
		}
		if frame == nil {
			break
		}

		if err := d.dispatch(conn, frame, ts); err != nil {
			d.reject(conn, frame, err)
		}
	}

	d.metrics.observeBuffered(buf.Len())
}

// dispatch decodes frame and runs its handler. The returned error is always
// a *DecodeError and means the handler was not called.
func (d *Dispatcher) dispatch(conn Connection, frame Frame, ts time.Time) error {
	msg, err := DecodeMessage(frame)
	if err != nil {
		return err
	}

	handler, ok := d.registry.Lookup(msg.ID)
	if !ok {
		return &DecodeError{Kind: KindUnknownHandler, MsgID: msg.ID}
	}

	start := time.Now()
	handler(conn, msg, ts)
	d.metrics.observeHandler(msg.ID, time.Since(start))
	d.metrics.frame(resultDispatched)
	return nil
}

// reject answers a frame that could not be dispatched.
func (d *Dispatcher) reject(conn Connection, frame Frame, err error) {
	kind := KindOf(err)
	d.metrics.frame(kind.String())
	d.logger.Warn("invalid message",
		"conn", conn.ID(),
		"kind", kind.String(),
		"error", err,
		"raw", truncatePayload(frame))

	if sendErr := conn.Send(d.errorReply); sendErr != nil {
		d.logger.Debug("send error reply", "conn", conn.ID(), "error", sendErr)
	}
}

// abort drops everything pending on conn and half-closes it.
func (d *Dispatcher) abort(conn Connection, buf *Buffer, err error) {
	d.metrics.framingError()
	d.logger.Warn("invalid message terminator",
		"conn", conn.ID(),
		"addr", conn.RemoteAddr(),
		"pending", buf.Len(),
		"max_frame_size", d.maxFrameSize,
		"error", err)

	buf.Reset()
	if shutdownErr := conn.Shutdown(); shutdownErr != nil {
		d.logger.Debug("shutdown", "conn", conn.ID(), "error", shutdownErr)
	}
}

func truncatePayload(frame Frame) string {
	if len(frame) <= maxLoggedPayload {
		return string(frame)
	}
	return string(frame[:maxLoggedPayload]) + "..."
}
