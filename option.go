package chatsock

import (
	"time"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	logger Logger

	// onError is called when a read or write error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	bufferSize     int           // size of the send queue
	readBufferSize int           // bytes requested per socket read
	heartbeat      time.Duration // heartbeat interval for read/write deadlines
}

// Option is a function that configures connection options.
type Option func(*options)

// BufferSizeOption returns an Option that sets the size of the send queue.
// A larger queue allows more replies to be pending before Send reports ErrBufferFull.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// This determines the read/write deadline timeout (heartbeat * 2).
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// ReadBufferSizeOption returns an Option that sets how many bytes are read
// from the socket per read event. It does not limit frame size; that is the
// dispatcher's MaxFrameSizeOption.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked when a read/write error occurs.
// Return Disconnect to close the connection, or Continue to suppress the error.
// A peer that closes its side always ends the connection.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// dispatcherOptions holds the configuration for a Dispatcher.
type dispatcherOptions struct {
	logger       Logger
	metrics      *Metrics
	maxFrameSize int
	errorReply   []byte
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*dispatcherOptions)

// DispatcherLoggerOption sets the dispatcher's logger.
func DispatcherLoggerOption(logger Logger) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.logger = logger
	}
}

// MaxFrameSizeOption bounds how many bytes may be buffered for a single
// unterminated frame. A peer exceeding it is half-closed.
func MaxFrameSizeOption(size int) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.maxFrameSize = size
	}
}

// ErrorReplyOption replaces the payload sent for undispatchable frames.
func ErrorReplyOption(reply []byte) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.errorReply = append([]byte(nil), reply...)
	}
}

// MetricsOption records dispatch metrics on m.
func MetricsOption(m *Metrics) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.metrics = m
	}
}
