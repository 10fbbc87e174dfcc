package chatsock

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/gnet/v2"
	"github.com/pkg/errors"
)

// defaultEventLoops matches the number of I/O workers the chat server has
// always run with.
const defaultEventLoops = 4

// gnetOptions holds the configuration for a GnetEngine.
type gnetOptions struct {
	logger       Logger
	multicore    bool
	numEventLoop int
	reusePort    bool
	tcpKeepAlive time.Duration
}

// GnetOption configures a GnetEngine.
type GnetOption func(*gnetOptions)

// GnetLoggerOption sets the engine's logger.
func GnetLoggerOption(logger Logger) GnetOption {
	return func(o *gnetOptions) {
		o.logger = logger
	}
}

// GnetMulticoreOption spreads connections over several event loops.
func GnetMulticoreOption(multicore bool) GnetOption {
	return func(o *gnetOptions) {
		o.multicore = multicore
	}
}

// GnetEventLoopsOption sets the number of event loops when multicore is on.
func GnetEventLoopsOption(n int) GnetOption {
	return func(o *gnetOptions) {
		o.numEventLoop = n
	}
}

// GnetReusePortOption enables SO_REUSEPORT on the listener.
func GnetReusePortOption(reuse bool) GnetOption {
	return func(o *gnetOptions) {
		o.reusePort = reuse
	}
}

// GnetKeepAliveOption sets the TCP keep-alive period.
func GnetKeepAliveOption(d time.Duration) GnetOption {
	return func(o *gnetOptions) {
		o.tcpKeepAlive = d
	}
}

// GnetEngine serves connections on gnet event loops.
// Each connection is pinned to one loop, so its callbacks never run
// concurrently with each other and its Buffer needs no locking.
type GnetEngine struct {
	gnet.BuiltinEventEngine

	dispatcher *Dispatcher
	logger     Logger
	opts       gnetOptions

	mu     sync.Mutex
	engine gnet.Engine
	booted bool
}

// NewGnetEngine returns an engine feeding dispatcher.
func NewGnetEngine(dispatcher *Dispatcher, opts ...GnetOption) (*GnetEngine, error) {
	if dispatcher == nil {
		return nil, ErrInvalidDispatcher
	}

	o := gnetOptions{
		multicore:    true,
		numEventLoop: defaultEventLoops,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}

	return &GnetEngine{dispatcher: dispatcher, logger: o.logger, opts: o}, nil
}

// Serve runs the engine on protoAddr (for example "tcp://0.0.0.0:6000")
// until ctx is canceled or the engine fails to start.
func (e *GnetEngine) Serve(ctx context.Context, protoAddr string) error {
	opts := []gnet.Option{
		gnet.WithMulticore(e.opts.multicore),
		gnet.WithReusePort(e.opts.reusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	}
	if e.opts.numEventLoop > 0 {
		opts = append(opts, gnet.WithNumEventLoop(e.opts.numEventLoop))
	}
	if e.opts.tcpKeepAlive > 0 {
		opts = append(opts, gnet.WithTCPKeepAlive(e.opts.tcpKeepAlive))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gnet.Run(e, protoAddr, opts...)
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "run gnet engine on %s", protoAddr)
	case <-ctx.Done():
		if err := e.Stop(context.Background()); err != nil {
			e.logger.Warn("stop gnet engine", "error", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// Stop shuts the engine down. It is a no-op before the engine has booted.
func (e *GnetEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	booted, eng := e.booted, e.engine
	e.mu.Unlock()

	if !booted {
		return nil
	}
	return eng.Stop(ctx)
}

// OnBoot implements gnet.EventHandler.
func (e *GnetEngine) OnBoot(eng gnet.Engine) gnet.Action {
	e.mu.Lock()
	e.engine = eng
	e.booted = true
	e.mu.Unlock()

	e.logger.Info("gnet engine started",
		"multicore", e.opts.multicore,
		"event_loops", e.opts.numEventLoop)
	return gnet.None
}

// OnShutdown implements gnet.EventHandler.
func (e *GnetEngine) OnShutdown(gnet.Engine) {
	e.logger.Info("gnet engine stopped")
}

// OnOpen implements gnet.EventHandler.
func (e *GnetEngine) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	gc := &gnetConn{
		c:      c,
		id:     uuid.NewString(),
		addr:   c.RemoteAddr(),
		buffer: NewBuffer(),
	}
	c.SetContext(gc)
	e.dispatcher.OnConnect(gc)
	return nil, gnet.None
}

// OnTraffic implements gnet.EventHandler.
func (e *GnetEngine) OnTraffic(c gnet.Conn) gnet.Action {
	data, err := c.Next(-1)
	if err != nil {
		e.logger.Debug("read inbound", "error", err)
		return gnet.None
	}

	gc, ok := c.Context().(*gnetConn)
	if !ok || gc.shuttingDown.Load() {
		return gnet.None
	}

	gc.buffer.Append(data)
	e.dispatcher.OnReadable(gc, gc.buffer, time.Now())
	return gnet.None
}

// OnClose implements gnet.EventHandler.
func (e *GnetEngine) OnClose(c gnet.Conn, err error) gnet.Action {
	gc, ok := c.Context().(*gnetConn)
	if !ok {
		return gnet.None
	}
	if err != nil {
		e.logger.Debug("connection closed with error", "conn", gc.id, "error", err)
	}

	gc.closed.Store(true)
	e.dispatcher.OnDisconnect(gc)
	gc.buffer.Release()
	return gnet.None
}

// gnetConn adapts a gnet.Conn to Connection. Writes go through AsyncWrite so
// they are safe from any goroutine and stay ordered with the half-close.
type gnetConn struct {
	c      gnet.Conn
	id     string
	addr   net.Addr
	buffer *Buffer

	shuttingDown atomic.Bool
	closed       atomic.Bool
}

func (gc *gnetConn) ID() string {
	return gc.id
}

func (gc *gnetConn) RemoteAddr() net.Addr {
	return gc.addr
}

func (gc *gnetConn) Send(payload []byte) error {
	if gc.closed.Load() || gc.shuttingDown.Load() {
		return ErrConnectionClosed
	}
	return gc.c.AsyncWrite(terminate(payload), nil)
}

// Shutdown queues a half-close behind every write already queued.
func (gc *gnetConn) Shutdown() error {
	if gc.closed.Load() || gc.shuttingDown.Swap(true) {
		return nil
	}
	return gc.c.AsyncWrite(nil, halfCloseWhenFlushed)
}

// halfCloseWhenFlushed runs on the event loop. A write that hit EAGAIN leaves
// bytes in the outbound buffer after its callback fires, so the half-close is
// queued again until the buffer drains.
func halfCloseWhenFlushed(c gnet.Conn, err error) error {
	if err != nil {
		return err
	}
	if c.OutboundBuffered() > 0 {
		return c.AsyncWrite(nil, halfCloseWhenFlushed)
	}
	return halfClose(c.Fd())
}
