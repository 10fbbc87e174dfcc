package chatsock

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultWebSocketWriteTimeout = 10 * time.Second

type webSocketOptions struct {
	logger       Logger
	checkOrigin  func(*http.Request) bool
	heartbeat    time.Duration
	writeTimeout time.Duration
}

// WebSocketOption configures a WebSocketHandler.
type WebSocketOption func(*webSocketOptions)

// WebSocketLoggerOption sets the handler's logger.
func WebSocketLoggerOption(logger Logger) WebSocketOption {
	return func(o *webSocketOptions) {
		o.logger = logger
	}
}

// WebSocketCheckOriginOption sets the origin check used during the upgrade.
// By default only same-origin requests are accepted.
func WebSocketCheckOriginOption(fn func(*http.Request) bool) WebSocketOption {
	return func(o *webSocketOptions) {
		o.checkOrigin = fn
	}
}

// WebSocketHeartbeatOption sets the read deadline to twice d.
func WebSocketHeartbeatOption(d time.Duration) WebSocketOption {
	return func(o *webSocketOptions) {
		o.heartbeat = d
	}
}

// WebSocketWriteTimeoutOption bounds each outbound message.
func WebSocketWriteTimeoutOption(d time.Duration) WebSocketOption {
	return func(o *webSocketOptions) {
		o.writeTimeout = d
	}
}

// WebSocketHandler upgrades HTTP requests and feeds the resulting
// connections to a Dispatcher.
//
// Every inbound text or binary message is appended to the connection buffer,
// followed by a terminator when it does not already end with one, so a client
// may send either one frame per message or a raw terminated stream. Replies
// are sent as text messages without a terminator.
type WebSocketHandler struct {
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	logger     Logger
	opts       webSocketOptions
}

// NewWebSocketHandler returns an http.Handler serving dispatcher.
func NewWebSocketHandler(dispatcher *Dispatcher, opts ...WebSocketOption) (*WebSocketHandler, error) {
	if dispatcher == nil {
		return nil, ErrInvalidDispatcher
	}

	o := webSocketOptions{
		heartbeat:    defaultHeartbeat,
		writeTimeout: defaultWebSocketWriteTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = defaultLogger()
	}

	return &WebSocketHandler{
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  defaultReadBufferSize,
			WriteBufferSize: defaultReadBufferSize,
			CheckOrigin:     o.checkOrigin,
		},
		logger: o.logger,
		opts:   o,
	}, nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	c := &wsConn{
		ws:           ws,
		id:           uuid.NewString(),
		buffer:       NewBuffer(),
		writeTimeout: h.opts.writeTimeout,
	}
	ws.SetReadLimit(int64(h.dispatcher.MaxFrameSize()) + 1)

	h.logger.Info("websocket established", "conn", c.id, "addr", c.RemoteAddr())
	h.dispatcher.OnConnect(c)

	err = h.readLoop(c)

	c.closed.Store(true)
	h.dispatcher.OnDisconnect(c)
	_ = ws.Close()
	c.buffer.Release()

	if err != nil && websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseNormalClosure,
		websocket.CloseAbnormalClosure) {
		h.logger.Info("websocket closed with error", "conn", c.id, "error", err)
	} else {
		h.logger.Info("websocket closed", "conn", c.id)
	}
}

func (h *WebSocketHandler) readLoop(c *wsConn) error {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.heartbeat * 2))

		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if c.shuttingDown.Load() {
			continue
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		c.buffer.Append(data)
		if len(data) == 0 || data[len(data)-1] != Terminator {
			c.buffer.Append([]byte{Terminator})
		}
		h.dispatcher.OnReadable(c, c.buffer, time.Now())
	}
}

// wsConn adapts a websocket connection to Connection.
type wsConn struct {
	ws           *websocket.Conn
	id           string
	buffer       *Buffer
	writeTimeout time.Duration

	writeMu      sync.Mutex
	shuttingDown atomic.Bool
	closed       atomic.Bool
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) Send(payload []byte) error {
	if c.closed.Load() || c.shuttingDown.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Shutdown sends a close frame. The peer's close reply ends the read loop.
func (c *wsConn) Shutdown() error {
	if c.closed.Load() || c.shuttingDown.Swap(true) {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
}
