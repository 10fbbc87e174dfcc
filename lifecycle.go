package chatsock

// SessionNotifier is the session layer's hook for connection teardown.
// NotifySessionClosed runs synchronously before the connection is
// half-closed, so server-side session state can be cleaned up first.
type SessionNotifier interface {
	NotifySessionClosed(conn Connection)
}

// SessionOpener is optionally implemented by a SessionNotifier that also
// wants to hear about new connections.
type SessionOpener interface {
	NotifySessionOpened(conn Connection)
}

// SessionNotifierFunc adapts a function to SessionNotifier.
type SessionNotifierFunc func(conn Connection)

// NotifySessionClosed calls f(conn).
func (f SessionNotifierFunc) NotifySessionClosed(conn Connection) {
	f(conn)
}

type nopSessionNotifier struct{}

func (nopSessionNotifier) NotifySessionClosed(Connection) {}

// LifecycleNotifier reports connection transitions to the session layer.
//
// Transports guarantee OnDisconnect is called once per connection, on the
// connected to disconnected edge.
type LifecycleNotifier struct {
	sessions SessionNotifier
	logger   Logger
	metrics  *Metrics
}

// NewLifecycleNotifier returns a notifier reporting to sessions.
// A nil sessions discards notifications.
func NewLifecycleNotifier(sessions SessionNotifier, logger Logger, metrics *Metrics) *LifecycleNotifier {
	if sessions == nil {
		sessions = nopSessionNotifier{}
	}
	if logger == nil {
		logger = defaultLogger()
	}
	return &LifecycleNotifier{sessions: sessions, logger: logger, metrics: metrics}
}

// OnConnect records a new connection.
func (n *LifecycleNotifier) OnConnect(conn Connection) {
	n.metrics.connOpened()
	n.logger.Debug("connection opened", "conn", conn.ID(), "addr", conn.RemoteAddr())
	if opener, ok := n.sessions.(SessionOpener); ok {
		opener.NotifySessionOpened(conn)
	}
}

// OnDisconnect notifies the session layer and then half-closes conn.
func (n *LifecycleNotifier) OnDisconnect(conn Connection) {
	n.metrics.connClosed()
	n.logger.Debug("connection closed", "conn", conn.ID(), "addr", conn.RemoteAddr())

	n.sessions.NotifySessionClosed(conn)

	if err := conn.Shutdown(); err != nil {
		n.logger.Debug("shutdown after disconnect", "conn", conn.ID(), "error", err)
	}
}
