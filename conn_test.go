package chatsock

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// countingSessions counts disconnect notifications.
type countingSessions struct {
	opened atomic.Int32
	closed atomic.Int32
	done   chan struct{}
	once   sync.Once
}

func newCountingSessions() *countingSessions {
	return &countingSessions{done: make(chan struct{})}
}

func (s *countingSessions) NotifySessionOpened(Connection) {
	s.opened.Add(1)
}

func (s *countingSessions) NotifySessionClosed(Connection) {
	s.closed.Add(1)
	s.once.Do(func() { close(s.done) })
}

// newEchoDispatcher returns a dispatcher with msgid 1 echoing the frame back.
func newEchoDispatcher(t *testing.T, sessions SessionNotifier, opts ...DispatcherOption) *Dispatcher {
	t.Helper()

	registry := NewRegistry()
	registry.MustRegister(1, func(conn Connection, msg *Message, _ time.Time) {
		_ = conn.Send(msg.Raw)
	})

	d, err := NewDispatcher(registry, sessions, opts...)
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	return d
}

// readFrame reads one zero-terminated frame from r.
func readFrame(t *testing.T, conn *net.TCPConn, r *bufio.Reader) string {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := r.ReadBytes(Terminator)
	if err != nil {
		t.Fatalf("read frame failed: %v", err)
	}
	return string(frame[:len(frame)-1])
}

func runConn(ctx context.Context, conn *Conn) chan error {
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(ctx)
	}()
	return done
}

func waitRun(t *testing.T, done chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to complete")
		return nil
	}
}

func TestNewConn(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn, newEchoDispatcher(t, nil))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn == nil {
		t.Fatal("NewConn returned nil")
	}

	if conn.rawConn != serverConn {
		t.Error("rawConn not set correctly")
	}

	if conn.ID() == "" {
		t.Error("connection id is empty")
	}
}

func TestNewConn_MissingDispatcher(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	_, err := NewConn(serverConn, nil)

	if err != ErrInvalidDispatcher {
		t.Errorf("expected ErrInvalidDispatcher, got %v", err)
	}
}

func TestNewConn_WithAllOptions(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	logger := &mockLogger{}
	conn, err := NewConn(serverConn, newEchoDispatcher(t, nil),
		BufferSizeOption(10),
		ReadBufferSizeOption(512),
		HeartbeatOption(time.Second),
		OnErrorOption(func(error) ErrorAction { return Continue }),
		LoggerOption(logger),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if cap(conn.sendMsg) != 10 {
		t.Errorf("send queue capacity = %d, want 10", cap(conn.sendMsg))
	}
	if conn.opts.readBufferSize != 512 {
		t.Errorf("readBufferSize = %d, want 512", conn.opts.readBufferSize)
	}
	if conn.opts.heartbeat != time.Second {
		t.Errorf("heartbeat = %v, want 1s", conn.opts.heartbeat)
	}
	if conn.logger != logger {
		t.Error("logger not set")
	}
}

func TestCheckOptions_DefaultValues(t *testing.T) {
	var opts options
	checkOptions(&opts)

	if opts.bufferSize != defaultBufferSize {
		t.Errorf("bufferSize = %d, want %d", opts.bufferSize, defaultBufferSize)
	}
	if opts.readBufferSize != defaultReadBufferSize {
		t.Errorf("readBufferSize = %d, want %d", opts.readBufferSize, defaultReadBufferSize)
	}
	if opts.heartbeat != defaultHeartbeat {
		t.Errorf("heartbeat = %v, want %v", opts.heartbeat, defaultHeartbeat)
	}
	if opts.logger == nil {
		t.Error("logger should default to slog")
	}
}

func TestCheckOptions_DefaultOnError(t *testing.T) {
	var opts options
	checkOptions(&opts)

	if opts.onError == nil {
		t.Fatal("onError should have a default")
	}
	if action := opts.onError(errors.New("boom")); action != Disconnect {
		t.Errorf("default onError = %v, want Disconnect", action)
	}
}

func TestConn_RemoteAddr(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, newEchoDispatcher(t, nil))

	if conn.RemoteAddr().String() != clientConn.LocalAddr().String() {
		t.Errorf("RemoteAddr = %s, want %s", conn.RemoteAddr(), clientConn.LocalAddr())
	}
}

func TestConn_Send(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, newEchoDispatcher(t, nil))

	if err := conn.Send([]byte("hi")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case data := <-conn.sendMsg:
		if string(data) != "hi\x00" {
			t.Errorf("queued = %q, want %q", data, "hi\x00")
		}
	default:
		t.Fatal("nothing queued")
	}
}

func TestConn_Send_ChannelBlocked(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, newEchoDispatcher(t, nil), BufferSizeOption(1))

	if err := conn.Send([]byte("first")); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}

	if err := conn.Send([]byte("second")); err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
}

func TestConn_SendBlocking(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, newEchoDispatcher(t, nil), BufferSizeOption(1))

	if err := conn.SendBlocking(context.Background(), []byte("first")); err != nil {
		t.Fatalf("SendBlocking failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := conn.SendBlocking(ctx, []byte("second")); err != context.DeadlineExceeded {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestConn_SendTimeout(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, newEchoDispatcher(t, nil), BufferSizeOption(1))

	if err := conn.SendTimeout([]byte("first"), time.Second); err != nil {
		t.Fatalf("SendTimeout failed: %v", err)
	}

	if err := conn.SendTimeout([]byte("second"), 20*time.Millisecond); err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
}

func TestConn_Send_AfterShutdownOrClose(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, newEchoDispatcher(t, nil))

	if err := conn.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := conn.Send([]byte("x")); err != ErrConnectionClosed {
		t.Errorf("Send after Shutdown = %v, want ErrConnectionClosed", err)
	}
	if err := conn.SendBlocking(context.Background(), []byte("x")); err != ErrConnectionClosed {
		t.Errorf("SendBlocking after Shutdown = %v, want ErrConnectionClosed", err)
	}

	conn.Close()
	if err := conn.SendTimeout([]byte("x"), time.Millisecond); err != ErrConnectionClosed {
		t.Errorf("SendTimeout after Close = %v, want ErrConnectionClosed", err)
	}
}

func TestConn_Shutdown_BeforeRunHalfCloses(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, newEchoDispatcher(t, nil))

	if err := conn.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	// Safe to call again.
	if err := conn.Shutdown(); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}

	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := clientConn.Read(buf); err != io.EOF {
		t.Errorf("client read = %v, want io.EOF", err)
	}

	// The read side of the server is still open.
	if _, err := clientConn.Write([]byte("still open")); err != nil {
		t.Errorf("client write after half-close failed: %v", err)
	}
}

func TestConn_Run_ContextCanceled(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	sessions := newCountingSessions()
	conn, err := NewConn(serverConn, newEchoDispatcher(t, sessions))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runConn(ctx, conn)

	// Cancel context
	cancel()

	if err := waitRun(t, done); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if n := sessions.closed.Load(); n != 1 {
		t.Errorf("session closed %d times, want 1", n)
	}
	if !conn.IsClosed() {
		t.Error("connection should be closed after Run")
	}
}

func TestConn_Run_Echo(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	sessions := newCountingSessions()
	conn, _ := NewConn(serverConn, newEchoDispatcher(t, sessions), HeartbeatOption(5*time.Second))
	done := runConn(context.Background(), conn)

	// Two frames in one write, the second split across writes.
	if _, err := clientConn.Write([]byte("{\"msgid\":1,\"n\":1}\x00{\"msgid\":1,")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	r := bufio.NewReader(clientConn)
	if got := readFrame(t, clientConn, r); got != `{"msgid":1,"n":1}` {
		t.Errorf("echo = %s", got)
	}

	if _, err := clientConn.Write([]byte("\"n\":2}\x00")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	if got := readFrame(t, clientConn, r); got != `{"msgid":1,"n":2}` {
		t.Errorf("echo = %s", got)
	}

	if n := sessions.opened.Load(); n != 1 {
		t.Errorf("session opened %d times, want 1", n)
	}

	// Close client connection to end Run
	clientConn.Close()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil after peer close", err)
	}
	if n := sessions.closed.Load(); n != 1 {
		t.Errorf("session closed %d times, want 1", n)
	}
}

func TestConn_Run_PeerHalfCloseFlushesReplies(t *testing.T) {
	want := "{\"msgid\":1}\x00" + string(DefaultErrorReply) + "\x00"

	for i := 0; i < 50; i++ {
		serverConn, clientConn := createTestTCPPair(t)

		conn, _ := NewConn(serverConn, newEchoDispatcher(t, nil), HeartbeatOption(5*time.Second))
		done := runConn(context.Background(), conn)

		if _, err := clientConn.Write([]byte("{\"msgid\":1}\x00not json\x00")); err != nil {
			t.Fatalf("client write failed: %v", err)
		}
		if err := clientConn.CloseWrite(); err != nil {
			t.Fatalf("client CloseWrite failed: %v", err)
		}

		_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
		got, err := io.ReadAll(clientConn)
		if err != nil {
			t.Fatalf("run %d: client read failed: %v", i, err)
		}
		if string(got) != want {
			t.Fatalf("run %d: replies = %q, want %q", i, got, want)
		}

		if err := waitRun(t, done); err != nil {
			t.Errorf("run %d: Run = %v, want nil", i, err)
		}
		clientConn.Close()
	}
}

func TestConn_Run_InvalidMessageKeepsConnection(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, newEchoDispatcher(t, nil), HeartbeatOption(5*time.Second))
	done := runConn(context.Background(), conn)
	r := bufio.NewReader(clientConn)

	for _, bad := range []string{"not json", `{"foo":1}`, `{"msgid":42}`} {
		if _, err := clientConn.Write([]byte(bad + "\x00")); err != nil {
			t.Fatalf("client write failed: %v", err)
		}
		if got := readFrame(t, clientConn, r); got != string(DefaultErrorReply) {
			t.Errorf("reply to %s = %s, want error reply", bad, got)
		}
	}

	if _, err := clientConn.Write([]byte("{\"msgid\":1}\x00")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	if got := readFrame(t, clientConn, r); got != `{"msgid":1}` {
		t.Errorf("echo = %s", got)
	}

	clientConn.Close()
	waitRun(t, done)
}

func TestConn_Run_OversizedFrameHalfCloses(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	sessions := newCountingSessions()
	d := newEchoDispatcher(t, sessions, MaxFrameSizeOption(16))
	conn, _ := NewConn(serverConn, d, HeartbeatOption(5*time.Second))
	done := runConn(context.Background(), conn)
	r := bufio.NewReader(clientConn)

	if _, err := clientConn.Write([]byte("{\"msgid\":1}\x00")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	if got := readFrame(t, clientConn, r); got != `{"msgid":1}` {
		t.Errorf("echo = %s", got)
	}

	if _, err := clientConn.Write([]byte(strings.Repeat("x", 64))); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	// No error reply: the server closes its write side.
	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if rest, err := io.ReadAll(r); err != nil || len(rest) != 0 {
		t.Errorf("after oversized frame read %q, %v; want EOF with no data", rest, err)
	}

	// Bytes sent after the half-close are discarded.
	_, _ = clientConn.Write([]byte("{\"msgid\":1}\x00"))

	clientConn.Close()
	waitRun(t, done)
	if n := sessions.closed.Load(); n != 1 {
		t.Errorf("session closed %d times, want 1", n)
	}
}

func TestConn_Run_ReadError_OnErrorReturnsContinue(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	var timeouts atomic.Int32
	conn, _ := NewConn(serverConn, newEchoDispatcher(t, nil),
		HeartbeatOption(10*time.Millisecond),
		OnErrorOption(func(err error) ErrorAction {
			timeouts.Add(1)
			return Continue
		}),
	)
	done := runConn(context.Background(), conn)

	// Read deadlines fire repeatedly without ending the connection.
	deadline := time.Now().Add(5 * time.Second)
	for timeouts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if timeouts.Load() < 3 {
		t.Fatal("read timeouts were not reported")
	}

	if _, err := clientConn.Write([]byte("{\"msgid\":1}\x00")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	if got := readFrame(t, clientConn, bufio.NewReader(clientConn)); got != `{"msgid":1}` {
		t.Errorf("echo = %s", got)
	}

	conn.Close()
	waitRun(t, done)
}

func TestConn_Run_HeartbeatTimeoutDisconnects(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	sessions := newCountingSessions()
	conn, _ := NewConn(serverConn, newEchoDispatcher(t, sessions), HeartbeatOption(20*time.Millisecond))
	done := runConn(context.Background(), conn)

	err := waitRun(t, done)
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("Run = %v, want a timeout", err)
	}
	if n := sessions.closed.Load(); n != 1 {
		t.Errorf("session closed %d times, want 1", n)
	}
}

func TestConn_Close(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, newEchoDispatcher(t, nil))

	if conn.IsClosed() {
		t.Error("new connection reports closed")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if !conn.IsClosed() {
		t.Error("connection should report closed")
	}
}

func TestConn_write_ErrorWithOnErrorContinue(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	conn, err := NewConn(serverConn, newEchoDispatcher(t, nil),
		OnErrorOption(func(err error) ErrorAction { return Continue }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	// Close both ends to cause write error
	clientConn.Close()
	serverConn.Close()

	// Write should succeed (return nil) because onError returns Continue
	err = conn.write([]byte("test"))
	if err != nil {
		t.Errorf("write should return nil when onError returns Continue, got %v", err)
	}
}

func TestConn_write_ErrorWithOnErrorDisconnect(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	// Default onError returns Disconnect
	conn, err := NewConn(serverConn, newEchoDispatcher(t, nil), HeartbeatOption(time.Millisecond*50))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	// Close both ends to ensure write fails
	clientConn.Close()
	serverConn.Close()

	// Write should return error because connection is closed
	err = conn.write([]byte("test"))
	if err == nil {
		t.Error("write should return error when connection is closed")
	}
}

func TestConn_writeLoop_FlushesBeforeHalfClose(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, newEchoDispatcher(t, nil), HeartbeatOption(time.Second))

	_ = conn.Send([]byte("one"))
	_ = conn.Send([]byte("two"))
	conn.running.Store(true)
	_ = conn.Shutdown()

	if err := conn.writeLoop(context.Background()); err != nil {
		t.Fatalf("writeLoop failed: %v", err)
	}

	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(clientConn)
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if string(data) != "one\x00two\x00" {
		t.Errorf("client read %q, want both replies then EOF", data)
	}
}

func TestConn_writeLoop_WriteError_Direct(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	conn, err := NewConn(serverConn, newEchoDispatcher(t, nil), HeartbeatOption(time.Millisecond*50))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	// Close both ends to cause write error
	clientConn.Close()
	serverConn.Close()

	// Send a message to the channel
	conn.sendMsg <- []byte("test")

	// Run writeLoop with timeout context
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = conn.writeLoop(ctx)

	// writeLoop should return with an error (either write error or context timeout)
	if err == nil {
		t.Error("writeLoop should return error when write fails")
	}
}
