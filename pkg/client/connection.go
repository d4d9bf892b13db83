package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/campusnet/pkg/protocol"
	"github.com/aeolun/campusnet/pkg/wsconn"
)

var (
	// ErrNotConnected is returned by Send and Call while there is no live connection
	ErrNotConnected = errors.New("not connected")
	// ErrDisconnected is returned by Call when the connection drops before the reply
	ErrDisconnected = errors.New("disconnected before reply")
	// ErrConnecting is returned by Connect while another Connect is in progress
	ErrConnecting = errors.New("connect already in progress")
	// ErrClosed is returned by Connect after Close
	ErrClosed = errors.New("connection closed")
)

// ConnectionState is the lifecycle state of a Connection
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Listener receives envelopes of the category it was registered for. It runs
// on the connection's reader goroutine, so replies are seen in arrival order.
type Listener func(env *protocol.Envelope)

// Default timeouts
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

// Connection is one client connection to the server. Incoming envelopes are
// dispatched by category to registered listeners; Call pairs a request with
// its reply.
type Connection struct {
	addr     string // Display address with scheme (e.g., "ws://server:8080/ws")
	rawAddr  string // host:port without scheme
	dial     func(ctx context.Context, timeout time.Duration) (net.Conn, error)
	connType string // "tcp" or "websocket"

	// Set before Connect
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration // 0 = no heartbeat

	mu            sync.RWMutex // Guards the fields below
	conn          net.Conn
	state         ConnectionState
	generation    uint64        // Bumped on every successful Connect
	done          chan struct{} // Closed when the current generation disconnects
	serverVersion uint8         // Protocol version seen on the server's frames
	closed        bool          // Set by Close; Connect is refused afterwards

	writeMu sync.Mutex // Serializes frame writes

	listenersMu     sync.RWMutex
	listeners       map[protocol.Category]Listener
	defaultListener Listener

	waitersMu sync.Mutex
	waiters   []*waiter // One per frame still owed a reply, in write order

	dropped atomic.Uint64

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger
	wg     sync.WaitGroup
}

// waiter is a frame still owed a reply. The server answers every frame except
// DISCONNECT exactly once, in the order received, so waiters are queued in
// write order and matched FIFO. A plain Send queues a waiter without a
// channel; its reply is matched and then handed to the listeners.
type waiter struct {
	success   protocol.Category // CategoryNone when the frame is not a request
	fail      protocol.Category
	ch        chan *protocol.Envelope // nil for a plain Send
	abandoned bool                    // Caller gave up; the reply is still consumed
}

func newWaiter(cat protocol.Category, call bool) *waiter {
	success, fail, _ := cat.Outcomes()
	w := &waiter{success: success, fail: fail}
	if call {
		w.ch = make(chan *protocol.Envelope, 1)
	}
	return w
}

// matches reports whether cat can answer w. ERROR answers any frame, so it
// only ever pairs with the oldest waiter.
func (w *waiter) matches(cat protocol.Category) bool {
	if cat == protocol.CategoryError {
		return true
	}
	return w.success != protocol.CategoryNone && (cat == w.success || cat == w.fail)
}

// expectsReply reports whether the server answers a frame of category cat
func expectsReply(cat protocol.Category) bool {
	return cat != protocol.CategoryDisconnect
}

// NewConnection creates a disconnected client for addr. Accepted forms are
// host, host:port, tcp://host:port, ws://host:port/path and wss://...
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:           dialConfig.display,
		rawAddr:        dialConfig.raw,
		dial:           dialConfig.dial,
		connType:       dialConfig.connType,
		ConnectTimeout: DefaultConnectTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		listeners:      make(map[protocol.Category]Listener),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

// logf logs a message if a logger is set
func (c *Connection) logf(format string, args ...interface{}) {
	c.mu.RLock()
	logger := c.logger
	c.mu.RUnlock()
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// Connect dials the server and starts the reader goroutine. It returns nil
// when already connected and ErrClosed after Close. On failure the connection
// is left disconnected.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnecting
	}
	c.state = StateConnecting
	timeout := c.ConnectTimeout
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	c.logf("Connecting to %s...", c.addr)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := c.dial(dialCtx, timeout)
	cancel()
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logf("Connection to %s failed: %v", c.addr, err)
		return fmt.Errorf("connect to %s: %w", c.addr, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c.mu.Lock()
	if c.closed {
		// Close ran while dialing
		c.state = StateDisconnected
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.generation++
	gen := c.generation
	c.conn = conn
	c.state = StateConnected
	c.serverVersion = 0
	c.done = make(chan struct{})
	done := c.done
	heartbeat := c.HeartbeatInterval
	// Added under mu so Close, which sets closed under mu before Wait, never
	// races an Add.
	c.wg.Add(1)
	if heartbeat > 0 {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	c.logf("Connected to %s via %s", c.addr, c.connType)

	go c.readLoop(conn, gen)
	if heartbeat > 0 {
		go c.heartbeatLoop(done, heartbeat)
	}
	return nil
}

// Disconnect closes the connection. Calling it more than once, or while not
// connected, does nothing. The Connection can be connected again afterwards.
// Safe to call from a listener.
func (c *Connection) Disconnect() {
	c.disconnect(0)
}

// disconnect tears down generation gen (0 = whatever is current). A reader
// from an older generation can therefore never close a newer connection.
func (c *Connection) disconnect(gen uint64) {
	c.mu.Lock()
	if c.state != StateConnected || (gen != 0 && gen != c.generation) {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	close(c.done)
	c.mu.Unlock()

	c.logf("Disconnecting from %s", c.addr)
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logf("Close error: %v", err)
	}
	c.failWaiters()
}

// Close disconnects for good and waits for the reader and heartbeat
// goroutines to exit. Later Connects return ErrClosed. Must not be called
// from a listener.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	c.wg.Wait()
}

// Send writes one envelope. Concurrent callers never interleave frames. A
// write failure disconnects and is returned. The reply, if the server sends
// one, goes to the listeners.
func (c *Connection) Send(env *protocol.Envelope) error {
	return c.send(env, nil)
}

// send writes env and, when a reply is owed, queues w (or a plain waiter when
// w is nil) in the same critical section as the write so the waiter queue
// follows wire order.
func (c *Connection) send(env *protocol.Envelope, w *waiter) error {
	c.mu.RLock()
	conn := c.conn
	gen := c.generation
	connected := c.state == StateConnected
	serverVersion := c.serverVersion
	writeTimeout := c.WriteTimeout
	c.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	// Encode to buffer first, passing server version for compression decisions
	var buf bytes.Buffer
	if err := protocol.EncodeEnvelope(&buf, env, serverVersion); err != nil {
		return fmt.Errorf("encode %s: %w", env.Category, err)
	}

	writer := &countingWriter{w: conn, counter: &c.bytesSent}
	if w == nil && expectsReply(env.Category) {
		w = newWaiter(env.Category, false)
	}

	c.writeMu.Lock()
	if w != nil {
		c.waitersMu.Lock()
		c.waiters = append(c.waiters, w)
		c.waitersMu.Unlock()
	}
	if writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	_, err := writer.Write(buf.Bytes())
	c.writeMu.Unlock()

	if err != nil {
		if w != nil {
			c.removeWaiter(w)
		}
		c.logf("Write error: %v", err)
		c.disconnect(gen)
		return fmt.Errorf("send %s: %w", env.Category, err)
	}

	c.logf("→ SEND: %s", env)
	return nil
}

// Call sends a request and waits for its reply. Replies pair with frames in
// write order, plain Sends included: the reply is the first envelope in the
// request's success or fail category not owed to an earlier frame, or an
// ERROR arriving while this request is the oldest one unanswered.
// A failure reply is returned together with its *protocol.StatusError.
func (c *Connection) Call(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	if _, _, ok := env.Category.Outcomes(); !ok {
		return nil, fmt.Errorf("%s is not a request category", env.Category)
	}

	w := newWaiter(env.Category, true)
	if err := c.send(env, w); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-w.ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return reply, reply.Err()
	case <-ctx.Done():
		c.abandonWaiter(w)
		return nil, ctx.Err()
	}
}

func (c *Connection) removeWaiter(w *waiter) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// abandonWaiter keeps w queued so its late reply is consumed and not handed
// to the next Call of the same category.
func (c *Connection) abandonWaiter(w *waiter) {
	c.waitersMu.Lock()
	w.abandoned = true
	c.waitersMu.Unlock()
}

func (c *Connection) failWaiters() {
	c.waitersMu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.waitersMu.Unlock()

	for _, w := range waiters {
		if w.ch != nil {
			close(w.ch)
		}
	}
}

// deliverToWaiter pairs env with the oldest matching waiter. It reports
// whether env was consumed; replies to plain Sends are not.
func (c *Connection) deliverToWaiter(env *protocol.Envelope) bool {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	for i, w := range c.waiters {
		if !w.matches(env.Category) {
			continue
		}
		c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
		switch {
		case w.ch == nil:
			return false
		case w.abandoned:
			c.logf("Discarding late reply %s", env)
		default:
			w.ch <- env
		}
		return true
	}
	return false
}

// SetListener registers fn for category, replacing any previous listener.
// Safe to call at any time, including from inside a listener.
func (c *Connection) SetListener(category protocol.Category, fn Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	if fn == nil {
		delete(c.listeners, category)
		return
	}
	c.listeners[category] = fn
}

// RemoveListener unregisters the listener for category. Later envelopes of
// that category go to the default listener, or are dropped.
func (c *Connection) RemoveListener(category protocol.Category) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.listeners, category)
}

// SetDefaultListener sets the listener for categories without one. nil clears it.
func (c *Connection) SetDefaultListener(fn Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.defaultListener = fn
}

// Dropped returns how many envelopes arrived with no listener to take them
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}

// dispatch routes one incoming envelope. The listener is copied out and the
// lock released before it runs.
func (c *Connection) dispatch(env *protocol.Envelope) {
	if c.deliverToWaiter(env) {
		return
	}

	c.listenersMu.RLock()
	fn, ok := c.listeners[env.Category]
	if !ok {
		fn = c.defaultListener
	}
	c.listenersMu.RUnlock()

	if fn == nil {
		n := c.dropped.Add(1)
		c.logf("No listener for %s, dropped (%d total)", env, n)
		return
	}
	c.invoke(fn, env)
}

func (c *Connection) invoke(fn Listener, env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logf("Listener for %s panicked: %v", env.Category, r)
		}
	}()
	fn(env)
}

// readLoop reads envelopes until the connection fails, dispatching each
// before reading the next.
func (c *Connection) readLoop(conn net.Conn, gen uint64) {
	defer c.wg.Done()

	// Always count bytes at the lowest level
	reader := &countingReader{r: conn, counter: &c.bytesReceived}

	for {
		env, frame, err := protocol.DecodeEnvelope(reader)
		if err != nil {
			if protocol.IsMalformed(err) {
				c.logf("Skipping malformed envelope: %v", err)
				continue
			}
			if c.currentGeneration() != gen {
				return // Disconnect() closed us
			}
			if errors.Is(err, io.EOF) {
				c.logf("Connection closed by server (EOF)")
			} else {
				c.logf("Read error: %v", err)
			}
			c.disconnect(gen)
			return
		}

		c.noteServerVersion(gen, frame.Version)
		c.logf("← RECV: %s", env)
		c.dispatch(env)
	}
}

func (c *Connection) currentGeneration() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected {
		return 0
	}
	return c.generation
}

func (c *Connection) noteServerVersion(gen uint64, version uint8) {
	c.mu.Lock()
	if gen == c.generation && c.serverVersion != version {
		c.serverVersion = version
	}
	c.mu.Unlock()
}

// heartbeatLoop keeps the server's idle timeout from firing
func (c *Connection) heartbeatLoop(done <-chan struct{}, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			env, err := protocol.Request(protocol.CategoryHeartbeat, nil)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, err = c.Call(ctx, env)
			cancel()
			if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrDisconnected) {
				return
			}
			if err != nil {
				c.logf("Heartbeat failed: %v", err)
			}
		}
	}
}

// State returns the current lifecycle state
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Address returns the server address with scheme
func (c *Connection) Address() string {
	return c.addr
}

// RawAddress returns host:port without scheme
func (c *Connection) RawAddress() string {
	return c.rawAddr
}

// ConnectionType returns "tcp" or "websocket"
func (c *Connection) ConnectionType() string {
	return c.connType
}

// BytesSent returns the total bytes sent
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the total bytes received
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

type dialConfig struct {
	display  string // Display address with scheme
	raw      string // Raw host:port without scheme
	connType string
	dial     func(ctx context.Context, timeout time.Duration) (net.Conn, error)
}

const (
	defaultTCPPort  = "8888"
	defaultHTTPPort = "8080"
	defaultWSPath   = "/ws"
)

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}

		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		dial := func(ctx context.Context, timeout time.Duration) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", address)
		}

		return &dialConfig{
			display:  address,
			raw:      address,
			connType: "tcp",
			dial:     dial,
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		if path == "" || path == "/" {
			path = defaultWSPath
		}

		address := net.JoinHostPort(host, port)
		wsURL := (&url.URL{Scheme: scheme, Host: address, Path: path}).String()

		dial := func(ctx context.Context, timeout time.Duration) (net.Conn, error) {
			return wsconn.DialContext(ctx, wsURL, timeout)
		}

		return &dialConfig{
			display:  wsURL,
			raw:      address,
			connType: "websocket",
			dial:     dial,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
