package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/campusnet/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// ErrServerStopped is returned by Start after Stop
var ErrServerStopped = errors.New("server stopped")

// PresenceStore mirrors the online table somewhere other processes can see it.
// IsOnline answers for identities online on any instance sharing the store.
type PresenceStore interface {
	Online(ctx context.Context, identityID int64, sessionID uint64) error
	Offline(ctx context.Context, identityID int64) error
	IsOnline(ctx context.Context, identityID int64) (bool, error)
}

type nopPresence struct{}

func (nopPresence) Online(context.Context, int64, uint64) error   { return nil }
func (nopPresence) Offline(context.Context, int64) error          { return nil }
func (nopPresence) IsOnline(context.Context, int64) (bool, error) { return false, nil }

// Server represents the campus server
type Server struct {
	config   ServerConfig
	router   *Router
	auth     Authenticator
	registry *Registry
	presence PresenceStore
	metrics  *Metrics

	mu          sync.Mutex // Protects listener and httpServers
	listener    net.Listener
	httpServers []*http.Server
	started     bool
	stopping    bool // Set under mu; no wg.Add after this

	slots     chan struct{} // Connection worker pool
	nextID    atomic.Uint64
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort              int           // 0 picks a free port, see Addr
	HTTPPort             int           // WebSocket transport at /ws (0 = disabled)
	MetricsPort          int           // /metrics and /health (0 = disabled)
	SessionTimeout       time.Duration // Idle read timeout per session (0 = none)
	HandlerTimeout       time.Duration // Upper bound for one business handler (0 = none)
	MaxConnections       int           // Size of the connection worker pool
	RateLimit            float64       // Requests per second per session (0 = unlimited)
	RateBurst            int
	SingleSessionPerUser bool // Disconnect the older session when a user logs in twice
	Welcome              bool // Send a NOTICE with the session id on connect
	MetricsLogInterval   time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:            8888,
		HTTPPort:           0,
		MetricsPort:        9090,
		SessionTimeout:     120 * time.Second,
		HandlerTimeout:     10 * time.Second,
		MaxConnections:     1024,
		RateLimit:          20,
		RateBurst:          40,
		Welcome:            true,
		MetricsLogInterval: 30 * time.Second,
	}
}

// NewServer creates a new server instance. auth may be nil, in which case
// every login is answered with 503.
func NewServer(config ServerConfig, router *Router, auth Authenticator) *Server {
	if router == nil {
		router = NewRouter()
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultConfig().MaxConnections
	}
	return &Server{
		config:    config,
		router:    router,
		auth:      auth,
		registry:  NewRegistry(),
		presence:  nopPresence{},
		slots:     make(chan struct{}, config.MaxConnections),
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
}

// SetMetrics attaches Prometheus metrics. Call before Start.
func (s *Server) SetMetrics(m *Metrics) {
	s.metrics = m
}

// SetPresence attaches a presence mirror. Call before Start.
func (s *Server) SetPresence(p PresenceStore) {
	if p == nil {
		p = nopPresence{}
	}
	s.presence = p
}

// Registry exposes the session registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Router exposes the route table
func (s *Server) Router() *Router {
	return s.router
}

// Config returns the configuration the server was built with
func (s *Server) Config() ServerConfig {
	return s.config
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "campusnet")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "campusnet")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// InitLoggers sets up error and debug loggers in the server data directory
func InitLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker distinguishes runs in errors.log
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Standard log goes to stdout and server.log, truncated per run
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start binds the TCP listener and the optional HTTP listeners, then
// accepts connections in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrServerStopped
	}
	if s.started {
		return errors.New("server already started")
	}

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.started = true
	log.Printf("TCP server listening on %s", listener.Addr())

	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metricsHandler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.serveHTTP(fmt.Sprintf(":%d", s.config.MetricsPort), metricsMux, "Metrics server (/metrics, /health) - INTERNAL ONLY")
	}

	if s.config.HTTPPort > 0 {
		publicMux := http.NewServeMux()
		publicMux.HandleFunc("/ws", s.HandleWebSocket)
		s.serveHTTP(fmt.Sprintf(":%d", s.config.HTTPPort), publicMux, "Public HTTP server (/ws)")
	}

	if s.config.MetricsLogInterval > 0 {
		s.wg.Add(1)
		go s.metricsLoggingLoop()
	}

	s.wg.Add(1)
	go s.acceptLoop(listener)

	return nil
}

// serveHTTP runs an HTTP server until Stop. Caller holds s.mu.
func (s *Server) serveHTTP(addr string, handler http.Handler, name string) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	s.httpServers = append(s.httpServers, srv)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("%s listening on %s", name, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("%s error: %v", name, err)
		}
	}()
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics != nil {
		if g, ok := s.metrics.registerer.(prometheus.Gatherer); ok {
			return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
		}
	}
	return promhttp.Handler()
}

// Addr returns the bound TCP address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server. Concurrent and repeated calls are safe;
// every caller returns after shutdown has completed.
func (s *Server) Stop() error {
	s.stopOnce.Do(s.stop)
	return nil
}

func (s *Server) stop() {
	log.Println("Graceful shutdown initiated...")

	// Signal shutdown to all goroutines
	close(s.shutdown)

	// Stop accepting new connections
	s.mu.Lock()
	s.stopping = true
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}
	httpServers := s.httpServers
	s.httpServers = nil
	s.mu.Unlock()

	for _, srv := range httpServers {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
		}
		cancel()
	}

	s.notifyClientsOfShutdown()

	log.Println("Closing all client sessions...")
	for _, sess := range s.registry.Sessions() {
		sess.Disconnect()
	}

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()
	log.Println("Graceful shutdown complete")
}

// notifyClientsOfShutdown sends DISCONNECT to every live session, best effort
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.registry.Sessions()
	if len(sessions) == 0 {
		log.Println("No active sessions to notify")
		return
	}

	reason := "Server shutting down for maintenance"
	notice, err := protocol.NewEnvelope(protocol.CategoryDisconnect, protocol.StatusOK, protocol.Notice{Kind: "shutdown", Message: reason}, reason)
	if err != nil {
		errorLog.Printf("Failed to encode disconnect notice: %v", err)
		return
	}
	encoded, err := encodeEnvelopeVersionAware(notice)
	if err != nil {
		errorLog.Printf("Failed to encode disconnect notice: %v", err)
		return
	}

	sent := 0
	for _, sess := range sessions {
		if err := sess.sendEncoded(encoded.forVersion(sess.PeerVersion()), notice.Category); err == nil {
			sent++
		}
	}
	log.Printf("Shutdown notification sent to %d/%d sessions", sent, len(sessions))
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.admit(conn, "tcp")
	}
}

// admit takes a worker slot for conn and serves it, or refuses it with 503
// when the pool is full. It does not block.
func (s *Server) admit(conn net.Conn, transport string) bool {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	select {
	case s.slots <- struct{}{}:
	default:
		s.wg.Done()
		s.metrics.RecordRejected()
		log.Printf("Refusing %s connection from %s: %d connections in use", transport, conn.RemoteAddr(), cap(s.slots))
		s.refuse(conn)
		return false
	}

	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()
		s.serveConn(conn, transport)
	}()
	return true
}

// refuse tells conn the server is full, then closes it
func (s *Server) refuse(conn net.Conn) {
	sc := NewSafeConn(conn)
	sc.WriteEnvelope(protocol.Failure(protocol.CategoryError, protocol.StatusUnavailable, "server full"))
	sc.Close()
}

// serveConn runs one session from setup to disconnect
func (s *Server) serveConn(conn net.Conn, transport string) {
	sess := newSession(s, s.nextID.Add(1), conn, transport)
	s.registry.Add(sess)
	s.connectionsSinceReport.Add(1)
	defer s.disconnectionsSinceReport.Add(1)

	// Stop may have snapshotted the registry before Add
	select {
	case <-s.shutdown:
		sess.Disconnect()
		return
	default:
	}

	s.metrics.RecordSessionCreated(s.registry.SessionCount())
	debugLog.Printf("New %s connection from %s (session %d, trace %s)", transport, sess.RemoteAddr, sess.ID, sess.TraceID)

	if s.config.Welcome {
		if err := s.sendWelcome(sess); err != nil {
			sess.Disconnect()
			return
		}
	}

	sess.serve()
}

// sendWelcome sends the NOTICE that opens every session
func (s *Server) sendWelcome(sess *Session) error {
	notice, err := protocol.NewEnvelope(protocol.CategoryNotice, protocol.StatusOK, protocol.Notice{
		Kind: "welcome",
		Data: map[string]any{
			"session_id":       sess.ID,
			"trace_id":         sess.TraceID,
			"protocol_version": protocol.ProtocolVersion,
		},
	}, "")
	if err != nil {
		return err
	}
	return sess.Send(notice)
}

// HealthHandler reports liveness and session counts
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"sessions":%d,"online":%d}`,
		int64(time.Since(s.startTime).Seconds()), s.registry.SessionCount(), s.registry.OnlineCount())
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			log.Printf("[METRICS] Sessions: %d, online: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.registry.SessionCount(), s.registry.OnlineCount(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}
