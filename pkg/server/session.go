package server

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aeolun/campusnet/pkg/protocol"
)

// ErrSessionClosed is returned by Send after Disconnect
var ErrSessionClosed = errors.New("session closed")

// Identity is the authenticated principal bound to a session
type Identity struct {
	ID   int64
	Name string
	Role protocol.Role
}

// Elevated reports whether the identity may act on other identities' data
func (i *Identity) Elevated() bool {
	return i != nil && i.Role.Elevated()
}

// Session represents an active client connection and dispatches its requests
type Session struct {
	ID          uint64
	TraceID     string    // Random id correlating log lines across reconnects
	Conn        *SafeConn // Connection with automatic write synchronization
	RemoteAddr  string
	Transport   string // "tcp" or "websocket"
	ConnectedAt time.Time

	server      *Server
	limiter     *rate.Limiter
	peerVersion atomic.Uint32

	mu       sync.RWMutex // Protects identity
	identity *Identity

	// Guarded by Registry.mu
	registered   bool
	registeredID int64

	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(s *Server, id uint64, conn net.Conn, transport string) *Session {
	sess := &Session{
		ID:          id,
		TraceID:     uuid.NewString(),
		Conn:        NewSafeConn(conn),
		RemoteAddr:  conn.RemoteAddr().String(),
		Transport:   transport,
		ConnectedAt: time.Now(),
		server:      s,
	}
	if s.config.RateLimit > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateBurst)
	}
	sess.peerVersion.Store(protocol.ProtocolVersion)
	return sess
}

// Identity returns the bound identity, nil before login
func (sess *Session) Identity() *Identity {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.identity
}

func (sess *Session) bind(id *Identity) (previous *Identity) {
	sess.mu.Lock()
	previous = sess.identity
	sess.identity = id
	sess.mu.Unlock()
	return previous
}

func (sess *Session) unbind() *Identity {
	return sess.bind(nil)
}

// PeerVersion is the protocol version of the last frame received
func (sess *Session) PeerVersion() uint8 {
	return uint8(sess.peerVersion.Load())
}

// IsClosed reports whether Disconnect has run
func (sess *Session) IsClosed() bool {
	return sess.closed.Load()
}

// Send writes one envelope. A write failure disconnects the session.
func (sess *Session) Send(env *protocol.Envelope) error {
	if sess.closed.Load() {
		return ErrSessionClosed
	}
	debugLog.Printf("Session %d → SEND: %s", sess.ID, env)
	if err := sess.Conn.WriteEnvelope(env, sess.PeerVersion()); err != nil {
		if errors.Is(err, protocol.ErrMissingCategory) || errors.Is(err, protocol.ErrFrameTooLarge) {
			errorLog.Printf("Session %d: refusing to send %s: %v", sess.ID, env, err)
			return err
		}
		debugLog.Printf("Session %d: write failed: %v", sess.ID, err)
		sess.Disconnect()
		return err
	}
	sess.server.metrics.RecordEnvelopeSent(env.Category)
	return nil
}

// sendEncoded writes pre-encoded frame bytes (broadcast fan-out)
func (sess *Session) sendEncoded(data []byte, category protocol.Category) error {
	if sess.closed.Load() {
		return ErrSessionClosed
	}
	if err := sess.Conn.WriteBytes(data); err != nil {
		debugLog.Printf("Session %d: broadcast write failed: %v", sess.ID, err)
		sess.Disconnect()
		return err
	}
	sess.server.metrics.RecordEnvelopeSent(category)
	return nil
}

// Disconnect closes the connection and removes the session from the registry.
// Safe to call any number of times from any goroutine.
func (sess *Session) Disconnect() {
	sess.closeOnce.Do(func() {
		sess.closed.Store(true)
		sess.unbind()

		s := sess.server
		if identityID, wasOnline := s.registry.Remove(sess); wasOnline {
			s.presenceOffline(identityID)
		}
		if err := sess.Conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			debugLog.Printf("Session %d: close error: %v", sess.ID, err)
		}

		s.metrics.RecordSessionClosed(s.registry.SessionCount(), s.registry.OnlineCount())
		debugLog.Printf("Session %d: disconnected after %v", sess.ID, time.Since(sess.ConnectedAt).Round(time.Millisecond))
	})
}

// serve runs the read loop until the connection fails or is closed.
// Requests are handled one at a time, in arrival order.
func (sess *Session) serve() {
	defer sess.Disconnect()
	s := sess.server
	timeout := s.config.SessionTimeout

	for {
		if timeout > 0 {
			sess.Conn.SetReadDeadline(time.Now().Add(timeout))
		}

		env, frame, err := sess.Conn.ReadEnvelope()
		if frame != nil {
			sess.peerVersion.Store(uint32(frame.Version))
		}
		if err != nil {
			if protocol.IsMalformed(err) {
				s.metrics.RecordMalformed()
				log.Printf("Session %d: malformed message: %v", sess.ID, err)
				if sendErr := sess.Send(protocol.Failure(protocol.CategoryError, protocol.StatusMalformed, "malformed message")); sendErr != nil {
					return
				}
				continue
			}
			if sess.closed.Load() {
				return
			}
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF):
				debugLog.Printf("Session %d: client disconnected", sess.ID)
			case errors.As(err, &ne) && ne.Timeout():
				log.Printf("Session %d: idle for %v, closing", sess.ID, timeout)
			default:
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}

		debugLog.Printf("Session %d ← RECV: %s", sess.ID, env)
		s.metrics.RecordEnvelopeReceived(env.Category)

		if sess.limiter != nil && !sess.limiter.Allow() {
			sess.Send(protocol.Failure(protocol.CategoryError, protocol.StatusTooManyRequests, "rate limit exceeded"))
			continue
		}

		if !s.handleMessage(sess, env) {
			return
		}
	}
}
