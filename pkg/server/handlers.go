package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/aeolun/campusnet/pkg/protocol"
)

// presenceTimeout bounds each call into the presence store
const presenceTimeout = 2 * time.Second

// errHandlerTimeout is reported when a handler outlives HandlerTimeout
var errHandlerTimeout = protocol.Errorf(protocol.StatusTimeout, "request timed out")

// encodedEnvelope holds pre-encoded frame bytes for different protocol versions
type encodedEnvelope struct {
	v1Bytes []byte // Uncompressed encoding for v1 peers
	v2Bytes []byte // Compressed encoding for v2+ peers (nil if compression didn't help)
}

// encodeEnvelopeVersionAware encodes env once per wire variant so a broadcast
// does not re-encode per recipient.
func encodeEnvelopeVersionAware(env *protocol.Envelope) (*encodedEnvelope, error) {
	v1, err := protocol.MarshalEnvelope(env, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to encode v1 frame: %w", err)
	}
	v2, err := protocol.MarshalEnvelope(env, 2)
	if err != nil {
		return nil, fmt.Errorf("failed to encode v2 frame: %w", err)
	}

	result := &encodedEnvelope{v1Bytes: v1}
	if len(v2) < len(v1) {
		result.v2Bytes = v2
	}
	return result, nil
}

func (e *encodedEnvelope) forVersion(v uint8) []byte {
	if v >= 2 && e.v2Bytes != nil {
		return e.v2Bytes
	}
	return e.v1Bytes
}

// handleMessage dispatches one envelope. It returns false when the session
// should stop reading.
func (s *Server) handleMessage(sess *Session, env *protocol.Envelope) bool {
	switch env.Category {
	case protocol.CategoryLoginRequest:
		s.handleLogin(sess, env)
	case protocol.CategoryLogoutRequest:
		s.handleLogout(sess)
	case protocol.CategoryHeartbeat:
		s.handleHeartbeat(sess)
	case protocol.CategoryDisconnect:
		// Graceful client disconnect, no reply
		debugLog.Printf("Session %d disconnected gracefully", sess.ID)
		return false
	default:
		route, ok := s.router.Lookup(env.Category)
		if !ok {
			log.Printf("Session %d: invalid request category %s", sess.ID, env.Category)
			sess.Send(protocol.Failure(protocol.CategoryError, protocol.StatusBadRequest, "invalid request"))
			return true
		}
		s.handleRoute(sess, route, env)
	}
	return !sess.IsClosed()
}

// handleLogin handles LOGIN_REQUEST
func (s *Server) handleLogin(sess *Session, env *protocol.Envelope) {
	var req protocol.LoginRequest
	if err := env.Decode(&req); err != nil {
		log.Printf("Session %d: LOGIN_REQUEST decode failed: %v", sess.ID, err)
		sess.Send(protocol.Failure(protocol.CategoryLoginFail, protocol.StatusMalformed, "malformed payload"))
		return
	}
	if s.auth == nil {
		sess.Send(protocol.Failure(protocol.CategoryLoginFail, protocol.StatusUnavailable, "authentication unavailable"))
		return
	}

	log.Printf("Session %d: LOGIN_REQUEST for user %d", sess.ID, req.UserID)

	result, err := s.invoke(sess, protocol.CategoryLoginRequest, func(ctx context.Context) (any, error) {
		return s.auth.Authenticate(ctx, req)
	})
	identity, _ := result.(*Identity)
	if err == nil && identity == nil {
		err = protocol.Errorf(protocol.StatusInvalidCredentials, "invalid credentials")
	}
	if err != nil {
		code, msg := protocol.AsStatusError(err)
		if code == protocol.StatusInternal {
			errorLog.Printf("Session %d: authenticate failed: %v", sess.ID, err)
		}
		log.Printf("Session %d: LOGIN_REQUEST failed for user %d (status %d)", sess.ID, req.UserID, code)
		sess.Send(protocol.Failure(protocol.CategoryLoginFail, code, msg))
		return
	}

	// A second login on the same session first drops the previous identity
	if prev := sess.bind(identity); prev != nil && prev.ID != identity.ID {
		if s.registry.UnregisterSession(prev.ID, sess) {
			s.presenceOffline(prev.ID)
		}
	}

	displaced, err := s.registry.RegisterOnline(identity.ID, sess)
	if err != nil {
		// Session went away while authenticating
		sess.unbind()
		debugLog.Printf("Session %d: login completed after disconnect: %v", sess.ID, err)
		return
	}
	s.presenceOnline(identity.ID, sess.ID)
	s.metrics.RecordOnline(s.registry.OnlineCount())

	if displaced != nil {
		log.Printf("Session %d: user %d signed in again, replacing session %d", sess.ID, identity.ID, displaced.ID)
		if s.config.SingleSessionPerUser {
			s.evict(displaced, "signed in from another connection")
		}
	}

	log.Printf("Session %d: LOGIN_REQUEST succeeded for user %d (%s)", sess.ID, identity.ID, identity.Role)
	reply, err := protocol.NewEnvelope(protocol.CategoryLoginSuccess, protocol.StatusOK, protocol.LoginResult{
		UserID:      identity.ID,
		DisplayName: identity.Name,
		Role:        identity.Role,
		SessionID:   sess.ID,
	}, fmt.Sprintf("Welcome back, %s!", identity.Name))
	if err != nil {
		errorLog.Printf("Session %d: encode LOGIN_SUCCESS: %v", sess.ID, err)
		sess.Send(protocol.Failure(protocol.CategoryLoginFail, protocol.StatusInternal, "internal error"))
		return
	}
	sess.Send(reply)
}

// evict tells a displaced session why it is being closed, then closes it
func (s *Server) evict(sess *Session, reason string) {
	notice, err := protocol.NewEnvelope(protocol.CategoryDisconnect, protocol.StatusOK, protocol.Notice{Kind: "evicted", Message: reason}, reason)
	if err == nil {
		sess.Send(notice)
	}
	sess.unbind()
	sess.Disconnect()
}

// handleLogout handles LOGOUT_REQUEST. Logging out while anonymous succeeds.
func (s *Server) handleLogout(sess *Session) {
	prev := sess.unbind()
	if prev != nil {
		if s.registry.UnregisterSession(prev.ID, sess) {
			s.presenceOffline(prev.ID)
		}
		log.Printf("Session %d: logged out (was user %d)", sess.ID, prev.ID)
	} else {
		log.Printf("Session %d: LOGOUT_REQUEST received but not logged in", sess.ID)
	}
	sess.Send(protocol.Reply(protocol.CategoryLogoutSuccess, protocol.StatusOK, ""))
}

// handleHeartbeat echoes HEARTBEAT with the server clock
func (s *Server) handleHeartbeat(sess *Session) {
	reply, err := protocol.NewEnvelope(protocol.CategoryHeartbeat, protocol.StatusOK, protocol.Heartbeat{ServerTime: time.Now().UnixMilli()}, "")
	if err != nil {
		return
	}
	sess.Send(reply)
}

// handleRoute enforces the route's preconditions, runs its handler and
// sends exactly one reply.
func (s *Server) handleRoute(sess *Session, route *Route, env *protocol.Envelope) {
	identity := sess.Identity()

	if route.RequiresAuth && identity == nil {
		sess.Send(protocol.Failure(route.Fail, protocol.StatusUnauthorized, "authentication required"))
		return
	}
	// An anonymous session is never elevated, so it may not name any user
	if target, ok := requestTarget(env); ok && (identity == nil || (target != identity.ID && !identity.Elevated())) {
		if identity == nil {
			log.Printf("Session %d: anonymous request denied %s for user %d", sess.ID, env.Category, target)
		} else {
			log.Printf("Session %d: user %d denied %s for user %d", sess.ID, identity.ID, env.Category, target)
		}
		sess.Send(protocol.Failure(route.Fail, protocol.StatusForbidden, "forbidden"))
		return
	}

	req := &Request{Session: sess, Identity: identity, Envelope: env, Server: s}
	result, err := s.invoke(sess, route.Category, func(ctx context.Context) (any, error) {
		return route.Handle(ctx, req)
	})
	if err != nil {
		code, msg := protocol.AsStatusError(err)
		if code == protocol.StatusInternal {
			errorLog.Printf("Session %d: %s failed: %v", sess.ID, route.Category, err)
		}
		sess.Send(protocol.Failure(route.Fail, code, msg))
		return
	}

	reply, err := protocol.NewEnvelope(route.Success, protocol.StatusOK, result, "")
	if err != nil {
		errorLog.Printf("Session %d: encode %s: %v", sess.ID, route.Success, err)
		sess.Send(protocol.Failure(route.Fail, protocol.StatusInternal, "internal error"))
		return
	}
	sess.Send(reply)
}

// requestTarget extracts the user_id a request payload names, if any
func requestTarget(env *protocol.Envelope) (int64, bool) {
	if !env.HasPayload() {
		return 0, false
	}
	var target protocol.Target
	if err := json.Unmarshal(env.Payload, &target); err != nil || target.UserID == nil {
		return 0, false
	}
	return *target.UserID, true
}

type handlerResult struct {
	value any
	err   error
}

// invoke runs fn bounded by HandlerTimeout. A timed-out handler keeps running
// in the background but its result is discarded. Panics become 500s.
func (s *Server) invoke(sess *Session, category protocol.Category, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if s.config.HandlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.config.HandlerTimeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errorLog.Printf("Session %d: %s handler panic: %v\n%s", sess.ID, category, r, debug.Stack())
				done <- handlerResult{err: protocol.Errorf(protocol.StatusInternal, "internal error")}
			}
		}()
		value, err := fn(ctx)
		done <- handlerResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		s.metrics.ObserveHandler(category, outcome(res.err), time.Since(start))
		return res.value, res.err
	case <-ctx.Done():
		s.metrics.ObserveHandler(category, "timeout", time.Since(start))
		log.Printf("Session %d: %s timed out after %v", sess.ID, category, s.config.HandlerTimeout)
		return nil, errHandlerTimeout
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var se *protocol.StatusError
	if errors.As(err, &se) && se.Code != protocol.StatusInternal {
		return "fail"
	}
	return "error"
}

// SendToUser delivers env to identityID's online session
func (s *Server) SendToUser(identityID int64, env *protocol.Envelope) bool {
	sess, ok := s.registry.Lookup(identityID)
	if !ok {
		return false
	}
	return sess.Send(env) == nil
}

// Broadcast delivers env to every online session and returns how many
// writes succeeded. The target list is copied under the registry lock and
// written outside it.
func (s *Server) Broadcast(env *protocol.Envelope) int {
	sessions := s.registry.OnlineSessions()
	if len(sessions) == 0 {
		return 0
	}

	encoded, err := encodeEnvelopeVersionAware(env)
	if err != nil {
		errorLog.Printf("Broadcast %s: %v", env.Category, err)
		return 0
	}

	sent := 0
	for _, sess := range sessions {
		if err := sess.sendEncoded(encoded.forVersion(sess.PeerVersion()), env.Category); err == nil {
			sent++
		}
	}
	debugLog.Printf("Broadcast %s to %d/%d sessions", env.Category, sent, len(sessions))
	return sent
}

// IsOnline reports whether identityID has an online session here or, through
// the presence store, on another instance.
func (s *Server) IsOnline(identityID int64) bool {
	if s.registry.IsOnline(identityID) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	online, err := s.presence.IsOnline(ctx, identityID)
	if err != nil {
		errorLog.Printf("Presence lookup for user %d: %v", identityID, err)
		return false
	}
	return online
}

func (s *Server) presenceOnline(identityID int64, sessionID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := s.presence.Online(ctx, identityID, sessionID); err != nil {
		errorLog.Printf("Presence online for user %d: %v", identityID, err)
	}
}

func (s *Server) presenceOffline(identityID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := s.presence.Offline(ctx, identityID); err != nil {
		errorLog.Printf("Presence offline for user %d: %v", identityID, err)
	}
	s.metrics.RecordOnline(s.registry.OnlineCount())
}
