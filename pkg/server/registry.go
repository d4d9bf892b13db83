package server

import (
	"errors"
	"sync"
)

// ErrNotLive is returned when registering a session that is not (or no
// longer) in the live table.
var ErrNotLive = errors.New("session is not live")

// Registry tracks every live session and, separately, the sessions bound to
// an online identity. One lock guards both maps so that "every online entry
// has a live entry" holds at every instant.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session // session id -> session, every live connection
	online   map[int64]*Session  // identity id -> session, authenticated only
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		online:   make(map[int64]*Session),
	}
}

// Add records a live session
func (r *Registry) Add(sess *Session) {
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
}

// Remove drops sess from the live table, and from the online table when the
// online entry still points at it. It reports the identity that went offline,
// if any.
func (r *Registry) Remove(sess *Session) (identityID int64, wasOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sess.ID)
	if !sess.registered {
		return 0, false
	}
	identityID = sess.registeredID
	sess.registered = false
	if r.online[identityID] == sess {
		delete(r.online, identityID)
		return identityID, true
	}
	return 0, false
}

// RegisterOnline maps identityID to sess, replacing any previous mapping.
// The displaced session, if any and different from sess, is returned; it is
// not disconnected here.
func (r *Registry) RegisterOnline(identityID int64, sess *Session) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[sess.ID] != sess {
		return nil, ErrNotLive
	}
	if sess.registered && sess.registeredID != identityID && r.online[sess.registeredID] == sess {
		delete(r.online, sess.registeredID)
	}

	prev := r.online[identityID]
	r.online[identityID] = sess
	sess.registered = true
	sess.registeredID = identityID
	if prev == nil || prev == sess {
		return nil, nil
	}
	prev.registered = false
	return prev, nil
}

// Unregister removes the online entry for identityID
func (r *Registry) Unregister(identityID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.online[identityID]; ok {
		sess.registered = false
		delete(r.online, identityID)
	}
}

// UnregisterSession removes the online entry for identityID only when it
// points at sess, so a displaced session logging out cannot evict its
// replacement.
func (r *Registry) UnregisterSession(identityID int64, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.online[identityID] != sess {
		return false
	}
	sess.registered = false
	delete(r.online, identityID)
	return true
}

// IsOnline reports whether identityID has an online session
func (r *Registry) IsOnline(identityID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[identityID]
	return ok
}

// Lookup returns the online session for identityID
func (r *Registry) Lookup(identityID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.online[identityID]
	return sess, ok
}

// OnlineCount returns the number of online identities
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.online)
}

// SessionCount returns the number of live sessions
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of every live session
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// OnlineSessions returns a snapshot of every online session
func (r *Registry) OnlineSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.online))
	for _, sess := range r.online {
		sessions = append(sessions, sess)
	}
	return sessions
}
