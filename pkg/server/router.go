package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/aeolun/campusnet/pkg/protocol"
)

// Authenticator maps login credentials to an identity. Failures should be
// *protocol.StatusError values; anything else is reported as an internal error.
type Authenticator interface {
	Authenticate(ctx context.Context, req protocol.LoginRequest) (*Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func(ctx context.Context, req protocol.LoginRequest) (*Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, req protocol.LoginRequest) (*Identity, error) {
	return f(ctx, req)
}

// Request is what a business handler sees of one incoming envelope
type Request struct {
	Session  *Session
	Identity *Identity // nil when the route does not require auth and nobody is logged in
	Envelope *protocol.Envelope
	Server   *Server
}

// Decode unmarshals the request payload. A missing payload decodes as an
// empty object; a payload that does not fit v is a 422 failure.
func (r *Request) Decode(v any) error {
	if !r.Envelope.HasPayload() {
		return nil
	}
	if err := r.Envelope.Decode(v); err != nil {
		return protocol.Errorf(protocol.StatusMalformed, "malformed payload: %v", err)
	}
	return nil
}

// Subject resolves an optional user_id to the identity the request acts on.
// Authorization has already been checked by the dispatcher.
func (r *Request) Subject(userID *int64) int64 {
	if userID != nil {
		return *userID
	}
	if r.Identity == nil {
		return 0
	}
	return r.Identity.ID
}

// HandlerFunc is a business service. The returned value becomes the JSON
// payload of the success envelope; an error becomes the failure envelope.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Route binds a request category to its handler and outcome categories
type Route struct {
	Category     protocol.Category
	Success      protocol.Category
	Fail         protocol.Category
	RequiresAuth bool
	Handle       HandlerFunc
}

// Router is the category → route table consulted by every session
type Router struct {
	mu     sync.RWMutex
	routes map[protocol.Category]*Route
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{routes: make(map[protocol.Category]*Route)}
}

// Register adds route, replacing any route for the same category.
// Session categories (login, logout, heartbeat) are handled by the server
// and cannot be routed.
func (r *Router) Register(route Route) error {
	switch route.Category {
	case protocol.CategoryNone, protocol.CategoryLoginRequest, protocol.CategoryLogoutRequest,
		protocol.CategoryHeartbeat, protocol.CategoryDisconnect:
		return fmt.Errorf("category %s is reserved", route.Category)
	}
	if route.Handle == nil {
		return fmt.Errorf("route %s has no handler", route.Category)
	}
	if route.Success == protocol.CategoryNone || route.Fail == protocol.CategoryNone {
		return fmt.Errorf("route %s has no outcome categories", route.Category)
	}

	r.mu.Lock()
	r.routes[route.Category] = &route
	r.mu.Unlock()
	return nil
}

// Handle registers fn for a request category, deriving its outcome categories
func (r *Router) Handle(category protocol.Category, requiresAuth bool, fn HandlerFunc) error {
	success, fail, ok := category.Outcomes()
	if !ok {
		return fmt.Errorf("category %s is not a request", category)
	}
	return r.Register(Route{
		Category:     category,
		Success:      success,
		Fail:         fail,
		RequiresAuth: requiresAuth,
		Handle:       fn,
	})
}

// Lookup returns the route for category
func (r *Router) Lookup(category protocol.Category) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[category]
	return route, ok
}

// Len returns the number of registered routes
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
