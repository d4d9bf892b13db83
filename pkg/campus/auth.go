// Package campus holds the business services behind the protocol: the
// password authenticator and the library, course, forum and store handlers.
package campus

import (
	"context"
	"errors"
	"log"

	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/campusnet/pkg/database"
	"github.com/aeolun/campusnet/pkg/protocol"
	"github.com/aeolun/campusnet/pkg/server"
)

// Authenticator checks campus id + password against the User table
type Authenticator struct {
	db *database.DB
}

func NewAuthenticator(db *database.DB) *Authenticator {
	return &Authenticator{db: db}
}

var errInvalidCredentials = protocol.Errorf(protocol.StatusInvalidCredentials, "invalid user id or password")

// Authenticate implements server.Authenticator. Unknown ids and wrong
// passwords fail identically.
func (a *Authenticator) Authenticate(ctx context.Context, req protocol.LoginRequest) (*server.Identity, error) {
	if req.UserID <= 0 || req.Password == "" {
		return nil, errInvalidCredentials
	}

	user, err := a.db.GetUserByID(ctx, req.UserID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, errInvalidCredentials
	}

	if err := a.db.UpdateUserLastSeen(ctx, user.ID); err != nil {
		log.Printf("Failed to update last_seen for user %d: %v", user.ID, err)
	}

	return &server.Identity{
		ID:   user.ID,
		Name: user.DisplayName,
		Role: protocol.Role(user.Role),
	}, nil
}
