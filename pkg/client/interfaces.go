package client

import (
	"context"

	"github.com/aeolun/campusnet/pkg/protocol"
)

// ConnectionInterface defines the interface for client connections
// This allows for mocking in tests while the real Connection implements all these methods
type ConnectionInterface interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect()
	Close()
	IsConnected() bool
	State() ConnectionState
	Address() string

	// Message sending
	Send(env *protocol.Envelope) error
	Call(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error)

	// Listener table
	SetListener(category protocol.Category, fn Listener)
	RemoveListener(category protocol.Category)
	SetDefaultListener(fn Listener)
	Dropped() uint64

	// Traffic statistics
	BytesSent() uint64
	BytesReceived() uint64
}

var (
	_ ConnectionInterface = (*Connection)(nil)
	_ ConnectionInterface = (*MockConnection)(nil)
)
