package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/aeolun/campusnet/pkg/protocol"
)

// MockResponder produces the reply a MockConnection gives to a Call. Returning
// nil makes Call fail with ErrDisconnected.
type MockResponder func(req *protocol.Envelope) *protocol.Envelope

// MockConnection is a test implementation of ConnectionInterface
type MockConnection struct {
	mu sync.RWMutex

	// State
	connected  bool
	closed     bool
	address    string
	connectErr error
	sendErr    error
	responders map[protocol.Category]MockResponder

	listeners       map[protocol.Category]Listener
	defaultListener Listener
	dropped         uint64

	// Sent envelopes for verification
	SentEnvelopes []*protocol.Envelope
}

// NewMockConnection creates a new mock connection
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		address:    address,
		responders: make(map[protocol.Category]MockResponder),
		listeners:  make(map[protocol.Category]Listener),
	}
}

// Connect simulates connecting to the server
func (m *MockConnection) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.connectErr != nil {
		return m.connectErr
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting from the server
func (m *MockConnection) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Close closes the mock connection for good
func (m *MockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.closed = true
}

// IsConnected returns the connection status
func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// State maps the connected flag onto ConnectionState
func (m *MockConnection) State() ConnectionState {
	if m.IsConnected() {
		return StateConnected
	}
	return StateDisconnected
}

// Address returns the mock address
func (m *MockConnection) Address() string {
	return m.address
}

// Send records env for verification
func (m *MockConnection) Send(env *protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.sendErr != nil {
		return m.sendErr
	}

	m.SentEnvelopes = append(m.SentEnvelopes, env)
	return nil
}

// Call records env and answers with the responder registered for its category
func (m *MockConnection) Call(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	if err := m.Send(env); err != nil {
		return nil, err
	}

	m.mu.RLock()
	responder := m.responders[env.Category]
	m.mu.RUnlock()

	if responder == nil {
		return nil, fmt.Errorf("mock: no responder for %s", env.Category)
	}
	reply := responder(env)
	if reply == nil {
		return nil, ErrDisconnected
	}
	return reply, reply.Err()
}

// SetListener registers fn for category
func (m *MockConnection) SetListener(category protocol.Category, fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[category] = fn
}

// RemoveListener unregisters the listener for category
func (m *MockConnection) RemoveListener(category protocol.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, category)
}

// SetDefaultListener sets the fallback listener
func (m *MockConnection) SetDefaultListener(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultListener = fn
}

// Dropped returns how many simulated envelopes had no listener
func (m *MockConnection) Dropped() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

// BytesSent returns 0 for mock
func (m *MockConnection) BytesSent() uint64 {
	return 0
}

// BytesReceived returns 0 for mock
func (m *MockConnection) BytesReceived() uint64 {
	return 0
}

// Test helpers

// SetConnectError sets an error to return from Connect()
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSendError sets an error to return from Send()
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Respond registers the reply generator for request category
func (m *MockConnection) Respond(category protocol.Category, fn MockResponder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responders[category] = fn
}

// SimulateIncoming dispatches env as if it had arrived from the server
func (m *MockConnection) SimulateIncoming(env *protocol.Envelope) {
	m.mu.Lock()
	fn, ok := m.listeners[env.Category]
	if !ok {
		fn = m.defaultListener
	}
	if fn == nil {
		m.dropped++
	}
	m.mu.Unlock()

	if fn != nil {
		fn(env)
	}
}

// GetSentCount returns the number of envelopes sent
func (m *MockConnection) GetSentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.SentEnvelopes)
}

// GetLastSent returns the last envelope sent, or error if none
func (m *MockConnection) GetLastSent() (*protocol.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.SentEnvelopes) == 0 {
		return nil, fmt.Errorf("no envelopes sent")
	}

	return m.SentEnvelopes[len(m.SentEnvelopes)-1], nil
}

// ClearSent clears the sent envelope list
func (m *MockConnection) ClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentEnvelopes = nil
}
