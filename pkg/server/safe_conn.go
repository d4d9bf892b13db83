package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/campusnet/pkg/protocol"
)

// writeTimeout bounds a single frame write so a stalled peer cannot block
// broadcasts to everyone else.
const writeTimeout = 10 * time.Second

// SafeConn wraps a net.Conn with automatic write synchronization to prevent
// concurrent writes from corrupting the wire protocol frames.
//
// The session goroutine (replies) and broadcast senders may write to the same
// connection simultaneously. SafeConn encapsulates both the connection and
// its write mutex, making it impossible to write without synchronization.
type SafeConn struct {
	conn net.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{
		conn: conn,
	}
}

// WriteEnvelope encodes env and sends it as one frame. peerVersion controls
// compression (see protocol.EncodeFrame).
func (sc *SafeConn) WriteEnvelope(env *protocol.Envelope, peerVersion ...uint8) error {
	data, err := protocol.MarshalEnvelope(env, peerVersion...)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// ReadEnvelope reads one envelope. Reads don't need write synchronization.
func (sc *SafeConn) ReadEnvelope() (*protocol.Envelope, *protocol.Frame, error) {
	return protocol.DecodeEnvelope(sc.conn)
}

// SetReadDeadline sets the idle deadline for the next read
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// WriteBytes writes pre-encoded frame bytes with synchronization.
// Used directly for broadcast fan-out.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := sc.conn.Write(data)
	return err
}
