package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/campusnet/pkg/protocol"
	"github.com/aeolun/campusnet/pkg/server"
)

func startCampusServer(t *testing.T) *server.Server {
	t.Helper()

	auth := server.AuthenticatorFunc(func(ctx context.Context, req protocol.LoginRequest) (*server.Identity, error) {
		if req.UserID != 1001 || req.Password != "pw" {
			return nil, protocol.Errorf(protocol.StatusInvalidCredentials, "invalid credentials")
		}
		return &server.Identity{ID: 1001, Name: "Alice", Role: protocol.RoleStudent}, nil
	})

	router := server.NewRouter()
	require.NoError(t, router.Handle(protocol.CategoryUserInfoRequest, true, func(ctx context.Context, req *server.Request) (any, error) {
		id := req.Identity.ID
		return protocol.UserInfo{UserID: id, DisplayName: "Alice", Online: req.Server.Registry().IsOnline(id)}, nil
	}))

	config := server.DefaultConfig()
	config.TCPPort = 0
	config.MetricsPort = 0
	config.MetricsLogInterval = 0
	config.RateLimit = 0

	srv := server.NewServer(config, router, auth)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func loginAndLookup(t *testing.T, conn *Connection, srv *server.Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	welcome := make(chan *protocol.Envelope, 1)
	conn.SetListener(protocol.CategoryNotice, func(env *protocol.Envelope) {
		select {
		case welcome <- env:
		default:
		}
	})
	require.NoError(t, conn.Connect(ctx))

	select {
	case env := <-welcome:
		var n protocol.Notice
		require.NoError(t, env.Decode(&n))
		assert.Equal(t, "welcome", n.Kind)
	case <-time.After(testTimeout):
		t.Fatal("no welcome notice")
	}

	req, err := protocol.Request(protocol.CategoryLoginRequest, protocol.LoginRequest{UserID: 1001, Password: "wrong"})
	require.NoError(t, err)
	_, err = conn.Call(ctx, req)
	code, _ := protocol.AsStatusError(err)
	assert.Equal(t, protocol.StatusInvalidCredentials, code)

	req, err = protocol.Request(protocol.CategoryLoginRequest, protocol.LoginRequest{UserID: 1001, Password: "pw"})
	require.NoError(t, err)
	reply, err := conn.Call(ctx, req)
	require.NoError(t, err)
	var login protocol.LoginResult
	require.NoError(t, reply.Decode(&login))
	assert.Equal(t, int64(1001), login.UserID)
	assert.True(t, srv.Registry().IsOnline(1001))

	req, err = protocol.Request(protocol.CategoryUserInfoRequest, protocol.UserInfoRequest{})
	require.NoError(t, err)
	reply, err = conn.Call(ctx, req)
	require.NoError(t, err)
	var info protocol.UserInfo
	require.NoError(t, reply.Decode(&info))
	assert.True(t, info.Online)

	req, err = protocol.Request(protocol.CategoryLogoutRequest, nil)
	require.NoError(t, err)
	_, err = conn.Call(ctx, req)
	require.NoError(t, err)
	assert.False(t, srv.Registry().IsOnline(1001))
}

func TestJourneyOverTCP(t *testing.T) {
	srv := startCampusServer(t)
	addr := srv.Addr().(*net.TCPAddr)

	conn, err := NewConnection(fmt.Sprintf("127.0.0.1:%d", addr.Port))
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	loginAndLookup(t, conn, srv)

	conn.Close()
	assert.Eventually(t, func() bool { return srv.Registry().SessionCount() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestJourneyOverWebSocket(t *testing.T) {
	srv := startCampusServer(t)
	hs := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(hs.Close)

	conn, err := NewConnection("ws://" + strings.TrimPrefix(hs.URL, "http://") + "/ws")
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	assert.Equal(t, "websocket", conn.ConnectionType())

	loginAndLookup(t, conn, srv)
}

func TestServerShutdownNotifiesClient(t *testing.T) {
	srv := startCampusServer(t)
	addr := srv.Addr().(*net.TCPAddr)

	conn, err := NewConnection(fmt.Sprintf("127.0.0.1:%d", addr.Port))
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	notices := make(chan protocol.Notice, 4)
	conn.SetListener(protocol.CategoryDisconnect, func(env *protocol.Envelope) {
		var n protocol.Notice
		if env.Decode(&n) == nil {
			notices <- n
		}
	})
	require.NoError(t, conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return srv.Registry().SessionCount() == 1 }, testTimeout, 10*time.Millisecond)

	srv.Stop()

	select {
	case n := <-notices:
		assert.Equal(t, "shutdown", n.Kind)
	case <-time.After(testTimeout):
		t.Fatal("no shutdown notice")
	}
	assert.Eventually(t, func() bool { return !conn.IsConnected() }, testTimeout, 10*time.Millisecond)
}
