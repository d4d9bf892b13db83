package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/campusnet/pkg/client"
	"github.com/aeolun/campusnet/pkg/protocol"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args     []string
		category protocol.Category
		payload  any
		wantErr  bool
	}{
		{args: []string{"ping"}, category: protocol.CategoryHeartbeat},
		{args: []string{"whoami"}, category: protocol.CategoryUserInfoRequest, payload: protocol.UserInfoRequest{}},
		{args: []string{"books", "go", "programming"}, category: protocol.CategoryBookSearchRequest, payload: protocol.BookSearchRequest{Query: "go programming"}},
		{args: []string{"return", "3"}, category: protocol.CategoryBookReturnRequest, payload: protocol.LoanRequest{BookID: 3}},
		{args: []string{"enroll", "2"}, category: protocol.CategoryCourseEnrollRequest, payload: protocol.EnrollRequest{CourseID: 2}},
		{args: []string{"post", "Hello", "big", "world"}, category: protocol.CategoryThreadPostRequest, payload: protocol.ThreadPostRequest{Title: "Hello", Body: "big world"}},
		{args: []string{"order", "1", "2"}, category: protocol.CategoryOrderPlaceRequest, payload: protocol.OrderPlaceRequest{ProductID: 1, Quantity: 2}},
		{args: []string{"watch"}, category: protocol.CategoryNone},
		{args: []string{"borrow"}, wantErr: true},
		{args: []string{"borrow", "x"}, wantErr: true},
		{args: []string{"order", "1"}, wantErr: true},
		{args: []string{"dance"}, wantErr: true},
		{args: nil, wantErr: true},
	}

	for _, tt := range tests {
		cmd, err := parseCommand(tt.args)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.args)
			continue
		}
		require.NoError(t, err, "%v", tt.args)
		assert.Equal(t, tt.category, cmd.category, "%v", tt.args)
		assert.Equal(t, tt.payload, cmd.payload, "%v", tt.args)
	}

	cmd, err := parseCommand([]string{"user", "1002"})
	require.NoError(t, err)
	req := cmd.payload.(protocol.UserInfoRequest)
	require.NotNil(t, req.UserID)
	assert.Equal(t, int64(1002), *req.UserID)
}

func mockServer() *client.MockConnection {
	conn := client.NewMockConnection("mock:8888")
	conn.Respond(protocol.CategoryLoginRequest, func(req *protocol.Envelope) *protocol.Envelope {
		var in protocol.LoginRequest
		if req.Decode(&in) != nil || in.Password != "campus" {
			return protocol.Failure(protocol.CategoryLoginFail, protocol.StatusInvalidCredentials, "invalid user id or password")
		}
		env, _ := protocol.NewEnvelope(protocol.CategoryLoginSuccess, protocol.StatusOK, protocol.LoginResult{UserID: in.UserID}, "")
		return env
	})
	conn.Respond(protocol.CategoryLogoutRequest, func(req *protocol.Envelope) *protocol.Envelope {
		return protocol.Reply(protocol.CategoryLogoutSuccess, protocol.StatusOK, "")
	})
	conn.Respond(protocol.CategoryBookSearchRequest, func(req *protocol.Envelope) *protocol.Envelope {
		env, _ := protocol.NewEnvelope(protocol.CategoryBookSearchSuccess, protocol.StatusOK,
			protocol.BookList{Books: []protocol.Book{{ID: 1, Title: "The Go Programming Language", Available: 3}}}, "")
		return env
	})
	conn.Respond(protocol.CategoryOrderPlaceRequest, func(req *protocol.Envelope) *protocol.Envelope {
		return protocol.Failure(protocol.CategoryOrderPlaceFail, protocol.StatusOutOfStock, "out of stock")
	})
	return conn
}

func TestRunLogsInAndPrintsReply(t *testing.T) {
	conn := mockServer()
	var out bytes.Buffer

	err := run(context.Background(), conn, options{userID: 1001, password: "campus"}, []string{"books", "go"}, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "BOOK_SEARCH_SUCCESS (status 200)")
	assert.Contains(t, out.String(), `"title": "The Go Programming Language"`)

	// login, request, logout
	require.Equal(t, 3, conn.GetSentCount())
	assert.Equal(t, protocol.CategoryLoginRequest, conn.SentEnvelopes[0].Category)
	assert.Equal(t, protocol.CategoryBookSearchRequest, conn.SentEnvelopes[1].Category)
	assert.Equal(t, protocol.CategoryLogoutRequest, conn.SentEnvelopes[2].Category)
}

func TestRunReportsFailures(t *testing.T) {
	conn := mockServer()
	var out bytes.Buffer

	err := run(context.Background(), conn, options{userID: 1001, password: "nope"}, []string{"books"}, &out)
	require.Error(t, err)
	code, _ := protocol.AsStatusError(err)
	assert.Equal(t, protocol.StatusInvalidCredentials, code)
	assert.Equal(t, 1, conn.GetSentCount())

	conn = mockServer()
	out.Reset()
	err = run(context.Background(), conn, options{userID: 1001, password: "campus"}, []string{"order", "3", "9"}, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "ORDER_PLACE_FAIL (status 1301): out of stock")

	conn = mockServer()
	conn.SetConnectError(errors.New("refused"))
	err = run(context.Background(), conn, options{}, []string{"books"}, &out)
	assert.EqualError(t, err, "refused")
}

func TestRunPrintsPushes(t *testing.T) {
	conn := mockServer()
	var out bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, conn, options{}, []string{"watch"}, &out) }()

	require.Eventually(t, conn.IsConnected, time.Second, 10*time.Millisecond)
	notice, err := protocol.NewEnvelope(protocol.CategoryNotice, protocol.StatusOK, protocol.Notice{Kind: "thread_posted"}, "")
	require.NoError(t, err)
	conn.SimulateIncoming(notice)

	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, out.String(), `"kind": "thread_posted"`)
	assert.Zero(t, conn.Dropped())
}

func TestWatchEndsWhenServerLeaves(t *testing.T) {
	conn := mockServer()
	require.NoError(t, conn.Connect(context.Background()))
	go func() {
		time.Sleep(50 * time.Millisecond)
		conn.Disconnect()
	}()
	assert.Error(t, watch(context.Background(), conn))
}
