package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/campusnet/pkg/protocol"
)

func nopHandler(ctx context.Context, req *Request) (any, error) { return nil, nil }

func TestRouterHandleDerivesOutcomes(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Handle(protocol.CategoryCourseEnrollRequest, true, nopHandler))

	route, ok := r.Lookup(protocol.CategoryCourseEnrollRequest)
	require.True(t, ok)
	assert.Equal(t, protocol.CategoryCourseEnrollSuccess, route.Success)
	assert.Equal(t, protocol.CategoryCourseEnrollFail, route.Fail)
	assert.True(t, route.RequiresAuth)
	assert.Equal(t, 1, r.Len())
}

func TestRouterRejectsBadRoutes(t *testing.T) {
	r := NewRouter()

	for _, cat := range []protocol.Category{
		protocol.CategoryNone,
		protocol.CategoryLoginRequest,
		protocol.CategoryLogoutRequest,
		protocol.CategoryHeartbeat,
		protocol.CategoryDisconnect,
	} {
		err := r.Register(Route{Category: cat, Success: protocol.CategoryNotice, Fail: protocol.CategoryError, Handle: nopHandler})
		assert.Error(t, err, "category %s", cat)
	}

	assert.Error(t, r.Register(Route{Category: protocol.CategoryBookSearchRequest, Success: protocol.CategoryBookSearchSuccess, Fail: protocol.CategoryBookSearchFail}))
	assert.Error(t, r.Register(Route{Category: protocol.CategoryBookSearchRequest, Handle: nopHandler}))
	assert.Error(t, r.Handle(protocol.CategoryBookSearchSuccess, false, nopHandler), "success categories are not requests")
	assert.Error(t, r.Handle(protocol.Category(0xEE), false, nopHandler))
	assert.Equal(t, 0, r.Len())
}

func TestRouterLastRegistrationWins(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Handle(protocol.CategoryThreadListRequest, false, nopHandler))
	require.NoError(t, r.Handle(protocol.CategoryThreadListRequest, true, nopHandler))

	route, ok := r.Lookup(protocol.CategoryThreadListRequest)
	require.True(t, ok)
	assert.True(t, route.RequiresAuth)
	assert.Equal(t, 1, r.Len())
}

func TestRequestDecodeAndSubject(t *testing.T) {
	other := int64(7)
	req := &Request{
		Identity: &Identity{ID: 1001},
		Envelope: &protocol.Envelope{Category: protocol.CategoryEnrollmentListRequest},
	}

	var in protocol.EnrollmentListRequest
	require.NoError(t, req.Decode(&in), "missing payload decodes as empty")
	assert.Equal(t, int64(1001), req.Subject(in.UserID))
	assert.Equal(t, other, req.Subject(&other))

	req.Envelope.Payload = json.RawMessage(`{"user_id":"seven"}`)
	err := req.Decode(&in)
	code, _ := protocol.AsStatusError(err)
	assert.Equal(t, protocol.StatusMalformed, code)

	anon := &Request{Envelope: &protocol.Envelope{}}
	assert.Zero(t, anon.Subject(nil))
}

func TestRequestTarget(t *testing.T) {
	tests := []struct {
		name    string
		payload json.RawMessage
		want    int64
		ok      bool
	}{
		{"absent", nil, 0, false},
		{"no user_id", json.RawMessage(`{"book_id":3}`), 0, false},
		{"user_id", json.RawMessage(`{"user_id":1002,"course_id":1}`), 1002, true},
		{"not json", json.RawMessage(`nope`), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := requestTarget(&protocol.Envelope{Payload: tt.payload})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdentityElevated(t *testing.T) {
	var nobody *Identity
	assert.False(t, nobody.Elevated())
	assert.False(t, (&Identity{Role: protocol.RoleStudent}).Elevated())
	assert.True(t, (&Identity{Role: protocol.RoleStaff}).Elevated())
	assert.True(t, (&Identity{Role: protocol.RoleAdmin}).Elevated())
}
