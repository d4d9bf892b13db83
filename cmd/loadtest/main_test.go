package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/campusnet/pkg/client"
	"github.com/aeolun/campusnet/pkg/protocol"
)

func TestParseUsers(t *testing.T) {
	users, err := parseUsers("1001, 1002,,2001")
	require.NoError(t, err)
	assert.Equal(t, []int64{1001, 1002, 2001}, users)

	_, err = parseUsers("")
	assert.Error(t, err)
	_, err = parseUsers("1001,alice")
	assert.Error(t, err)
}

func TestStatsClassifiesFailures(t *testing.T) {
	s := &Stats{}
	s.recordSuccess(1500)
	s.recordSuccess(500)
	s.recordFailure(fmt.Errorf("call: %w", context.DeadlineExceeded))
	s.recordFailure(client.ErrDisconnected)
	s.recordFailure(protocol.Errorf(protocol.StatusTooManyRequests, "slow down"))
	s.recordFailure(protocol.Errorf(protocol.StatusNotFound, "gone"))

	ok, failed, _, avgUs := s.snapshot()
	assert.EqualValues(t, 2, ok)
	assert.EqualValues(t, 4, failed)
	assert.Equal(t, 1000.0, avgUs)
	assert.EqualValues(t, 1, s.timeouts.Load())
	assert.EqualValues(t, 1, s.disconnections.Load())
	assert.EqualValues(t, 2, s.statusFailures.Load())
	assert.EqualValues(t, 1, s.rateLimited.Load())
}

func TestRandomRequestIsRoutable(t *testing.T) {
	for i := 0; i < 50; i++ {
		category, payload := randomRequest()
		_, _, ok := category.Outcomes()
		assert.True(t, ok, "%s", category)
		_, err := protocol.Request(category, payload)
		assert.NoError(t, err)
	}
}
