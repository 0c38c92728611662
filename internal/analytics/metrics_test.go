package analytics

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCounts(t *testing.T) {
	m := New()
	m.IncRequests()
	m.IncRequests()
	m.IncAdmitted()
	m.IncChallenged()
	m.IncRejected()
	m.IncRateLimited()
	m.IncCaptchaIssued()
	m.IncCaptchaSolved()
	m.IncAuditDropped()
	m.IncStatus(200)
	m.IncStatus(200)
	m.IncStatus(429)
	m.IncLimitType("SECOND_LIMIT")
	m.IncLimitType("")

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.Requests)
	assert.EqualValues(t, 1, snap.Admitted)
	assert.EqualValues(t, 1, snap.Challenged)
	assert.EqualValues(t, 1, snap.Rejected)
	assert.EqualValues(t, 1, snap.RateLimited)
	assert.EqualValues(t, 1, snap.CaptchaIssued)
	assert.EqualValues(t, 1, snap.CaptchaSolved)
	assert.EqualValues(t, 1, snap.AuditDropped)
	assert.EqualValues(t, 2, snap.ByStatus[200])
	assert.EqualValues(t, 1, snap.ByStatus[429])
	assert.EqualValues(t, 1, snap.ByLimitType["SECOND_LIMIT"])
	assert.NotContains(t, snap.ByLimitType, "")
}

func TestSnapshotJSON(t *testing.T) {
	m := New()
	m.IncRequests()
	var snap Snap
	require.NoError(t, json.Unmarshal(m.SnapshotJSON(), &snap))
	assert.EqualValues(t, 1, snap.Requests)
}

func TestSnapshotIsCopy(t *testing.T) {
	m := New()
	m.IncStatus(200)
	snap := m.Snapshot()
	snap.ByStatus[200] = 99
	assert.EqualValues(t, 1, m.Snapshot().ByStatus[200])
}
