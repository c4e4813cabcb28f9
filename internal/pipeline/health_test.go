package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealth_RecordSuccess(t *testing.T) {
	h := NewHealth(2, nil)
	h.RecordSuccess(10 * time.Millisecond)

	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, int64(1), snap.Handled)
	assert.Equal(t, 2, snap.Workers)
	assert.NotNil(t, snap.LastSuccessAt)
	assert.True(t, snap.Healthy())
}

func TestHealth_RecordFailure_Threshold(t *testing.T) {
	h := NewHealth(1, nil)
	for i := 0; i < DefaultUnhealthyThreshold-1; i++ {
		assert.False(t, h.RecordFailure(), "should not transition before threshold")
	}

	assert.True(t, h.RecordFailure(), "should transition at threshold")
	assert.False(t, h.RecordFailure(), "already unhealthy")

	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusUnhealthy), snap.Status)
	assert.False(t, snap.Healthy())
}

func TestHealth_Recovery(t *testing.T) {
	h := NewHealth(1, nil)
	for i := 0; i < DefaultUnhealthyThreshold; i++ {
		h.RecordFailure()
	}

	assert.True(t, h.RecordSuccess(time.Millisecond))
	assert.Equal(t, string(HealthStatusHealthy), h.Snapshot().Status)
	assert.False(t, h.RecordSuccess(time.Millisecond))
}

func TestHealth_LatencyDegraded(t *testing.T) {
	h := NewHealth(1, nil)
	for i := 0; i < latencyWindowSize; i++ {
		h.RecordSuccess(10 * time.Second)
	}
	assert.Equal(t, string(HealthStatusDegraded), h.Snapshot().Status)
	assert.True(t, h.Snapshot().Healthy())

	for i := 0; i < latencyWindowSize; i++ {
		h.RecordSuccess(100 * time.Millisecond)
	}
	assert.Equal(t, string(HealthStatusHealthy), h.Snapshot().Status)
}

func TestHealth_SnapshotInitial(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHealth(4, func() time.Time { return fixed })

	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusUnknown), snap.Status)
	assert.Nil(t, snap.LastSuccessAt)
	assert.Nil(t, snap.LastFailureAt)

	h.RecordFailure()
	assert.Equal(t, fixed, *h.Snapshot().LastFailureAt)
}
