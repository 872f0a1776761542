package searchsync

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_Key(t *testing.T) {
	assert.Equal(t, "entity_update:a", (&Task{Type: TypeEntityUpdate, EntityID: "a", TargetID: "ignored"}).Key())
	assert.Equal(t, "resync_category:c1", (&Task{Type: TypeResyncCategory, TargetID: "c1"}).Key())
}

func TestTask_ParseType(t *testing.T) {
	for _, tt := range append([]TaskType{TypeEntityUpdate}, AggregateTypes...) {
		got, err := ParseTaskType(string(tt))
		require.NoError(t, err)
		require.Equal(t, tt, got)
	}
	_, err := ParseTaskType("resync_world")
	require.ErrorIs(t, err, ErrUnknownTaskType)
	require.False(t, TypeEntityUpdate.IsAggregate())
	require.True(t, TypeResyncFile.IsAggregate())
}

func TestTask_CloneIsDeep(t *testing.T) {
	now := time.Now()
	a := &Task{ID: "1", StartedAt: &now, Metadata: map[string]string{"k": "v"}}
	b := a.Clone()
	b.Metadata["k"] = "w"
	*b.StartedAt = now.Add(time.Hour)
	assert.Equal(t, "v", a.Metadata["k"])
	assert.True(t, a.StartedAt.Equal(now))
}

func TestClaimLess_Order(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := []*Task{
		{ID: "late", Priority: 0, QueuedAt: t0.Add(time.Minute)},
		{ID: "unknown-size", Priority: 5, EstimatedAffected: 0, QueuedAt: t0},
		{ID: "retried", Priority: 5, RetryCount: 1, EstimatedAffected: 1, QueuedAt: t0},
		{ID: "big", Priority: 5, EstimatedAffected: 300, QueuedAt: t0},
		{ID: "small", Priority: 5, EstimatedAffected: 3, QueuedAt: t0},
		{ID: "early", Priority: 0, QueuedAt: t0},
		{ID: "delete", Priority: 1, QueuedAt: t0.Add(time.Hour)},
	}
	sort.Slice(ts, func(i, j int) bool { return ClaimLess(ts[i], ts[j]) })
	ids := make([]string, 0, len(ts))
	for _, x := range ts {
		ids = append(ids, x.ID)
	}
	assert.Equal(t, []string{"small", "big", "unknown-size", "retried", "delete", "early", "late"}, ids)
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, 0, ClampPriority(-1))
	assert.Equal(t, 7, ClampPriority(7))
	assert.Equal(t, 10, ClampPriority(99))
}
