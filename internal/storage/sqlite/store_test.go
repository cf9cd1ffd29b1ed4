package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenAndInit(context.Background(), filepath.Join(t.TempDir(), "analytics", "quests.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestQuestEventsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	events := []types.QuestEvent{
		{QuestID: "q1", Type: "created", State: types.QuestBroadcasting, TotalPayment: decimal.RequireFromString("50"), At: t0},
		{QuestID: "q1", Type: "boosted", State: types.QuestBroadcasting, TotalPayment: decimal.RequireFromString("53.25"), At: t0.Add(30 * time.Second)},
		{QuestID: "q1", Type: "claimed", ActorID: "actor-7", State: types.QuestClaimed, TotalPayment: decimal.RequireFromString("53.25"), At: t0.Add(41 * time.Second)},
		{QuestID: "q2", Type: "created", State: types.QuestBroadcasting, TotalPayment: decimal.RequireFromString("20"), At: t0},
	}
	for _, e := range events {
		require.NoError(t, s.RecordQuestEvent(ctx, e))
	}

	got, err := s.QuestEvents(ctx, "q1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "claimed", got[2].Type)
	assert.Equal(t, "actor-7", got[2].ActorID)
	assert.Empty(t, got[0].ActorID)
	assert.True(t, got[1].TotalPayment.Equal(decimal.RequireFromString("53.25")))
	assert.True(t, got[2].At.Equal(t0.Add(41*time.Second)))

	counts, err := s.EventCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"created": 2, "boosted": 1, "claimed": 1}, counts)
}

func TestGhostingIncidents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.RecordGhosting(ctx, types.GhostingIncident{
			QuestID:          types.QuestID("q" + string(rune('0'+i))),
			SessionID:        "otw-1",
			ActorID:          "actor-1",
			Reason:           "stationary",
			Penalty:          10,
			ReliabilityAfter: 100 - 10*i,
			Strikes:          i,
			Stationary:       125 * time.Second,
			At:               t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.GhostingIncidents(ctx, "actor-1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Strikes, "newest first")
	assert.Equal(t, 70, got[0].ReliabilityAfter)
	assert.Equal(t, 125*time.Second, got[0].Stationary)

	none, err := s.GhostingIncidents(ctx, "actor-2", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMovementSummaryUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	summary := types.MovementSummary{
		SessionID:      "mv-1",
		TaskID:         "task-1",
		ActorID:        "actor-1",
		Status:         types.MovementActive,
		RiskLevel:      types.RiskMedium,
		Recommendation: types.RecommendManualReview,
		SampleCount:    3,
		DistanceMeters: 120.5,
		Duration:       90 * time.Second,
		StartedAt:      t0,
	}
	require.NoError(t, s.RecordMovementSummary(ctx, summary))

	ended := t0.Add(5 * time.Minute)
	summary.Status = types.MovementSuspicious
	summary.Flags = types.FlagSet{types.FlagImpossibleSpeed, types.FlagLocationJump}
	summary.RiskLevel = types.RiskCritical
	summary.Recommendation = types.RecommendReject
	summary.SampleCount = 9
	summary.EndedAt = &ended
	require.NoError(t, s.RecordMovementSummary(ctx, summary))

	got, err := s.MovementSummaries(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.MovementSuspicious, got[0].Status)
	assert.Equal(t, summary.Flags, got[0].Flags)
	assert.Equal(t, 9, got[0].SampleCount)
	assert.Equal(t, 90*time.Second, got[0].Duration)
	require.NotNil(t, got[0].EndedAt)
	assert.True(t, got[0].EndedAt.Equal(ended))
}

func TestReliabilityLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Penalize(ctx, "actor-1", 10))
	require.NoError(t, s.Penalize(ctx, "actor-1", 10))
	require.NoError(t, s.RecordCompletion(ctx, "actor-1"))

	delta, completions, err := s.ReliabilityTotals(ctx, "actor-1")
	require.NoError(t, err)
	assert.Equal(t, -20, delta)
	assert.Equal(t, 1, completions)

	delta, completions, err = s.ReliabilityTotals(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, delta)
	assert.Zero(t, completions)
}

func TestEligibilityFromLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e, err := s.Eligibility(ctx, "newcomer")
	require.NoError(t, err)
	assert.Equal(t, types.Eligibility{}, e)

	for i := 0; i < 20; i++ {
		require.NoError(t, s.RecordCompletion(ctx, "veteran"))
	}
	require.NoError(t, s.Penalize(ctx, "veteran", 10))
	require.NoError(t, s.Penalize(ctx, "veteran", 10))

	e, err = s.Eligibility(ctx, "veteran")
	require.NoError(t, err)
	assert.Equal(t, 2, e.TrustTier)
	assert.Equal(t, 20, e.CompletedTasks)
	assert.InDelta(t, 2.0/22.0, e.CancellationRate, 1e-9)
}

func TestInMemoryAndClosedStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenAndInit(ctx, ":memory:")
	require.NoError(t, err)

	require.NoError(t, s.RecordCompletion(ctx, "actor-1"))
	_, completions, err := s.ReliabilityTotals(ctx, "actor-1")
	require.NoError(t, err)
	assert.Equal(t, 1, completions)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.RecordCompletion(ctx, "actor-1"), ErrNotInitialized)
	assert.NoError(t, s.Close())
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.InitSchema(context.Background()))
}
