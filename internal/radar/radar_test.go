package radar

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/quest-radar/internal/clock"
	"github.com/ChuLiYu/quest-radar/internal/config"
	"github.com/ChuLiYu/quest-radar/internal/geo"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var (
	t0     = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	origin = types.Location{Lat: 25.0330, Lon: 121.5654}
)

type mapOracle struct {
	mu    sync.Mutex
	calls int
	data  map[string]types.Eligibility
	err   error
}

func (m *mapOracle) Eligibility(_ context.Context, actorID string) (types.Eligibility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return types.Eligibility{}, m.err
	}
	return m.data[actorID], nil
}

func newRule(t *testing.T, oracle EligibilityOracle, clk clock.Clock) *Rule {
	t.Helper()
	r, err := New(config.DefaultEngine(), oracle, clk)
	require.NoError(t, err)
	return r
}

func newQuest(id types.QuestID, at time.Time) types.Quest {
	return types.Quest{
		ID:                  id,
		State:               types.QuestBroadcasting,
		CreatedAt:           at,
		BroadcastAt:         at,
		PosterLocation:      origin,
		MaxRadiusMeters:     3218,
		MinTrustTier:        2,
		MaxCancellationRate: 0.2,
	}
}

func TestHeadStartForNonLiveActors(t *testing.T) {
	clk := clock.NewManual(t0)
	oracle := &mapOracle{data: map[string]types.Eligibility{
		"alice": {TrustTier: 3, CompletedTasks: 10, CancellationRate: 0.05},
		"bob":   {TrustTier: 1, CompletedTasks: 50},
	}}
	r := newRule(t, oracle, clk)
	quests := []types.Quest{newQuest("q-1", t0)}
	near := geo.Offset(origin, 300, 0)

	clk.Advance(time.Second)
	assert.Empty(t, r.VisibleQuests(context.Background(), "alice", near, false, quests))
	assert.Len(t, r.VisibleQuests(context.Background(), "alice", near, true, quests), 1, "live actors see it immediately")

	clk.Advance(2500 * time.Millisecond)
	got := r.VisibleQuests(context.Background(), "alice", near, false, quests)
	require.Len(t, got, 1)
	assert.InDelta(t, 300, got[0].DistanceMeters, 1)

	// 信任等級不足者永遠看不到
	for _, elapsed := range []time.Duration{0, time.Minute, time.Hour} {
		clk.Advance(elapsed)
		assert.Empty(t, r.VisibleQuests(context.Background(), "bob", near, true, quests))
		assert.Empty(t, r.VisibleQuests(context.Background(), "bob", near, false, quests))
	}
}

func TestVisibleQuestsSortedAndFiltered(t *testing.T) {
	clk := clock.NewManual(t0.Add(time.Minute))
	oracle := &mapOracle{data: map[string]types.Eligibility{"alice": {TrustTier: 5}}}
	r := newRule(t, oracle, clk)

	far := newQuest("far", t0)
	far.PosterLocation = geo.Offset(origin, 2000, 0)
	near := newQuest("near", t0)
	near.PosterLocation = geo.Offset(origin, 100, 0)
	tooFar := newQuest("too-far", t0)
	tooFar.PosterLocation = geo.Offset(origin, 4000, 0)
	claimed := newQuest("claimed", t0)
	claimed.State = types.QuestClaimed
	strict := newQuest("strict", t0)
	strict.MinCompletedTasks = 1

	got := r.VisibleQuests(context.Background(), "alice", origin, false,
		[]types.Quest{far, tooFar, claimed, near, strict})

	ids := make([]types.QuestID, len(got))
	for i, v := range got {
		ids[i] = v.Quest.ID
	}
	assert.Equal(t, []types.QuestID{"near", "far"}, ids)
}

func TestLookupCachesWithTTL(t *testing.T) {
	clk := clock.NewManual(t0)
	oracle := &mapOracle{data: map[string]types.Eligibility{"alice": {TrustTier: 2}}}
	r := newRule(t, oracle, clk)

	for i := 0; i < 5; i++ {
		_, err := r.Lookup(context.Background(), "alice")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, oracle.calls)

	clk.Advance(61 * time.Second)
	_, err := r.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, oracle.calls)

	r.Invalidate("alice")
	_, err = r.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, oracle.calls)
}

func TestLookupCollapsesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	oracle := OracleFunc(func(ctx context.Context, actorID string) (types.Eligibility, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return types.Eligibility{TrustTier: 4}, nil
	})
	r := newRule(t, oracle, clock.NewManual(t0))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := r.Lookup(context.Background(), "carol")
			assert.NoError(t, err)
			assert.Equal(t, 4, e.TrustTier)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestOracleFailureMakesActorIneligible(t *testing.T) {
	oracle := &mapOracle{err: errors.New("identity service down")}
	r := newRule(t, oracle, clock.NewManual(t0.Add(time.Minute)))
	q := newQuest("q-1", t0)

	assert.Empty(t, r.VisibleQuests(context.Background(), "alice", origin, true, []types.Quest{q}))

	err := r.Eligible(context.Background(), &q, "alice", origin)
	assert.ErrorIs(t, err, ErrNotEligible)

	ids := r.EligibleActors(context.Background(), &q, []Candidate{{ActorID: "alice", Location: origin}})
	assert.Empty(t, ids)
}

func TestEligible(t *testing.T) {
	oracle := &mapOracle{data: map[string]types.Eligibility{
		"ok":       {TrustTier: 2},
		"cancels":  {TrustTier: 2, CancellationRate: 0.5},
		"low-tier": {TrustTier: 1},
	}}
	r := newRule(t, oracle, clock.NewManual(t0))
	q := newQuest("q-1", t0)

	tests := []struct {
		name    string
		actor   string
		loc     types.Location
		wantErr bool
	}{
		{"eligible nearby", "ok", geo.Offset(origin, 500, 0), false},
		{"outside radius", "ok", geo.Offset(origin, 3300, 0), true},
		{"high cancellation rate", "cancels", origin, true},
		{"tier too low", "low-tier", origin, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Eligible(context.Background(), &q, tt.actor, tt.loc)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNotEligible)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEligibleActorsExcludesAndSorts(t *testing.T) {
	oracle := &mapOracle{data: map[string]types.Eligibility{
		"a": {TrustTier: 2}, "b": {TrustTier: 2}, "c": {TrustTier: 2}, "d": {TrustTier: 0},
	}}
	r := newRule(t, oracle, clock.NewManual(t0))
	q := newQuest("q-1", t0)

	ids := r.EligibleActors(context.Background(), &q, []Candidate{
		{ActorID: "a", Location: geo.Offset(origin, 900, 0)},
		{ActorID: "b", Location: geo.Offset(origin, 100, 0)},
		{ActorID: "c", Location: geo.Offset(origin, 50, 0)},
		{ActorID: "d", Location: origin},
	}, "c")

	assert.Equal(t, []string{"b", "a"}, ids)
}
