package livesession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/quest-radar/internal/clock"
	"github.com/ChuLiYu/quest-radar/internal/config"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var (
	t0   = time.Date(2026, 7, 7, 7, 0, 0, 0, time.UTC)
	spot = types.Location{Lat: 35.6762, Lon: 139.6503}
)

type fakeProvider struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (f *fakeProvider) CurrentFix(_ context.Context, actorID string) (types.TrackedLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[actorID]++
	if f.err != nil {
		return types.TrackedLocation{}, f.err
	}
	speed := 1.2
	return types.TrackedLocation{Lat: spot.Lat + 0.001, Lon: spot.Lon, Speed: &speed, Accuracy: 5}, nil
}

func (f *fakeProvider) count(actorID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[actorID]
}

type tierLookup map[string]int

func (l tierLookup) Lookup(_ context.Context, actorID string) (types.Eligibility, error) {
	tier, ok := l[actorID]
	if !ok {
		return types.Eligibility{}, errors.New("unknown actor")
	}
	return types.Eligibility{TrustTier: tier}, nil
}

func newManager(t *testing.T, clk clock.Clock, opts ...Option) *Manager {
	t.Helper()
	m := New(config.DefaultEngine(), clk, opts...)
	t.Cleanup(m.Close)
	return m
}

func TestStartAndEndFoldsStats(t *testing.T) {
	clk := clock.NewManual(t0)
	m := newManager(t, clk)

	s, err := m.Start(context.Background(), "alice", StartOptions{Location: spot, Categories: []string{"delivery"}})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.True(t, m.IsLive("alice"))

	_, err = m.Start(context.Background(), "alice", StartOptions{})
	assert.ErrorIs(t, err, ErrAlreadyLive)

	m.RecordReceived("alice", "bob")
	m.RecordReceived("alice")
	m.RecordAccepted("alice")
	m.RecordCompleted("alice", decimal.RequireFromString("31.25"))

	live, err := m.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, live.QuestsReceived)
	assert.Equal(t, 0, m.Stats("alice").QuestsReceived, "counters stay on the session until it ends")

	clk.Advance(45 * time.Minute)
	st, err := m.End("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, st.QuestsReceived)
	assert.Equal(t, 1, st.QuestsAccepted)
	assert.Equal(t, 1, st.QuestsCompleted)
	assert.True(t, st.Earnings.Equal(decimal.RequireFromString("31.25")))
	assert.Equal(t, 45*time.Minute, st.LiveDuration)
	assert.Equal(t, 1, st.Sessions)
	assert.False(t, m.IsLive("alice"))

	// 不在 live 模式的接單者直接累計
	assert.Equal(t, 1, m.Stats("bob").QuestsReceived)

	_, err = m.End("alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPingUpdatesSession(t *testing.T) {
	clk := clock.NewManual(t0)
	m := newManager(t, clk)
	_, err := m.Start(context.Background(), "alice", StartOptions{Location: spot, Battery: 0.9, SignalQuality: 0.8})
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	s, err := m.Ping("alice", Ping{Location: spot, Speed: 1.4, Heading: 90})
	require.NoError(t, err)
	assert.True(t, s.Moving)
	assert.Equal(t, 0.9, s.Battery)
	assert.Equal(t, t0.Add(2*time.Second), s.LastPingAt)

	s, err = m.Ping("alice", Ping{Location: spot, Speed: 0.1, Battery: 0.5})
	require.NoError(t, err)
	assert.False(t, s.Moving)
	assert.Equal(t, 0.5, s.Battery)

	_, err = m.Ping("bob", Ping{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPenalizeFloorsAtZeroAndBlocksLiveMode(t *testing.T) {
	m := newManager(t, clock.NewManual(t0))

	st := m.Penalize("alice", 10)
	assert.Equal(t, 90, st.ReliabilityScore)
	assert.Equal(t, 1, st.GhostingStrikes)

	st = m.Penalize("alice", 200)
	assert.Equal(t, 0, st.ReliabilityScore)

	_, err := m.Start(context.Background(), "alice", StartOptions{})
	require.NoError(t, err, "two strikes is still below the limit")
	_, err = m.End("alice")
	require.NoError(t, err)

	m.Penalize("alice", 10)
	_, err = m.Start(context.Background(), "alice", StartOptions{})
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestMinimumTierGate(t *testing.T) {
	cfg := config.DefaultEngine()
	cfg.MinLiveTrustTier = 2
	m := New(cfg, clock.NewManual(t0), WithEligibility(tierLookup{"alice": 3, "bob": 1}))
	t.Cleanup(m.Close)

	_, err := m.Start(context.Background(), "alice", StartOptions{})
	assert.NoError(t, err)
	_, err = m.Start(context.Background(), "bob", StartOptions{})
	assert.ErrorIs(t, err, ErrNotEligible)
	_, err = m.Start(context.Background(), "carol", StartOptions{})
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestPollingFollowsPingCadenceAndStopsOnEnd(t *testing.T) {
	clk := clock.NewManual(t0)
	provider := &fakeProvider{}
	var (
		mu    sync.Mutex
		fixes int
	)
	m := newManager(t, clk, WithLocationProvider(provider), WithFixHandler(func(string, types.TrackedLocation) {
		mu.Lock()
		fixes++
		mu.Unlock()
	}))

	_, err := m.Start(context.Background(), "alice", StartOptions{Location: spot})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		clk.Advance(2 * time.Second)
		want := i
		require.Eventually(t, func() bool { return provider.count("alice") >= want }, time.Second, 5*time.Millisecond)
	}
	require.Eventually(t, func() bool {
		s, err := m.Get("alice")
		return err == nil && s.Moving && s.Location.Lat > spot.Lat
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fixes >= 3
	}, time.Second, 5*time.Millisecond)

	_, err = m.End("alice")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	before := provider.count("alice")
	clk.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, provider.count("alice"))
}

func TestPollingSurvivesProviderErrors(t *testing.T) {
	clk := clock.NewManual(t0)
	provider := &fakeProvider{err: errors.New("gps unavailable")}
	m := newManager(t, clk, WithLocationProvider(provider))

	_, err := m.Start(context.Background(), "alice", StartOptions{Location: spot})
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return provider.count("alice") >= 1 }, time.Second, 5*time.Millisecond)
	clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return provider.count("alice") >= 2 }, time.Second, 5*time.Millisecond)

	s, err := m.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, spot, s.Location)
}

func TestLiveActorsSorted(t *testing.T) {
	m := newManager(t, clock.NewManual(t0))
	for _, id := range []string{"carol", "alice", "bob"} {
		_, err := m.Start(context.Background(), id, StartOptions{})
		require.NoError(t, err)
	}
	live := m.LiveActors()
	require.Len(t, live, 3)
	assert.Equal(t, "alice", live[0].ActorID)
	assert.Equal(t, "carol", live[2].ActorID)
}
