package integrity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/quest-radar/internal/config"
	"github.com/ChuLiYu/quest-radar/internal/geo"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var (
	t0   = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	home = types.Location{Lat: 48.8566, Lon: 2.3522}
)

func newAnalyzer() *Analyzer {
	return NewAnalyzer(ThresholdsFrom(config.DefaultEngine()))
}

func sample(loc types.Location, at time.Duration, accuracy float64) types.TrackedLocation {
	return types.TrackedLocation{Lat: loc.Lat, Lon: loc.Lon, Timestamp: t0.Add(at), Accuracy: accuracy}
}

// stationaryTrail 每 30 秒一個樣本，在 home 附近小幅晃動
func stationaryTrail(d time.Duration, jitter float64) []types.TrackedLocation {
	var trail []types.TrackedLocation
	for at := time.Duration(0); at <= d; at += 30 * time.Second {
		east := jitter
		if (at/(30*time.Second))%2 == 0 {
			east = -jitter
		}
		trail = append(trail, sample(geo.Offset(home, 0, east), at, 10))
	}
	return trail
}

func TestLocationJump(t *testing.T) {
	a := newAnalyzer()
	far := geo.Offset(home, 600, 0)

	flags := a.Evaluate([]types.TrackedLocation{sample(home, 0, 5), sample(far, 10*time.Second, 5)})
	assert.True(t, flags.Has(types.FlagLocationJump))
	assert.True(t, flags.Has(types.FlagImpossibleSpeed), "60 m/s is also impossible")
	assert.Equal(t, types.MovementSuspicious, Status(flags))

	flags = a.Evaluate([]types.TrackedLocation{sample(home, 0, 5), sample(far, 10*time.Minute, 5)})
	assert.False(t, flags.Has(types.FlagLocationJump))
	assert.False(t, flags.Has(types.FlagImpossibleSpeed))
	assert.Equal(t, types.MovementActive, Status(flags))
}

func TestImpossibleSpeedOnly(t *testing.T) {
	a := newAnalyzer()
	// 400 m / 10 s = 40 m/s，未達跳點距離
	flags := a.Evaluate([]types.TrackedLocation{
		sample(home, 0, 5),
		sample(geo.Offset(home, 400, 0), 10*time.Second, 5),
	})
	assert.Equal(t, types.FlagSet{types.FlagImpossibleSpeed}, flags)
}

func TestStationaryTooLong(t *testing.T) {
	a := newAnalyzer()

	tests := []struct {
		name  string
		trail []types.TrackedLocation
		want  bool
	}{
		{"ten minutes within radius", stationaryTrail(10*time.Minute, 5), true},
		{"nine and a half minutes", stationaryTrail(9*time.Minute+30*time.Second, 5), false},
		{"wandering beyond radius", stationaryTrail(10*time.Minute, 15), false},
		{"single sample", stationaryTrail(0, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := a.Evaluate(tt.trail)
			assert.Equal(t, tt.want, flags.Has(types.FlagStationaryTooLong))
		})
	}

	flags := a.Evaluate(stationaryTrail(10*time.Minute, 5))
	assert.Equal(t, types.MovementStationary, Status(flags))
}

func TestLowAccuracyUsesLastFiveSamples(t *testing.T) {
	a := newAnalyzer()
	var trail []types.TrackedLocation
	for i, acc := range []float64{500, 500, 60, 70, 80, 90, 70} {
		trail = append(trail, sample(geo.Offset(home, float64(i)*20, 0), time.Duration(i)*30*time.Second, acc))
	}
	// 最後五筆平均 74
	assert.False(t, a.Evaluate(trail).Has(types.FlagLowAccuracy))

	trail = append(trail, sample(geo.Offset(home, 200, 0), 4*time.Minute, 120))
	// 最後五筆平均 86
	assert.True(t, a.Evaluate(trail).Has(types.FlagLowAccuracy))
}

func TestRiskAndRecommendation(t *testing.T) {
	a := newAnalyzer()

	tests := []struct {
		name    string
		flags   types.FlagSet
		samples int
		risk    types.RiskLevel
		rec     types.Recommendation
	}{
		{"clean", nil, 10, types.RiskLow, types.RecommendApprove},
		{"clean but few samples", nil, 3, types.RiskMedium, types.RecommendManualReview},
		{"low accuracy", types.FlagSet{types.FlagLowAccuracy}, 10, types.RiskMedium, types.RecommendManualReview},
		{"stationary", types.FlagSet{types.FlagStationaryTooLong}, 25, types.RiskMedium, types.RecommendManualReview},
		{"jump", types.FlagSet{types.FlagLocationJump}, 10, types.RiskHigh, types.RecommendManualReview},
		{"stationary and accuracy", types.FlagSet{types.FlagLowAccuracy, types.FlagStationaryTooLong}, 10, types.RiskHigh, types.RecommendManualReview},
		{"jump and speed", types.FlagSet{types.FlagImpossibleSpeed, types.FlagLocationJump}, 10, types.RiskCritical, types.RecommendReject},
		{"jump and stationary", types.FlagSet{types.FlagLocationJump, types.FlagStationaryTooLong}, 2, types.RiskCritical, types.RecommendReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			risk := a.Risk(tt.flags, tt.samples)
			assert.Equal(t, tt.risk, risk)
			assert.Equal(t, tt.rec, Recommend(risk))
		})
	}
}

func TestMonitorFlagsAccumulate(t *testing.T) {
	m := NewMonitor(newAnalyzer())
	m.Start("s-1", "task-1", "alice", t0)

	_, err := m.Record("s-1", sample(home, 0, 5))
	require.NoError(t, err)

	r, err := m.Record("s-1", sample(geo.Offset(home, 600, 0), 10*time.Second, 5))
	require.NoError(t, err)
	assert.Equal(t, types.MovementSuspicious, r.Session.Status)
	assert.True(t, r.NewFlags.Has(types.FlagLocationJump))

	// 下一點正常，狀態恢復，但旗標保留
	r, err = m.Record("s-1", sample(geo.Offset(home, 650, 0), 40*time.Second, 5))
	require.NoError(t, err)
	assert.Empty(t, r.Current)
	assert.Empty(t, r.NewFlags)
	assert.Equal(t, types.MovementActive, r.Session.Status)
	assert.True(t, r.Session.Flags.Has(types.FlagLocationJump))
	assert.True(t, r.Session.Flags.Has(types.FlagImpossibleSpeed))

	sum, err := m.Summary("s-1")
	require.NoError(t, err)
	assert.Equal(t, types.RiskCritical, sum.RiskLevel)
	assert.Equal(t, types.RecommendReject, sum.Recommendation)
	assert.Equal(t, 3, sum.SampleCount)
	assert.InDelta(t, 650, sum.DistanceMeters, 1)
	assert.Equal(t, 40*time.Second, sum.Duration)
}

func TestMonitorStop(t *testing.T) {
	m := NewMonitor(newAnalyzer())
	first := m.Start("s-1", "task-1", "alice", t0)
	again := m.Start("s-1", "task-1", "alice", t0.Add(time.Minute))
	assert.Equal(t, first.StartedAt, again.StartedAt)
	assert.Equal(t, []string{"s-1"}, m.Active())

	for i := 0; i < 6; i++ {
		_, err := m.Record("s-1", sample(geo.Offset(home, float64(i)*30, 0), time.Duration(i)*30*time.Second, 8))
		require.NoError(t, err)
	}

	sum, err := m.Stop("s-1", t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.MovementCompleted, sum.Status)
	assert.Equal(t, types.RiskLow, sum.RiskLevel)
	assert.Equal(t, types.RecommendApprove, sum.Recommendation)
	require.NotNil(t, sum.EndedAt)
	assert.Equal(t, 5*time.Minute, sum.Duration)

	assert.Empty(t, m.Active())
	_, err = m.Summary("s-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Record("s-1", sample(home, time.Hour, 5))
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Stop("s-1", t0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
