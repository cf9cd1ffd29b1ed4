package geofence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/quest-radar/internal/geo"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var (
	t0     = time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)
	center = types.Location{Lat: 40.7128, Lon: -74.0060}
)

func countType(events []types.GeofenceEvent, typ types.GeofenceEventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestRegisterValidation(t *testing.T) {
	m := New(30 * time.Second)

	tests := []struct {
		name   string
		center types.Location
		radius float64
	}{
		{"zero radius", center, 0},
		{"negative radius", center, -5},
		{"latitude out of range", types.Location{Lat: 91, Lon: 0}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Register("task-1", tt.center, tt.radius)
			assert.ErrorIs(t, err, ErrInvalidRegion)
		})
	}

	r, err := m.Register("task-1", center, 50)
	require.NoError(t, err)
	assert.True(t, r.Active)
	assert.Equal(t, "task-1", r.TaskID)
	assert.NotEmpty(t, r.ID)
}

func TestDwellingAfterThreshold(t *testing.T) {
	m := New(30 * time.Second)
	_, err := m.Register("task-1", center, 50)
	require.NoError(t, err)

	var all []types.GeofenceEvent
	for s := 0; s <= 31; s++ {
		loc := geo.Offset(center, float64(s%10), 0) // 始終在中心 10 m 內
		region, events := m.CheckProximity("alice", loc, t0.Add(time.Duration(s)*time.Second))
		require.NotNil(t, region)
		all = append(all, events...)
	}

	assert.Equal(t, 1, countType(all, types.GeofenceEntered))
	assert.Equal(t, 1, countType(all, types.GeofenceDwelling))
	assert.Equal(t, 0, countType(all, types.GeofenceExited))
}

func TestExitBeforeDwelling(t *testing.T) {
	m := New(30 * time.Second)
	_, err := m.Register("task-1", center, 50)
	require.NoError(t, err)

	var all []types.GeofenceEvent
	for s := 0; s <= 20; s += 5 {
		_, events := m.CheckProximity("alice", center, t0.Add(time.Duration(s)*time.Second))
		all = append(all, events...)
	}
	region, events := m.CheckProximity("alice", geo.Offset(center, 200, 0), t0.Add(20*time.Second))
	assert.Nil(t, region)
	all = append(all, events...)

	require.Len(t, events, 1)
	assert.Equal(t, types.GeofenceExited, events[0].Type)
	assert.Equal(t, 0, countType(all, types.GeofenceDwelling))

	// 離開後再進入會重新計時
	_, events = m.CheckProximity("alice", center, t0.Add(40*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, types.GeofenceEntered, events[0].Type)
	_, events = m.CheckProximity("alice", center, t0.Add(60*time.Second))
	assert.Empty(t, events)
}

func TestFirstRegionWinsAndActorsAreIndependent(t *testing.T) {
	m := New(30 * time.Second)
	a, err := m.Register("task-a", center, 100)
	require.NoError(t, err)
	_, err = m.Register("task-b", geo.Offset(center, 30, 0), 100)
	require.NoError(t, err)

	region, events := m.CheckProximity("alice", geo.Offset(center, 15, 0), t0)
	require.NotNil(t, region)
	assert.Equal(t, a.ID, region.ID)
	assert.Equal(t, 2, countType(events, types.GeofenceEntered))

	_, events = m.CheckProximity("bob", center, t0)
	assert.Equal(t, 2, countType(events, types.GeofenceEntered))
}

func TestReRegisterAndUnregister(t *testing.T) {
	m := New(30 * time.Second)
	first, err := m.Register("task-1", center, 50)
	require.NoError(t, err)
	_, _ = m.CheckProximity("alice", center, t0)

	second, err := m.Register("task-1", center, 80)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, m.Len())

	r, ok := m.Region("task-1")
	require.True(t, ok)
	assert.Equal(t, 80.0, r.Radius)

	// 取代後視為新的圍欄，會再收到一次 entered
	_, events := m.CheckProximity("alice", center, t0.Add(time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, types.GeofenceEntered, events[0].Type)

	assert.True(t, m.Unregister("task-1"))
	assert.False(t, m.Unregister("task-1"))
	region, events := m.CheckProximity("alice", center, t0.Add(2*time.Second))
	assert.Nil(t, region)
	assert.Empty(t, events)
}
