// Package geofence 維護任務地點的圓形地理圍欄，並偵測接單者的進入、停留與離開。
//
// 每個任務最多一個圍欄；重新註冊會取代舊圍欄。
// 停留（dwelling）在連續待在圍欄內達到門檻時觸發一次，用於自動打卡。
package geofence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/quest-radar/internal/geo"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// ErrInvalidRegion 半徑不為正或座標不合法
var ErrInvalidRegion = errors.New("invalid geofence region")

type presence struct {
	enteredAt time.Time
	dwelled   bool
}

// Monitor 地理圍欄監控器
type Monitor struct {
	mu       sync.Mutex
	regions  map[string]*types.GeofenceRegion // taskID → region
	order    []string                         // 註冊順序（taskID），決定「第一個」命中的圍欄
	presence map[string]map[string]*presence  // actorID → regionID → 進入紀錄
	dwell    time.Duration
}

// New 建立監控器
func New(dwellThreshold time.Duration) *Monitor {
	return &Monitor{
		regions:  make(map[string]*types.GeofenceRegion),
		presence: make(map[string]map[string]*presence),
		dwell:    dwellThreshold,
	}
}

// Register 為任務註冊圍欄
func (m *Monitor) Register(taskID string, center types.Location, radius float64) (types.GeofenceRegion, error) {
	if radius <= 0 || !center.Valid() {
		return types.GeofenceRegion{}, fmt.Errorf("%w: task %s radius %.1f", ErrInvalidRegion, taskID, radius)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.regions[taskID]; ok {
		m.dropPresenceLocked(old.ID)
	} else {
		m.order = append(m.order, taskID)
	}
	r := &types.GeofenceRegion{
		ID:     uuid.NewString(),
		TaskID: taskID,
		Center: center,
		Radius: radius,
		Active: true,
	}
	m.regions[taskID] = r
	return *r, nil
}

// Unregister 移除任務的圍欄
func (m *Monitor) Unregister(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[taskID]
	if !ok {
		return false
	}
	m.dropPresenceLocked(r.ID)
	delete(m.regions, taskID)
	for i, id := range m.order {
		if id == taskID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

func (m *Monitor) dropPresenceLocked(regionID string) {
	for actor, inside := range m.presence {
		delete(inside, regionID)
		if len(inside) == 0 {
			delete(m.presence, actor)
		}
	}
}

// Region 取得任務的圍欄
func (m *Monitor) Region(taskID string) (types.GeofenceRegion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[taskID]
	if !ok {
		return types.GeofenceRegion{}, false
	}
	return *r, true
}

// Len 回傳圍欄數量
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}

// CheckProximity 以接單者目前位置檢查所有圍欄
//
// 返回值：
//   - *types.GeofenceRegion: 第一個包含此位置的啟用中圍欄，沒有則為 nil
//   - []types.GeofenceEvent: 本次檢查產生的事件（先 exited，再 entered / dwelling）
func (m *Monitor) CheckProximity(actorID string, loc types.Location, now time.Time) (*types.GeofenceRegion, []types.GeofenceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inside := m.presence[actorID]
	if inside == nil {
		inside = make(map[string]*presence)
	}

	var (
		first  *types.GeofenceRegion
		events []types.GeofenceEvent
		hits   = make(map[string]bool)
	)

	for _, taskID := range m.order {
		r := m.regions[taskID]
		if r.Active && geo.Distance(loc, r.Center) <= r.Radius {
			hits[r.ID] = true
			if first == nil {
				c := *r
				first = &c
			}
		}
	}

	for _, taskID := range m.order {
		r := m.regions[taskID]
		if _, was := inside[r.ID]; was && !hits[r.ID] {
			delete(inside, r.ID)
			events = append(events, event(types.GeofenceExited, r, actorID, now))
		}
	}

	for _, taskID := range m.order {
		r := m.regions[taskID]
		if !hits[r.ID] {
			continue
		}
		p, was := inside[r.ID]
		if !was {
			inside[r.ID] = &presence{enteredAt: now}
			events = append(events, event(types.GeofenceEntered, r, actorID, now))
			continue
		}
		if !p.dwelled && now.Sub(p.enteredAt) >= m.dwell {
			p.dwelled = true
			events = append(events, event(types.GeofenceDwelling, r, actorID, now))
		}
	}

	if len(inside) == 0 {
		delete(m.presence, actorID)
	} else {
		m.presence[actorID] = inside
	}
	return first, events
}

func event(t types.GeofenceEventType, r *types.GeofenceRegion, actorID string, at time.Time) types.GeofenceEvent {
	return types.GeofenceEvent{Type: t, RegionID: r.ID, TaskID: r.TaskID, ActorID: actorID, At: at}
}
