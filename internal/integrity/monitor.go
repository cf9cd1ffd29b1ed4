package integrity

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/quest-radar/internal/geo"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// ErrSessionNotFound 移動追蹤 session 不存在
var ErrSessionNotFound = errors.New("movement session not found")

// Recorded 一次樣本記錄的結果
type Recorded struct {
	Session  types.MovementTrackingSession
	Current  types.FlagSet // 本次評估成立的旗標
	NewFlags types.FlagSet // 本 session 首次出現的旗標
}

// Monitor 持有所有移動追蹤 session
//
// 旗標在 session 內只增不減；狀態依每次評估重新計算。
type Monitor struct {
	mu       sync.Mutex
	sessions map[string]*types.MovementTrackingSession
	analyzer *Analyzer
}

// NewMonitor 建立 session 監控器
func NewMonitor(a *Analyzer) *Monitor {
	return &Monitor{
		sessions: make(map[string]*types.MovementTrackingSession),
		analyzer: a,
	}
}

// Start 開始追蹤；同 ID 的 session 已存在時回傳既有的
func (m *Monitor) Start(id, taskID, actorID string, now time.Time) types.MovementTrackingSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s.Clone()
	}
	s := &types.MovementTrackingSession{
		ID:        id,
		TaskID:    taskID,
		ActorID:   actorID,
		StartedAt: now,
		Status:    types.MovementActive,
	}
	m.sessions[id] = s
	return s.Clone()
}

// Record 加入一個定位樣本並重新評估
func (m *Monitor) Record(id string, loc types.TrackedLocation) (Recorded, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Recorded{}, ErrSessionNotFound
	}

	s.Locations = append(s.Locations, loc)
	current := m.analyzer.Evaluate(s.Locations)

	var added types.FlagSet
	for _, f := range current {
		if !s.Flags.Has(f) {
			added = append(added, f)
		}
	}
	s.Flags = s.Flags.Union(current)
	s.Status = Status(current)

	return Recorded{Session: s.Clone(), Current: current, NewFlags: added}, nil
}

// Summary 取得 session 目前的摘要
func (m *Monitor) Summary(id string) (types.MovementSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return types.MovementSummary{}, ErrSessionNotFound
	}
	return m.summarize(s), nil
}

// Stop 結束追蹤並回傳最終摘要，session 隨即移除
func (m *Monitor) Stop(id string, now time.Time) (types.MovementSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return types.MovementSummary{}, ErrSessionNotFound
	}
	ended := now
	s.EndedAt = &ended
	s.Status = types.MovementCompleted
	delete(m.sessions, id)
	return m.summarize(s), nil
}

// Active 回傳所有追蹤中的 session ID（已排序）
func (m *Monitor) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Monitor) summarize(s *types.MovementTrackingSession) types.MovementSummary {
	risk := m.analyzer.Risk(s.Flags, len(s.Locations))

	var duration time.Duration
	switch {
	case s.EndedAt != nil:
		duration = s.EndedAt.Sub(s.StartedAt)
	case len(s.Locations) > 0:
		duration = s.Locations[len(s.Locations)-1].Timestamp.Sub(s.StartedAt)
	}

	c := s.Clone()
	return types.MovementSummary{
		SessionID:      c.ID,
		TaskID:         c.TaskID,
		ActorID:        c.ActorID,
		Status:         c.Status,
		Flags:          c.Flags,
		RiskLevel:      risk,
		Recommendation: Recommend(risk),
		SampleCount:    len(c.Locations),
		DistanceMeters: geo.PathLength(c.Locations),
		Duration:       duration,
		StartedAt:      c.StartedAt,
		EndedAt:        c.EndedAt,
	}
}
