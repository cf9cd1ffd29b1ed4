// Package tracker 追蹤接單者從接單到抵達現場的過程（OnTheWay），
// 並偵測「接了不去」的放鴿子行為。
//
// 狀態:
//
//	accepted → navigating → arriving → arrived
//	任一未抵達狀態 → ghosting（終止，由引擎重新廣播任務）
//
// 放鴿子判定（每次位置更新、尚未抵達時）:
//
//	(!navigationStarted && now > NavigationDeadline) || StationaryDuration > movementDeadline
//
// StationaryDuration 只在單步位移達到最小移動距離時歸零，沒有寬限期。
package tracker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/quest-radar/internal/config"
	"github.com/ChuLiYu/quest-radar/internal/geo"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var (
	// ErrSessionNotFound 追蹤 session 不存在
	ErrSessionNotFound = errors.New("tracking session not found")
	// ErrSessionClosed session 已判定放鴿子，不再接受操作
	ErrSessionClosed = errors.New("tracking session closed")
)

// Update 一次位置更新的結果
type Update struct {
	Session types.OnTheWaySession
	Arrived bool // 本次更新首次抵達
	Ghosted bool // 本次更新判定放鴿子
}

// Tracker 所有進行中的 OnTheWay session
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*types.OnTheWaySession

	navigationDeadline time.Duration
	movementDeadline   time.Duration
	walkingSpeed       float64
	minMovement        float64
	near               float64
	arrived            float64
}

// New 建立追蹤器
func New(cfg config.Engine) *Tracker {
	return &Tracker{
		sessions:           make(map[string]*types.OnTheWaySession),
		navigationDeadline: cfg.NavigationDeadline(),
		movementDeadline:   cfg.MovementDeadline(),
		walkingSpeed:       cfg.WalkingSpeedMps,
		minMovement:        cfg.TrackerMinMovementMeters,
		near:               cfg.NearThresholdMeters,
		arrived:            cfg.ArrivedThresholdMeters,
	}
}

// Start 接單成功後建立 session
//
// path 以接單位置作為第一個點；ETA 以步行速度估算：distance(from, destination) / walkingSpeed。
func (t *Tracker) Start(id string, questID types.QuestID, actorID string, from, destination types.Location, now time.Time) types.OnTheWaySession {
	d := geo.Distance(from, destination)
	s := &types.OnTheWaySession{
		ID:                 id,
		QuestID:            questID,
		ActorID:            actorID,
		AcceptedAt:         now,
		NavigationDeadline: now.Add(t.navigationDeadline),
		MovementDeadline:   now.Add(t.movementDeadline),
		Destination:        destination,
		CurrentLocation:    from,
		Path:               []types.TrackedLocation{{Lat: from.Lat, Lon: from.Lon, Timestamp: now}},
		DistanceRemaining:  d,
		AverageSpeed:       t.walkingSpeed,
		ETA:                t.eta(d, t.walkingSpeed),
		State:              types.TrackingAccepted,
	}

	t.mu.Lock()
	t.sessions[id] = s
	t.mu.Unlock()
	return s.Clone()
}

func (t *Tracker) eta(distance, speed float64) time.Duration {
	if speed <= 0 {
		speed = t.walkingSpeed
	}
	return time.Duration(distance / speed * float64(time.Second))
}

// StartNavigation 接單者開始導航
//
// 導航期限已過或已離開 accepted 狀態時不做任何事，回傳目前 session。
func (t *Tracker) StartNavigation(id string, now time.Time) (types.OnTheWaySession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return types.OnTheWaySession{}, ErrSessionNotFound
	}
	if s.State == types.TrackingGhosting {
		return s.Clone(), ErrSessionClosed
	}
	if s.NavigationStarted() || now.After(s.NavigationDeadline) {
		return s.Clone(), nil
	}

	started := now
	s.NavigationStartedAt = &started
	if s.State == types.TrackingAccepted {
		s.State = types.TrackingNavigating
	}
	return s.Clone(), nil
}

// UpdatePosition 套用一筆位置更新
//
// 流程：
//  1. 追加到 path，計算與上一點的位移
//  2. 位移 < 最小移動距離 → 累加停滯時間；否則歸零
//  3. 更新剩餘距離、平均速度、ETA、是否正在接近
//  4. 依距離轉換 arriving / arrived
//  5. 尚未抵達時檢查放鴿子
func (t *Tracker) UpdatePosition(id string, loc types.TrackedLocation) (Update, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return Update{}, ErrSessionNotFound
	}
	if s.State == types.TrackingGhosting {
		return Update{Session: s.Clone()}, ErrSessionClosed
	}

	now := loc.Timestamp
	prev := s.Path[len(s.Path)-1]

	if geo.Distance(prev.Point(), loc.Point()) < t.minMovement {
		if step := now.Sub(prev.Timestamp); step > 0 {
			s.StationaryDuration += step
		}
	} else {
		s.StationaryDuration = 0
	}

	s.Path = append(s.Path, loc)
	s.CurrentLocation = loc.Point()

	prevRemaining := s.DistanceRemaining
	s.DistanceRemaining = geo.Distance(s.CurrentLocation, s.Destination)
	s.MovingToward = s.DistanceRemaining < prevRemaining
	s.AverageSpeed = t.averageSpeed(s, now)
	s.ETA = t.eta(s.DistanceRemaining, s.AverageSpeed)

	u := Update{}
	if s.State != types.TrackingArrived {
		switch {
		case s.DistanceRemaining < t.arrived:
			arrivedAt := now
			s.ArrivedAt = &arrivedAt
			s.State = types.TrackingArrived
			s.ETA = 0
			u.Arrived = true
		case s.DistanceRemaining < t.near:
			s.State = types.TrackingArriving
		case s.NavigationStarted():
			s.State = types.TrackingNavigating
		}
	}

	if s.State != types.TrackingArrived && t.atRisk(s, now) {
		s.State = types.TrackingGhosting
		u.Ghosted = true
	}

	u.Session = s.Clone()
	return u, nil
}

// averageSpeed 路徑總長 / 接單後經過時間，無法計算時使用步行速度
func (t *Tracker) averageSpeed(s *types.OnTheWaySession, now time.Time) float64 {
	elapsed := now.Sub(s.AcceptedAt).Seconds()
	length := geo.PathLength(s.Path)
	if elapsed <= 0 || length <= 0 {
		return t.walkingSpeed
	}
	return length / elapsed
}

// stationaryAt 截至 now 的停滯時間
//
// 最後一步仍在停滯中時，把最後一個樣本之後的時間也算進去，
// 讓 IsAtRisk 在兩次更新之間也能反映停滯；更新當下兩者相同。
func stationaryAt(s *types.OnTheWaySession, now time.Time) time.Duration {
	d := s.StationaryDuration
	if d > 0 {
		if gap := now.Sub(s.Path[len(s.Path)-1].Timestamp); gap > 0 {
			d += gap
		}
	}
	return d
}

func (t *Tracker) atRisk(s *types.OnTheWaySession, now time.Time) bool {
	switch s.State {
	case types.TrackingGhosting:
		return true
	case types.TrackingArrived:
		return false
	}
	if !s.NavigationStarted() && now.After(s.NavigationDeadline) {
		return true
	}
	return stationaryAt(s, now) > t.movementDeadline
}

// IsAtRisk 檢查 session 在 now 時是否已符合放鴿子條件
func (t *Tracker) IsAtRisk(id string, now time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	return t.atRisk(s, now), nil
}

// MarkGhosting 將 session 直接標記為放鴿子（例如取樣迴圈判定時）
//
// 返回值：
//   - bool: 是否由本次呼叫完成轉換
func (t *Tracker) MarkGhosting(id string) (types.OnTheWaySession, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return types.OnTheWaySession{}, false, ErrSessionNotFound
	}
	if s.State == types.TrackingGhosting || s.State == types.TrackingArrived {
		return s.Clone(), false, nil
	}
	s.State = types.TrackingGhosting
	return s.Clone(), true, nil
}

// MarkArrived 手動標記抵達（例如地理圍欄偵測到停留）
//
// 返回值：
//   - bool: 是否由本次呼叫完成抵達
func (t *Tracker) MarkArrived(id string, now time.Time) (types.OnTheWaySession, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return types.OnTheWaySession{}, false, ErrSessionNotFound
	}
	switch s.State {
	case types.TrackingGhosting:
		return s.Clone(), false, ErrSessionClosed
	case types.TrackingArrived:
		return s.Clone(), false, nil
	}

	arrivedAt := now
	s.ArrivedAt = &arrivedAt
	s.State = types.TrackingArrived
	s.ETA = 0
	return s.Clone(), true, nil
}

// Get 取得 session 副本
func (t *Tracker) Get(id string) (types.OnTheWaySession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return types.OnTheWaySession{}, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// ByQuest 取得任務目前的 session
func (t *Tracker) ByQuest(questID types.QuestID) (types.OnTheWaySession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.sessions {
		if s.QuestID == questID {
			return s.Clone(), true
		}
	}
	return types.OnTheWaySession{}, false
}

// Remove 移除 session（任務進入終止狀態或重新廣播時）
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Active 取得所有尚未抵達、也未放鴿子的 session，依接單時間排序
func (t *Tracker) Active() []types.OnTheWaySession {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.OnTheWaySession, 0, len(t.sessions))
	for _, s := range t.sessions {
		if s.State == types.TrackingArrived || s.State == types.TrackingGhosting {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AcceptedAt.Equal(out[j].AcceptedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AcceptedAt.Before(out[j].AcceptedAt)
	})
	return out
}

// Len 回傳 session 數量
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
