package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrackingState 接單後前往現場的狀態
type TrackingState string

const (
	TrackingAccepted   TrackingState = "accepted"
	TrackingNavigating TrackingState = "navigating"
	TrackingArriving   TrackingState = "arriving"
	TrackingArrived    TrackingState = "arrived"
	TrackingGhosting   TrackingState = "ghosting" // 接單後未前往或停滯，本 session 終止
)

// OnTheWaySession 接單者前往任務地點的追蹤 session
type OnTheWaySession struct {
	ID      string  `json:"id"`
	QuestID QuestID `json:"quest_id"`
	ActorID string  `json:"actor_id"`

	AcceptedAt          time.Time  `json:"accepted_at"`
	NavigationStartedAt *time.Time `json:"navigation_started_at,omitempty"`
	ArrivedAt           *time.Time `json:"arrived_at,omitempty"`
	NavigationDeadline  time.Time  `json:"navigation_deadline"`
	MovementDeadline    time.Time  `json:"movement_deadline"`

	Destination     Location          `json:"destination"`
	CurrentLocation Location          `json:"current_location"`
	Path            []TrackedLocation `json:"path"` // 只增不減

	ETA                time.Duration `json:"eta"`
	DistanceRemaining  float64       `json:"distance_remaining"`
	AverageSpeed       float64       `json:"average_speed"`
	StationaryDuration time.Duration `json:"stationary_duration"`
	MovingToward       bool          `json:"moving_toward"`

	State TrackingState `json:"state"`
}

// NavigationStarted 回傳是否已開始導航
func (s *OnTheWaySession) NavigationStarted() bool {
	return s.NavigationStartedAt != nil
}

// Clone 深拷貝 session（含 path）
func (s *OnTheWaySession) Clone() OnTheWaySession {
	c := *s
	c.Path = append([]TrackedLocation(nil), s.Path...)
	if s.NavigationStartedAt != nil {
		t := *s.NavigationStartedAt
		c.NavigationStartedAt = &t
	}
	if s.ArrivedAt != nil {
		t := *s.ArrivedAt
		c.ArrivedAt = &t
	}
	return c
}

// LiveSession 接單者「即時可接單」模式的 session
type LiveSession struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`

	StartedAt  time.Time `json:"started_at"`
	LastPingAt time.Time `json:"last_ping_at"`

	Location      Location `json:"location"`
	Heading       float64  `json:"heading"`
	Speed         float64  `json:"speed"`
	Moving        bool     `json:"moving"`
	Battery       float64  `json:"battery"`        // 0..1
	SignalQuality float64  `json:"signal_quality"` // 0..1

	Categories      []string `json:"categories,omitempty"`
	MaxTravelMeters float64  `json:"max_travel_meters"`

	QuestsReceived  int             `json:"quests_received"`
	QuestsAccepted  int             `json:"quests_accepted"`
	QuestsCompleted int             `json:"quests_completed"`
	Earnings        decimal.Decimal `json:"earnings"`
}

// Clone 深拷貝 live session
func (s *LiveSession) Clone() LiveSession {
	c := *s
	c.Categories = append([]string(nil), s.Categories...)
	return c
}

// ActorStats 接單者跨 session 的累計統計
type ActorStats struct {
	ActorID          string          `json:"actor_id"`
	ReliabilityScore int             `json:"reliability_score"`
	GhostingStrikes  int             `json:"ghosting_strikes"`
	Sessions         int             `json:"sessions"`
	QuestsReceived   int             `json:"quests_received"`
	QuestsAccepted   int             `json:"quests_accepted"`
	QuestsCompleted  int             `json:"quests_completed"`
	Earnings         decimal.Decimal `json:"earnings"`
	LiveDuration     time.Duration   `json:"live_duration"`
}

// GeofenceRegion 任務地點的圓形地理圍欄
type GeofenceRegion struct {
	ID     string   `json:"id"`
	TaskID string   `json:"task_id"`
	Center Location `json:"center"`
	Radius float64  `json:"radius"`
	Active bool     `json:"active"`
}

// GeofenceEventType 地理圍欄事件類型
type GeofenceEventType string

const (
	GeofenceEntered  GeofenceEventType = "entered"
	GeofenceDwelling GeofenceEventType = "dwelling"
	GeofenceExited   GeofenceEventType = "exited"
)

// GeofenceEvent 地理圍欄事件
type GeofenceEvent struct {
	Type     GeofenceEventType `json:"type"`
	RegionID string            `json:"region_id"`
	TaskID   string            `json:"task_id"`
	ActorID  string            `json:"actor_id"`
	At       time.Time         `json:"at"`
}
