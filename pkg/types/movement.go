package types

import (
	"sort"
	"time"
)

// MovementStatus 移動追蹤 session 的狀態
type MovementStatus string

const (
	MovementActive     MovementStatus = "active"
	MovementStationary MovementStatus = "stationary"
	MovementSuspicious MovementStatus = "suspicious"
	MovementCompleted  MovementStatus = "completed"
)

// MovementFlag 移動軌跡的異常旗標
type MovementFlag string

const (
	FlagStationaryTooLong MovementFlag = "stationary_too_long"
	FlagImpossibleSpeed   MovementFlag = "impossible_speed"
	FlagLocationJump      MovementFlag = "location_jump"
	FlagLowAccuracy       MovementFlag = "low_accuracy"
)

// RiskLevel 綜合風險等級
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Recommendation 依風險等級給出的處理建議
type Recommendation string

const (
	RecommendApprove      Recommendation = "approve"
	RecommendManualReview Recommendation = "manual_review"
	RecommendReject       Recommendation = "reject"
)

// FlagSet 旗標集合（有序、不重複）
type FlagSet []MovementFlag

// Has 檢查集合是否包含旗標
func (f FlagSet) Has(flag MovementFlag) bool {
	for _, v := range f {
		if v == flag {
			return true
		}
	}
	return false
}

// Union 合併兩個集合，結果保持排序
func (f FlagSet) Union(other FlagSet) FlagSet {
	out := append(FlagSet(nil), f...)
	for _, v := range other {
		if !out.Has(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MovementTrackingSession 接單者移動軌跡的追蹤 session
type MovementTrackingSession struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	ActorID   string            `json:"actor_id"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Locations []TrackedLocation `json:"locations"`
	Status    MovementStatus    `json:"status"`
	Flags     FlagSet           `json:"flags"` // 一旦出現便保留
}

// Clone 深拷貝 session
func (s *MovementTrackingSession) Clone() MovementTrackingSession {
	c := *s
	c.Locations = append([]TrackedLocation(nil), s.Locations...)
	c.Flags = append(FlagSet(nil), s.Flags...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return c
}

// MovementSummary 移動追蹤結果摘要
type MovementSummary struct {
	SessionID      string         `json:"session_id"`
	TaskID         string         `json:"task_id"`
	ActorID        string         `json:"actor_id"`
	Status         MovementStatus `json:"status"`
	Flags          FlagSet        `json:"flags"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Recommendation Recommendation `json:"recommendation"`
	SampleCount    int            `json:"sample_count"`
	DistanceMeters float64        `json:"distance_meters"`
	Duration       time.Duration  `json:"duration"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}
