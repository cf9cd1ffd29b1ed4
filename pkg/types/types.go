// Package types 定義了 quest-radar 系統中使用的核心領域模型
package types

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// QuestID 任務唯一識別碼
type QuestID string

// QuestState 緊急任務的生命週期狀態
type QuestState string

// 定義任務狀態常數
const (
	QuestBroadcasting QuestState = "broadcasting" // 廣播中：等待附近合格的接單者
	QuestClaimed      QuestState = "claimed"      // 已被接單：接單者正在前往
	QuestInProgress   QuestState = "in_progress"  // 進行中：接單者已抵達現場
	QuestCompleted    QuestState = "completed"    // 已完成
	QuestExpired      QuestState = "expired"      // 已過期：決策視窗內無人接單
	QuestCancelled    QuestState = "cancelled"    // 已取消：由發布者取消
)

// Terminal 回傳狀態是否為終止狀態
func (s QuestState) Terminal() bool {
	return s == QuestCompleted || s == QuestExpired || s == QuestCancelled
}

// Assigned 回傳此狀態下任務是否必須持有接單者
func (s QuestState) Assigned() bool {
	return s == QuestClaimed || s == QuestInProgress
}

// Location 地理座標（WGS84 度數）
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid 檢查座標是否落在合法範圍內
func (l Location) Valid() bool {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lon) {
		return false
	}
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}

// TrackedLocation 單一定位樣本
type TrackedLocation struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
	Accuracy  float64   `json:"accuracy"`          // 回報精度（公尺）
	Speed     *float64  `json:"speed,omitempty"`   // 裝置回報速度（m/s），可能缺少
	Heading   *float64  `json:"heading,omitempty"` // 裝置回報方位角（度），可能缺少
}

// Point 取出樣本的座標部分
func (t TrackedLocation) Point() Location {
	return Location{Lat: t.Lat, Lon: t.Lon}
}

// Task 發布者提交的工作參考
type Task struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Category    string          `json:"category"`
	BasePayment decimal.Decimal `json:"base_payment"`
}

// Quest 緊急任務，代表一次限時廣播的工作請求
type Quest struct {
	// 識別與參考
	ID       QuestID `json:"id"`
	TaskID   string  `json:"task_id"`
	Title    string  `json:"title,omitempty"`
	Category string  `json:"category,omitempty"`
	PosterID string  `json:"poster_id"`

	// 時間管理
	CreatedAt   time.Time  `json:"created_at"`
	BroadcastAt time.Time  `json:"broadcast_at"` // 本輪廣播開始時間（重新廣播時重設）
	ExpiresAt   time.Time  `json:"expires_at"`   // 決策視窗截止時間
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// 報酬
	BasePayment     decimal.Decimal `json:"base_payment"`
	UrgencyPremium  float64         `json:"urgency_premium"` // 緊急加成比例，例如 0.25
	UrgencyAmount   decimal.Decimal `json:"urgency_amount"`  // BasePayment × UrgencyPremium
	CurrentPayment  decimal.Decimal `json:"current_payment"` // 含加價後的目前報酬
	SurgeMultiplier float64         `json:"surge_multiplier"`
	BoostsApplied   int             `json:"boosts_applied"`
	BoostBaseline   int             `json:"boost_baseline"` // 本輪廣播開始前已套用的加價次數

	// 可見範圍與門檻
	MaxRadiusMeters     float64  `json:"max_radius_meters"`
	PosterLocation      Location `json:"poster_location"`
	MinTrustTier        int      `json:"min_trust_tier"`
	MinCompletedTasks   int      `json:"min_completed_tasks"`
	MaxCancellationRate float64  `json:"max_cancellation_rate"`

	// 狀態追蹤
	State           QuestState `json:"state"`
	AssignedActorID string     `json:"assigned_actor_id,omitempty"`
	Rebroadcasts    int        `json:"rebroadcasts"`
}

// TotalPayment 回傳接單者可獲得的總報酬
func (q *Quest) TotalPayment() decimal.Decimal {
	return q.CurrentPayment.Add(q.UrgencyAmount)
}

// Clone 深拷貝任務，避免呼叫端修改內部狀態
func (q *Quest) Clone() Quest {
	c := *q
	if q.ClaimedAt != nil {
		t := *q.ClaimedAt
		c.ClaimedAt = &t
	}
	return c
}

// QuestSummary 推播給接單者的任務摘要
type QuestSummary struct {
	QuestID        QuestID         `json:"quest_id"`
	Title          string          `json:"title,omitempty"`
	Category       string          `json:"category,omitempty"`
	TotalPayment   decimal.Decimal `json:"total_payment"`
	PosterLocation Location        `json:"poster_location"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Summary 產生推播摘要
func (q *Quest) Summary() QuestSummary {
	return QuestSummary{
		QuestID:        q.ID,
		Title:          q.Title,
		Category:       q.Category,
		TotalPayment:   q.TotalPayment(),
		PosterLocation: q.PosterLocation,
		ExpiresAt:      q.ExpiresAt,
	}
}

// Eligibility 外部身分服務提供的接單者資格
type Eligibility struct {
	TrustTier        int     `json:"trust_tier"`
	CompletedTasks   int     `json:"completed_tasks"`
	CancellationRate float64 `json:"cancellation_rate"`
}

// Meets 檢查資格是否滿足任務門檻
func (e Eligibility) Meets(q *Quest) bool {
	return e.TrustTier >= q.MinTrustTier &&
		e.CompletedTasks >= q.MinCompletedTasks &&
		e.CancellationRate <= q.MaxCancellationRate
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Quests    map[QuestID]*Quest `json:"quests"`     // 所有任務的完整資料
	SchemaVer int                `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64             `json:"last_seq"`   // 快照涵蓋的最後 journal 序號
}
