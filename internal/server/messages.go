package server

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/quest-radar/internal/radar"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// QuestService 的訊息都以 google.protobuf.Struct 傳輸，欄位與下列型別的 JSON tag 一致。

// CreateQuestRequest 發布任務
type CreateQuestRequest struct {
	TaskID              string          `json:"task_id,omitempty"`
	Title               string          `json:"title,omitempty"`
	Category            string          `json:"category,omitempty"`
	PosterID            string          `json:"poster_id"`
	BasePayment         decimal.Decimal `json:"base_payment"`
	PosterLocation      types.Location  `json:"poster_location"`
	MaxRadiusMeters     float64         `json:"max_radius_meters,omitempty"`
	MinTrustTier        int             `json:"min_trust_tier,omitempty"`
	MinCompletedTasks   int             `json:"min_completed_tasks,omitempty"`
	MaxCancellationRate float64         `json:"max_cancellation_rate,omitempty"`
}

// QuestRef 以任務與接單者（或發布者）定位一次操作
type QuestRef struct {
	QuestID types.QuestID `json:"quest_id"`
	ActorID string        `json:"actor_id,omitempty"`
}

// ClaimRequest 接單
type ClaimRequest struct {
	QuestID  types.QuestID  `json:"quest_id"`
	ActorID  string         `json:"actor_id"`
	Location types.Location `json:"location"`
}

// PositionRequest 位置更新
type PositionRequest struct {
	QuestID types.QuestID         `json:"quest_id"`
	ActorID string                `json:"actor_id"`
	Fix     types.TrackedLocation `json:"fix"`
}

// PositionResponse 位置更新結果
type PositionResponse struct {
	Session types.OnTheWaySession `json:"session"`
	Arrived bool                  `json:"arrived"`
	Ghosted bool                  `json:"ghosted"`
}

// LiveRequest 開啟、回報或結束 live 模式
type LiveRequest struct {
	ActorID         string         `json:"actor_id"`
	Location        types.Location `json:"location"`
	Categories      []string       `json:"categories,omitempty"`
	MaxTravelMeters float64        `json:"max_travel_meters,omitempty"`
	Heading         float64        `json:"heading,omitempty"`
	Speed           float64        `json:"speed,omitempty"`
	Battery         float64        `json:"battery,omitempty"`
	SignalQuality   float64        `json:"signal_quality,omitempty"`
}

// ActorRequest 只帶接單者
type ActorRequest struct {
	ActorID string `json:"actor_id"`
}

// RadarRequest 查詢雷達
type RadarRequest struct {
	ActorID  string         `json:"actor_id"`
	Location types.Location `json:"location"`
}

// RadarResponse 雷達上可見的任務
type RadarResponse struct {
	Quests []radar.VisibleQuest `json:"quests"`
}

// ListRequest 依狀態列出任務
type ListRequest struct {
	State types.QuestState `json:"state"`
}

// ListResponse 任務列表
type ListResponse struct {
	Quests []types.Quest `json:"quests"`
}

// GeofenceRequest 註冊圍欄
type GeofenceRequest struct {
	TaskID string         `json:"task_id"`
	Center types.Location `json:"center"`
	Radius float64        `json:"radius,omitempty"`
}

// ProximityRequest 圍欄檢查
type ProximityRequest struct {
	ActorID  string         `json:"actor_id"`
	Location types.Location `json:"location"`
}

// ProximityResponse 圍欄檢查結果
type ProximityResponse struct {
	Region *types.GeofenceRegion `json:"region,omitempty"`
	Events []types.GeofenceEvent `json:"events"`
}

// encode 將 JSON 可序列化的值轉為 Struct
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

// decode 將 Struct 轉回 Go 值
func decode(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// decodeRequest 解碼失敗時回傳 InvalidArgument
func decodeRequest(in *structpb.Struct, v any) error {
	if err := decode(in, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}
