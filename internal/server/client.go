package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/quest-radar/internal/dispatch"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// Client QuestService 的 gRPC 客戶端
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// NewClient 以既有連線建立客戶端
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial 連線到 questd（明文傳輸）
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// Close 關閉 Dial 建立的連線
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return decode(out, resp)
}

// CreateQuest 發布任務
func (c *Client) CreateQuest(ctx context.Context, req CreateQuestRequest) (types.Quest, error) {
	var q types.Quest
	err := c.call(ctx, "CreateQuest", req, &q)
	return q, err
}

// ClaimQuest 接單
func (c *Client) ClaimQuest(ctx context.Context, id types.QuestID, actorID string, at types.Location) (types.OnTheWaySession, error) {
	var s types.OnTheWaySession
	err := c.call(ctx, "ClaimQuest", ClaimRequest{QuestID: id, ActorID: actorID, Location: at}, &s)
	return s, err
}

// CancelQuest 發布者取消任務
func (c *Client) CancelQuest(ctx context.Context, id types.QuestID, posterID string) (types.Quest, error) {
	var q types.Quest
	err := c.call(ctx, "CancelQuest", QuestRef{QuestID: id, ActorID: posterID}, &q)
	return q, err
}

// StartNavigation 接單者開始導航
func (c *Client) StartNavigation(ctx context.Context, id types.QuestID, actorID string) (types.OnTheWaySession, error) {
	var s types.OnTheWaySession
	err := c.call(ctx, "StartNavigation", QuestRef{QuestID: id, ActorID: actorID}, &s)
	return s, err
}

// UpdatePosition 回報位置
func (c *Client) UpdatePosition(ctx context.Context, id types.QuestID, actorID string, fix types.TrackedLocation) (PositionResponse, error) {
	var r PositionResponse
	err := c.call(ctx, "UpdatePosition", PositionRequest{QuestID: id, ActorID: actorID, Fix: fix}, &r)
	return r, err
}

// MarkArrived 接單者手動標記抵達
func (c *Client) MarkArrived(ctx context.Context, id types.QuestID, actorID string) (types.OnTheWaySession, error) {
	var s types.OnTheWaySession
	err := c.call(ctx, "MarkArrived", QuestRef{QuestID: id, ActorID: actorID}, &s)
	return s, err
}

// CompleteQuest 完成任務
func (c *Client) CompleteQuest(ctx context.Context, id types.QuestID, actorID string) (types.Quest, error) {
	var q types.Quest
	err := c.call(ctx, "CompleteQuest", QuestRef{QuestID: id, ActorID: actorID}, &q)
	return q, err
}

// GetQuest 查詢任務
func (c *Client) GetQuest(ctx context.Context, id types.QuestID) (types.Quest, error) {
	var q types.Quest
	err := c.call(ctx, "GetQuest", QuestRef{QuestID: id}, &q)
	return q, err
}

// ListQuests 依狀態列出任務
func (c *Client) ListQuests(ctx context.Context, state types.QuestState) ([]types.Quest, error) {
	var r ListResponse
	err := c.call(ctx, "ListQuests", ListRequest{State: state}, &r)
	return r.Quests, err
}

// GetTracking 查詢追蹤 session
func (c *Client) GetTracking(ctx context.Context, id types.QuestID) (types.OnTheWaySession, error) {
	var s types.OnTheWaySession
	err := c.call(ctx, "GetTracking", QuestRef{QuestID: id}, &s)
	return s, err
}

// GetMovementSummary 查詢移動完整性摘要
func (c *Client) GetMovementSummary(ctx context.Context, id types.QuestID) (types.MovementSummary, error) {
	var s types.MovementSummary
	err := c.call(ctx, "GetMovementSummary", QuestRef{QuestID: id}, &s)
	return s, err
}

// GetStats 查詢引擎統計
func (c *Client) GetStats(ctx context.Context) (dispatch.Stats, error) {
	var s dispatch.Stats
	err := c.call(ctx, "GetStats", struct{}{}, &s)
	return s, err
}

// GoLive 開啟 live 模式
func (c *Client) GoLive(ctx context.Context, req LiveRequest) (types.LiveSession, error) {
	var s types.LiveSession
	err := c.call(ctx, "GoLive", req, &s)
	return s, err
}

// PingLive 回報 live 裝置狀態
func (c *Client) PingLive(ctx context.Context, req LiveRequest) (types.LiveSession, error) {
	var s types.LiveSession
	err := c.call(ctx, "PingLive", req, &s)
	return s, err
}

// EndLive 結束 live 模式
func (c *Client) EndLive(ctx context.Context, actorID string) (types.ActorStats, error) {
	var s types.ActorStats
	err := c.call(ctx, "EndLive", ActorRequest{ActorID: actorID}, &s)
	return s, err
}

// GetActorStats 查詢接單者統計
func (c *Client) GetActorStats(ctx context.Context, actorID string) (types.ActorStats, error) {
	var s types.ActorStats
	err := c.call(ctx, "GetActorStats", ActorRequest{ActorID: actorID}, &s)
	return s, err
}

// VisibleQuests 查詢雷達
func (c *Client) VisibleQuests(ctx context.Context, actorID string, loc types.Location) (RadarResponse, error) {
	var r RadarResponse
	err := c.call(ctx, "VisibleQuests", RadarRequest{ActorID: actorID, Location: loc}, &r)
	return r, err
}

// RegisterGeofence 註冊地理圍欄
func (c *Client) RegisterGeofence(ctx context.Context, req GeofenceRequest) (types.GeofenceRegion, error) {
	var r types.GeofenceRegion
	err := c.call(ctx, "RegisterGeofence", req, &r)
	return r, err
}

// CheckProximity 檢查接單者與圍欄的關係
func (c *Client) CheckProximity(ctx context.Context, actorID string, loc types.Location) (ProximityResponse, error) {
	var r ProximityResponse
	err := c.call(ctx, "CheckProximity", ProximityRequest{ActorID: actorID, Location: loc}, &r)
	return r, err
}
