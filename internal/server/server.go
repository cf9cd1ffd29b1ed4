// Package server 以 gRPC 對外提供 questradar.v1.QuestService。
//
// 服務沒有產生的 stub：每個方法的請求與回應都是 google.protobuf.Struct，
// 內容依 messages.go 的 JSON 欄位編碼，ServiceDesc 在本檔手動定義。
package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/quest-radar/internal/dispatch"
	"github.com/ChuLiYu/quest-radar/internal/livesession"
	"github.com/ChuLiYu/quest-radar/internal/radar"
	"github.com/ChuLiYu/quest-radar/internal/tracker"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var log = slog.Default()

// ServiceName gRPC 服務全名
const ServiceName = "questradar.v1.QuestService"

// Dispatcher 服務需要的引擎操作（*dispatch.Engine 滿足此介面）
type Dispatcher interface {
	CreateQuest(ctx context.Context, req dispatch.CreateRequest) (types.Quest, error)
	ClaimQuest(ctx context.Context, id types.QuestID, actorID string, at types.Location) (types.OnTheWaySession, error)
	CancelQuest(ctx context.Context, id types.QuestID, posterID string) (types.Quest, error)
	StartNavigation(ctx context.Context, id types.QuestID, actorID string) (types.OnTheWaySession, error)
	UpdatePosition(ctx context.Context, id types.QuestID, actorID string, loc types.TrackedLocation) (tracker.Update, error)
	MarkArrived(ctx context.Context, id types.QuestID, actorID string) (types.OnTheWaySession, error)
	CompleteQuest(ctx context.Context, id types.QuestID, actorID string) (types.Quest, error)

	Quest(id types.QuestID) (types.Quest, error)
	Quests(state types.QuestState) []types.Quest
	Tracking(id types.QuestID) (types.OnTheWaySession, error)
	MovementSummary(id types.QuestID) (types.MovementSummary, error)
	Stats() dispatch.Stats

	GoLive(ctx context.Context, actorID string, opts livesession.StartOptions) (types.LiveSession, error)
	PingLive(actorID string, p livesession.Ping) (types.LiveSession, error)
	EndLive(actorID string) (types.ActorStats, error)
	ActorStats(actorID string) types.ActorStats
	VisibleQuests(ctx context.Context, actorID string, loc types.Location) []radar.VisibleQuest

	RegisterGeofence(taskID string, center types.Location, radius float64) (types.GeofenceRegion, error)
	CheckProximity(ctx context.Context, actorID string, loc types.Location) (*types.GeofenceRegion, []types.GeofenceEvent)
}

// Server QuestService 實作
type Server struct {
	engine Dispatcher
}

// NewServer 建立服務
func NewServer(engine Dispatcher) *Server {
	return &Server{engine: engine}
}

// Register 將服務註冊到 gRPC server
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

// NewGRPCServer 建立已註冊服務、帶日誌攔截器的 gRPC server
func NewGRPCServer(engine Dispatcher, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(logUnary))
	gs := grpc.NewServer(opts...)
	NewServer(engine).Register(gs)
	return gs
}

// Serve 在 lis 上提供服務，ctx 結束時優雅關閉
func Serve(ctx context.Context, gs *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case <-ctx.Done():
		log.Info("Stopping gRPC server...")
		gs.GracefulStop()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// logUnary 記錄每次呼叫的方法、耗時與錯誤
func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Warn("gRPC call failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		log.Debug("gRPC call", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// ============================================================================
// Service descriptor
// ============================================================================

type method func(s *Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateQuest", (*Server).createQuest),
		unary("ClaimQuest", (*Server).claimQuest),
		unary("CancelQuest", (*Server).cancelQuest),
		unary("StartNavigation", (*Server).startNavigation),
		unary("UpdatePosition", (*Server).updatePosition),
		unary("MarkArrived", (*Server).markArrived),
		unary("CompleteQuest", (*Server).completeQuest),
		unary("GetQuest", (*Server).getQuest),
		unary("ListQuests", (*Server).listQuests),
		unary("GetTracking", (*Server).getTracking),
		unary("GetMovementSummary", (*Server).getMovementSummary),
		unary("GetStats", (*Server).getStats),
		unary("GoLive", (*Server).goLive),
		unary("PingLive", (*Server).pingLive),
		unary("EndLive", (*Server).endLive),
		unary("GetActorStats", (*Server).getActorStats),
		unary("VisibleQuests", (*Server).visibleQuests),
		unary("RegisterGeofence", (*Server).registerGeofence),
		unary("CheckProximity", (*Server).checkProximity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "questradar/v1/quest_service.proto",
}

// reply 編碼回應，引擎錯誤轉為 gRPC status
func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(v)
}

// ============================================================================
// 任務
// ============================================================================

func (s *Server) createQuest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CreateQuestRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.CreateQuest(ctx, dispatch.CreateRequest{
		TaskID:              req.TaskID,
		Title:               req.Title,
		Category:            req.Category,
		PosterID:            req.PosterID,
		BasePayment:         req.BasePayment,
		PosterLocation:      req.PosterLocation,
		MaxRadiusMeters:     req.MaxRadiusMeters,
		MinTrustTier:        req.MinTrustTier,
		MinCompletedTasks:   req.MinCompletedTasks,
		MaxCancellationRate: req.MaxCancellationRate,
	}))
}

func (s *Server) claimQuest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ClaimRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.ClaimQuest(ctx, req.QuestID, req.ActorID, req.Location))
}

func (s *Server) cancelQuest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req QuestRef
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.CancelQuest(ctx, req.QuestID, req.ActorID))
}

func (s *Server) startNavigation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req QuestRef
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.StartNavigation(ctx, req.QuestID, req.ActorID))
}

func (s *Server) updatePosition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PositionRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	u, err := s.engine.UpdatePosition(ctx, req.QuestID, req.ActorID, req.Fix)
	return reply(PositionResponse{Session: u.Session, Arrived: u.Arrived, Ghosted: u.Ghosted}, err)
}

func (s *Server) markArrived(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req QuestRef
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.MarkArrived(ctx, req.QuestID, req.ActorID))
}

func (s *Server) completeQuest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req QuestRef
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.CompleteQuest(ctx, req.QuestID, req.ActorID))
}

func (s *Server) getQuest(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req QuestRef
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.Quest(req.QuestID))
}

func (s *Server) listQuests(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.State == "" {
		req.State = types.QuestBroadcasting
	}
	return reply(ListResponse{Quests: s.engine.Quests(req.State)}, nil)
}

func (s *Server) getTracking(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req QuestRef
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.Tracking(req.QuestID))
}

func (s *Server) getMovementSummary(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req QuestRef
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.MovementSummary(req.QuestID))
}

func (s *Server) getStats(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.engine.Stats(), nil)
}

// ============================================================================
// Live 與雷達
// ============================================================================

func (s *Server) goLive(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LiveRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.GoLive(ctx, req.ActorID, livesession.StartOptions{
		Location:        req.Location,
		Categories:      req.Categories,
		MaxTravelMeters: req.MaxTravelMeters,
		Battery:         req.Battery,
		SignalQuality:   req.SignalQuality,
	}))
}

func (s *Server) pingLive(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LiveRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.PingLive(req.ActorID, livesession.Ping{
		Location:      req.Location,
		Heading:       req.Heading,
		Speed:         req.Speed,
		Battery:       req.Battery,
		SignalQuality: req.SignalQuality,
	}))
}

func (s *Server) endLive(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ActorRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.EndLive(req.ActorID))
}

func (s *Server) getActorStats(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ActorRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.ActorStats(req.ActorID), nil)
}

func (s *Server) visibleQuests(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RadarRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(RadarResponse{Quests: s.engine.VisibleQuests(ctx, req.ActorID, req.Location)}, nil)
}

// ============================================================================
// 地理圍欄
// ============================================================================

func (s *Server) registerGeofence(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req GeofenceRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return reply(s.engine.RegisterGeofence(req.TaskID, req.Center, req.Radius))
}

func (s *Server) checkProximity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ProximityRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	region, events := s.engine.CheckProximity(ctx, req.ActorID, req.Location)
	return reply(ProximityResponse{Region: region, Events: events}, nil)
}
