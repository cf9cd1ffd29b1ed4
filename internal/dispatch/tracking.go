package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/quest-radar/internal/integrity"
	"github.com/ChuLiYu/quest-radar/internal/metrics"
	"github.com/ChuLiYu/quest-radar/internal/storage/wal"
	"github.com/ChuLiYu/quest-radar/internal/tracker"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// 放鴿子原因
const (
	reasonNavigationNotStarted = "navigation_not_started"
	reasonStationary           = "stationary"
)

// tripFor 取得任務的追蹤資訊並確認接單者
func (e *Engine) tripFor(id types.QuestID, actorID string) (trip, error) {
	e.mu.Lock()
	t, ok := e.trips[id]
	e.mu.Unlock()

	if !ok {
		return trip{}, fmt.Errorf("quest %s: %w", id, tracker.ErrSessionNotFound)
	}
	if t.actorID != actorID {
		return trip{}, ErrNotAssignee
	}
	return t, nil
}

// newerThanPath 定位時間是否晚於路徑最後一點
func newerThanPath(s types.OnTheWaySession, fix types.TrackedLocation) bool {
	if len(s.Path) == 0 {
		return true
	}
	return fix.Timestamp.After(s.Path[len(s.Path)-1].Timestamp)
}

// tripsOf 取得接單者所有進行中的追蹤
func (e *Engine) tripsOf(actorID string) map[types.QuestID]trip {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[types.QuestID]trip)
	for id, t := range e.trips {
		if t.actorID == actorID {
			out[id] = t
		}
	}
	return out
}

// StartNavigation 接單者開始導航
func (e *Engine) StartNavigation(ctx context.Context, id types.QuestID, actorID string) (types.OnTheWaySession, error) {
	t, err := e.tripFor(id, actorID)
	if err != nil {
		return types.OnTheWaySession{}, err
	}
	s, err := e.tracker.StartNavigation(t.sessionID, e.clock.Now())
	if err != nil {
		return s, err
	}
	log.DebugContext(ctx, "Navigation started", "quest_id", id, "actor_id", actorID, "state", s.State)
	return s, nil
}

// UpdatePosition 套用接單者的一筆位置更新
//
// 位置同時送進 OnTheWay 追蹤、移動完整性分析與地理圍欄；首次抵達時
// 任務進入進行中，判定放鴿子時任務重新廣播。Timestamp 為零時使用目前時間。
func (e *Engine) UpdatePosition(ctx context.Context, id types.QuestID, actorID string, loc types.TrackedLocation) (tracker.Update, error) {
	t, err := e.tripFor(id, actorID)
	if err != nil {
		return tracker.Update{}, err
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = e.clock.Now()
	}
	return e.applyFix(ctx, id, t, loc)
}

func (e *Engine) applyFix(ctx context.Context, id types.QuestID, t trip, loc types.TrackedLocation) (tracker.Update, error) {
	u, err := e.tracker.UpdatePosition(t.sessionID, loc)
	if err != nil {
		return u, err
	}
	e.recordMovement(id, t, loc)

	if u.Ghosted {
		e.handleGhosting(ctx, u.Session, loc.Timestamp)
		return u, nil
	}
	if u.Arrived {
		e.arrive(ctx, id, t.actorID, loc.Timestamp)
	}
	e.checkProximity(ctx, t.actorID, loc.Point(), loc.Timestamp)
	return u, nil
}

// recordMovement 把樣本交給移動完整性分析，新旗標計入指標
func (e *Engine) recordMovement(id types.QuestID, t trip, loc types.TrackedLocation) {
	r, err := e.integrity.Record(t.sessionID, loc)
	if err != nil {
		log.Debug("Movement sample ignored", "quest_id", id, "error", err)
		return
	}
	for _, f := range r.NewFlags {
		e.metrics.RecordMovementFlag(string(f))
		log.Warn("Movement anomaly flagged",
			"quest_id", id,
			"actor_id", t.actorID,
			"flag", f,
			"status", r.Session.Status)
	}
}

// MarkArrived 標記接單者已抵達，任務進入進行中
func (e *Engine) MarkArrived(ctx context.Context, id types.QuestID, actorID string) (types.OnTheWaySession, error) {
	t, err := e.tripFor(id, actorID)
	if err != nil {
		return types.OnTheWaySession{}, err
	}
	now := e.clock.Now()
	s, _, err := e.tracker.MarkArrived(t.sessionID, now)
	if err != nil {
		return s, err
	}
	e.arrive(ctx, id, actorID, now)
	return s, nil
}

// arrive 將仍在 claimed 的任務轉為進行中，重複呼叫無作用
func (e *Engine) arrive(ctx context.Context, id types.QuestID, actorID string, now time.Time) {
	q, err := e.book.Get(id)
	if err != nil || q.State != types.QuestClaimed {
		return
	}
	started, err := e.mutate(wal.EventStarted, func() (types.Quest, error) {
		return e.book.StartWork(id, actorID, now)
	})
	if err != nil {
		log.WarnContext(ctx, "Failed to start quest work", "quest_id", id, "actor_id", actorID, "error", err)
		return
	}
	log.InfoContext(ctx, "Actor arrived", "quest_id", id, "actor_id", actorID)
	e.metrics.RecordQuestEvent(metrics.EventStarted)
	e.recordEvent(started, metrics.EventStarted, actorID)
}

// CompleteQuest 接單者完成進行中的任務
//
// 結束移動追蹤並保存摘要，記錄收入，非同步通知可靠度服務。
func (e *Engine) CompleteQuest(ctx context.Context, id types.QuestID, actorID string) (types.Quest, error) {
	now := e.clock.Now()
	t, tripErr := e.tripFor(id, actorID)
	completed, err := e.mutate(wal.EventCompleted, func() (types.Quest, error) {
		return e.book.Complete(id, actorID, now)
	})
	if err != nil {
		return types.Quest{}, err
	}

	if tripErr == nil {
		e.finishTrip(id, t.sessionID, now)
	}
	e.geofence.Unregister(completed.TaskID)
	e.live.RecordCompleted(actorID, completed.TotalPayment())
	if e.reliability != nil {
		e.submit(taskReliability, actorID, func(ctx context.Context) error {
			return e.reliability.RecordCompletion(ctx, actorID)
		})
	}

	log.InfoContext(ctx, "Quest completed",
		"quest_id", id,
		"actor_id", actorID,
		"total_payment", completed.TotalPayment().StringFixed(2))
	e.metrics.RecordQuestEvent(metrics.EventCompleted)
	e.recordEvent(completed, metrics.EventCompleted, actorID)
	return completed, nil
}

// finishTrip 結束任務的追蹤，移動摘要保存到快取與分析 sink
//
// 只結束 sessionID 對應的那一趟；任務重新廣播後被別人接走時，新的追蹤不受影響。
func (e *Engine) finishTrip(id types.QuestID, sessionID string, now time.Time) {
	e.mu.Lock()
	t, ok := e.trips[id]
	if !ok || t.sessionID != sessionID {
		e.mu.Unlock()
		return
	}
	delete(e.trips, id)
	e.mu.Unlock()

	e.tracker.Remove(t.sessionID)
	summary, err := e.integrity.Stop(t.sessionID, now)
	if err != nil {
		return
	}
	e.summaries.Add(id, summary)
	if e.analytics != nil {
		e.submit(taskAnalytics, t.sessionID, func(ctx context.Context) error {
			return e.analytics.RecordMovementSummary(ctx, summary)
		})
	}
}

// handleGhosting 處理放鴿子
//
// 任務重新廣播（新的決策視窗、清除接單者），接單者扣分並累計一次，
// 可靠度服務非同步通知，再推播給其他合格接單者。放鴿子是觀測事件，
// 只記錄日誌與指標，不回傳錯誤。
func (e *Engine) handleGhosting(ctx context.Context, s types.OnTheWaySession, at time.Time) {
	now := e.clock.Now()
	e.finishTrip(s.QuestID, s.ID, now)
	reopened, err := e.mutate(wal.EventRebroadcast, func() (types.Quest, error) {
		return e.book.Reopen(s.QuestID, now.Add(e.cfg.DecisionWindow()), now)
	})
	if err != nil {
		log.WarnContext(ctx, "Ghosted quest not rebroadcast", "quest_id", s.QuestID, "error", err)
		return
	}

	reason := reasonStationary
	if !s.NavigationStarted() && at.After(s.NavigationDeadline) {
		reason = reasonNavigationNotStarted
	}
	penalty := e.cfg.GhostingPenalty
	stats := e.live.Penalize(s.ActorID, penalty)

	log.InfoContext(ctx, "Ghosting detected",
		"quest_id", s.QuestID,
		"actor_id", s.ActorID,
		"session_id", s.ID,
		"reason", reason,
		"stationary", s.StationaryDuration,
		"reliability", stats.ReliabilityScore,
		"strikes", stats.GhostingStrikes)
	e.metrics.RecordGhosting()
	e.metrics.RecordQuestEvent(metrics.EventRebroadcast)

	if e.reliability != nil {
		e.submit(taskReliability, s.ActorID, func(ctx context.Context) error {
			return e.reliability.Penalize(ctx, s.ActorID, penalty)
		})
	}
	if e.analytics != nil {
		incident := types.GhostingIncident{
			QuestID:          s.QuestID,
			SessionID:        s.ID,
			ActorID:          s.ActorID,
			Reason:           reason,
			Penalty:          penalty,
			ReliabilityAfter: stats.ReliabilityScore,
			Strikes:          stats.GhostingStrikes,
			Stationary:       s.StationaryDuration,
			At:               now,
		}
		e.submit(taskAnalytics, s.ID, func(ctx context.Context) error {
			return e.analytics.RecordGhosting(ctx, incident)
		})
	}
	e.recordEvent(reopened, metrics.EventRebroadcast, s.ActorID)
	e.fanOut(reopened, s.ActorID)
}

// SampleMovement 對所有前往中的接單者取樣一次
//
// 有定位來源時以新的定位更新追蹤；取不到新定位時以目前時間檢查是否
// 已符合放鴿子條件。同時處理的 session 數受 SampleConcurrency 限制。
func (e *Engine) SampleMovement(ctx context.Context) error {
	sessions := e.tracker.Active()
	if len(sessions) == 0 {
		return nil
	}

	limit := e.cfg.SampleConcurrency
	if limit <= 0 {
		limit = 8
	}
	sem := semaphore.NewWeighted(int64(limit))
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range sessions {
		s := s
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			e.sample(gctx, s)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (e *Engine) sample(ctx context.Context, s types.OnTheWaySession) {
	if e.locations != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.NotifyTimeout())
		fix, err := e.locations.CurrentFix(fetchCtx, s.ActorID)
		cancel()

		switch {
		case err != nil:
			log.Debug("Movement sample fetch failed", "actor_id", s.ActorID, "error", err)
		case newerThanPath(s, fix):
			if t, err := e.tripFor(s.QuestID, s.ActorID); err == nil && t.sessionID == s.ID {
				if _, err := e.applyFix(ctx, s.QuestID, t, fix); err == nil {
					return
				}
			}
		}
	}

	now := e.clock.Now()
	risk, err := e.tracker.IsAtRisk(s.ID, now)
	if err != nil || !risk {
		return
	}
	ghost, changed, err := e.tracker.MarkGhosting(s.ID)
	if err != nil || !changed {
		return
	}
	e.handleGhosting(ctx, ghost, now)
}

// ============================================================================
// 地理圍欄
// ============================================================================

// RegisterGeofence 為任務註冊（或取代）圍欄
func (e *Engine) RegisterGeofence(taskID string, center types.Location, radius float64) (types.GeofenceRegion, error) {
	if radius == 0 {
		radius = e.cfg.GeofenceRadiusMeters
	}
	return e.geofence.Register(taskID, center, radius)
}

// CheckProximity 以接單者位置檢查圍欄
//
// 接單者在自己任務的圍欄內停留達門檻時，若啟用自動抵達則標記抵達。
func (e *Engine) CheckProximity(ctx context.Context, actorID string, loc types.Location) (*types.GeofenceRegion, []types.GeofenceEvent) {
	return e.checkProximity(ctx, actorID, loc, e.clock.Now())
}

func (e *Engine) checkProximity(ctx context.Context, actorID string, loc types.Location, now time.Time) (*types.GeofenceRegion, []types.GeofenceEvent) {
	region, events := e.geofence.CheckProximity(actorID, loc, now)
	for _, ev := range events {
		log.DebugContext(ctx, "Geofence event", "type", ev.Type, "task_id", ev.TaskID, "actor_id", actorID)
		if ev.Type != types.GeofenceDwelling || !e.cfg.AutoArriveOnDwell {
			continue
		}
		for id, t := range e.tripsOf(actorID) {
			if t.taskID != ev.TaskID {
				continue
			}
			_, arrived, err := e.tracker.MarkArrived(t.sessionID, now)
			if err != nil {
				continue
			}
			if arrived {
				log.InfoContext(ctx, "Arrival detected by geofence dwell", "quest_id", id, "actor_id", actorID)
			}
			e.arrive(ctx, id, actorID, now)
		}
	}
	return region, events
}

// ============================================================================
// 追蹤查詢
// ============================================================================

// Tracking 取得任務目前的 OnTheWay session
func (e *Engine) Tracking(id types.QuestID) (types.OnTheWaySession, error) {
	e.mu.Lock()
	t, ok := e.trips[id]
	e.mu.Unlock()
	if !ok {
		return types.OnTheWaySession{}, fmt.Errorf("quest %s: %w", id, tracker.ErrSessionNotFound)
	}
	return e.tracker.Get(t.sessionID)
}

// MovementSummary 取得任務的移動追蹤摘要
//
// 追蹤中的任務回傳即時摘要；已結束的回傳最後一次的最終摘要。
func (e *Engine) MovementSummary(id types.QuestID) (types.MovementSummary, error) {
	e.mu.Lock()
	t, ok := e.trips[id]
	e.mu.Unlock()
	if ok {
		return e.integrity.Summary(t.sessionID)
	}
	if v, ok := e.summaries.Get(id); ok {
		return v.(types.MovementSummary), nil
	}
	return types.MovementSummary{}, fmt.Errorf("quest %s: %w", id, integrity.ErrSessionNotFound)
}
