package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ChuLiYu/quest-radar/internal/metrics"
	"github.com/ChuLiYu/quest-radar/internal/pricing"
	"github.com/ChuLiYu/quest-radar/internal/questbook"
	"github.com/ChuLiYu/quest-radar/internal/storage/wal"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// CreateRequest 發布緊急任務的參數
type CreateRequest struct {
	TaskID         string // 空白時使用任務 ID
	Title          string
	Category       string
	PosterID       string
	BasePayment    decimal.Decimal
	PosterLocation types.Location

	MaxRadiusMeters     float64 // 0 使用預設半徑
	MinTrustTier        int
	MinCompletedTasks   int
	MaxCancellationRate float64 // 0 表示不限制
}

func (r CreateRequest) validate() error {
	switch {
	case r.PosterID == "":
		return fmt.Errorf("%w: poster is required", ErrInvalidQuest)
	case !r.BasePayment.IsPositive():
		return fmt.Errorf("%w: base payment must be positive, got %s", ErrInvalidQuest, r.BasePayment)
	case !r.PosterLocation.Valid():
		return fmt.Errorf("%w: poster location %+v out of range", ErrInvalidQuest, r.PosterLocation)
	case r.MaxRadiusMeters < 0:
		return fmt.Errorf("%w: radius must not be negative", ErrInvalidQuest)
	case r.MaxCancellationRate < 0 || r.MaxCancellationRate > 1:
		return fmt.Errorf("%w: cancellation rate must be within [0, 1]", ErrInvalidQuest)
	case r.MinTrustTier < 0 || r.MinCompletedTasks < 0:
		return fmt.Errorf("%w: thresholds must not be negative", ErrInvalidQuest)
	}
	return nil
}

// CreateQuest 發布緊急任務並開始廣播
//
// 流程：
//  1. 驗證參數，抽樣緊急加成
//  2. 決策視窗 = now + decision window
//  3. 寫入任務簿與 journal
//  4. 非同步推播給範圍內合格的 live 接單者
func (e *Engine) CreateQuest(ctx context.Context, req CreateRequest) (types.Quest, error) {
	if err := req.validate(); err != nil {
		return types.Quest{}, err
	}

	now := e.clock.Now()
	id := types.QuestID(uuid.NewString())
	premium := e.pricing.UrgencyPremium()

	q := types.Quest{
		ID:                  id,
		TaskID:              req.TaskID,
		Title:               req.Title,
		Category:            req.Category,
		PosterID:            req.PosterID,
		CreatedAt:           now,
		BroadcastAt:         now,
		ExpiresAt:           now.Add(e.cfg.DecisionWindow()),
		UpdatedAt:           now,
		BasePayment:         req.BasePayment,
		UrgencyPremium:      premium,
		UrgencyAmount:       pricing.UrgencyAmount(req.BasePayment, premium),
		CurrentPayment:      req.BasePayment,
		SurgeMultiplier:     1,
		MaxRadiusMeters:     req.MaxRadiusMeters,
		PosterLocation:      req.PosterLocation,
		MinTrustTier:        req.MinTrustTier,
		MinCompletedTasks:   req.MinCompletedTasks,
		MaxCancellationRate: req.MaxCancellationRate,
		State:               types.QuestBroadcasting,
	}
	if q.TaskID == "" {
		q.TaskID = string(id)
	}
	if q.MaxRadiusMeters == 0 {
		q.MaxRadiusMeters = e.cfg.MaxRadiusMeters
	}
	if q.MaxCancellationRate == 0 {
		q.MaxCancellationRate = 1
	}

	created, err := e.mutate(wal.EventCreated, func() (types.Quest, error) {
		if err := e.book.Add(q); err != nil {
			return types.Quest{}, err
		}
		return q, nil
	})
	if err != nil {
		return types.Quest{}, err
	}

	log.InfoContext(ctx, "Quest created",
		"quest_id", created.ID,
		"task_id", created.TaskID,
		"total_payment", created.TotalPayment().StringFixed(2),
		"expires_at", created.ExpiresAt)
	e.metrics.RecordQuestEvent(metrics.EventCreated)
	e.recordEvent(created, metrics.EventCreated, created.PosterID)
	e.fanOut(created)
	return created, nil
}

// ClaimQuest 接單
//
// 先檢查資格（門檻與距離），再以 compare-and-set 搶單；成功後建立
// OnTheWay 追蹤、移動完整性追蹤，並在任務沒有圍欄時註冊一個。
//
// 錯誤處理：
//   - radar.ErrNotEligible: 不符合門檻或超出距離
//   - questbook.ErrAlreadyClaimed / ErrQuestExpired / ErrQuestNotFound / ErrQuestClosed
func (e *Engine) ClaimQuest(ctx context.Context, id types.QuestID, actorID string, at types.Location) (types.OnTheWaySession, error) {
	q, err := e.book.Get(id)
	if err != nil {
		return types.OnTheWaySession{}, err
	}
	if err := e.radar.Eligible(ctx, &q, actorID, at); err != nil {
		return types.OnTheWaySession{}, err
	}

	now := e.clock.Now()
	claimed, err := e.mutate(wal.EventClaimed, func() (types.Quest, error) {
		return e.book.Claim(id, actorID, now)
	})
	if err != nil {
		if errors.Is(err, questbook.ErrAlreadyClaimed) {
			e.metrics.RecordClaimConflict()
		}
		return types.OnTheWaySession{}, err
	}

	sessionID := uuid.NewString()
	session := e.tracker.Start(sessionID, id, actorID, at, claimed.PosterLocation, now)
	e.integrity.Start(sessionID, claimed.TaskID, actorID, now)
	if _, err := e.integrity.Record(sessionID, types.TrackedLocation{Lat: at.Lat, Lon: at.Lon, Timestamp: now}); err != nil {
		log.Warn("Failed to record claim location", "quest_id", id, "error", err)
	}
	if _, ok := e.geofence.Region(claimed.TaskID); !ok {
		if _, err := e.geofence.Register(claimed.TaskID, claimed.PosterLocation, e.cfg.GeofenceRadiusMeters); err != nil {
			log.Warn("Failed to register quest geofence", "quest_id", id, "error", err)
		}
	}

	e.mu.Lock()
	e.trips[id] = trip{sessionID: sessionID, actorID: actorID, taskID: claimed.TaskID}
	e.mu.Unlock()

	e.live.RecordAccepted(actorID)
	e.metrics.RecordClaim(now.Sub(claimed.BroadcastAt).Seconds())
	e.recordEvent(claimed, metrics.EventClaimed, actorID)

	log.InfoContext(ctx, "Quest claimed",
		"quest_id", id,
		"actor_id", actorID,
		"session_id", sessionID,
		"distance_m", int(session.DistanceRemaining),
		"eta", session.ETA.Round(time.Second))
	return session, nil
}

// CancelQuest 發布者取消仍在廣播中的任務
func (e *Engine) CancelQuest(ctx context.Context, id types.QuestID, posterID string) (types.Quest, error) {
	q, err := e.book.Get(id)
	if err != nil {
		return types.Quest{}, err
	}
	if q.PosterID != posterID {
		return types.Quest{}, ErrNotPoster
	}

	cancelled, err := e.mutate(wal.EventCancelled, func() (types.Quest, error) {
		return e.book.Cancel(id, e.clock.Now())
	})
	if err != nil {
		return types.Quest{}, err
	}
	e.geofence.Unregister(cancelled.TaskID)

	log.InfoContext(ctx, "Quest cancelled", "quest_id", id, "poster_id", posterID)
	e.metrics.RecordQuestEvent(metrics.EventCancelled)
	e.recordEvent(cancelled, metrics.EventCancelled, posterID)
	return cancelled, nil
}

// Tick 處理所有廣播中的任務
//
// now ≥ ExpiresAt 的任務過期；其餘任務到期時最多加價一次。
func (e *Engine) Tick(now time.Time) {
	start := time.Now()
	defer func() {
		e.metrics.ObserveTick(time.Since(start).Seconds())
	}()

	for _, q := range e.book.Broadcasting() {
		if !now.Before(q.ExpiresAt) {
			e.expire(q.ID, now)
			continue
		}
		if !e.pricing.Due(&q, now) {
			continue
		}
		boosted, err := e.mutate(wal.EventBoosted, func() (types.Quest, error) {
			updated, changed, err := e.book.Update(q.ID, func(stored *types.Quest) bool {
				_, applied := e.pricing.Apply(stored, now)
				return applied
			})
			if err == nil && !changed {
				err = errNoChange
			}
			return updated, err
		})
		if err != nil {
			continue
		}
		log.Debug("Quest boosted",
			"quest_id", boosted.ID,
			"boosts", boosted.BoostsApplied,
			"current_payment", boosted.CurrentPayment.StringFixed(2))
		e.metrics.RecordQuestEvent(metrics.EventBoosted)
		e.recordEvent(boosted, metrics.EventBoosted, "")
	}

	e.metrics.UpdateQuestStats(e.book.Stats())
	e.metrics.UpdateSessionStats(len(e.live.LiveActors()), len(e.tracker.Active()))
}

func (e *Engine) expire(id types.QuestID, now time.Time) {
	expired, err := e.mutate(wal.EventExpired, func() (types.Quest, error) {
		return e.book.Expire(id, now)
	})
	if err != nil {
		return
	}
	e.geofence.Unregister(expired.TaskID)
	log.Info("Quest expired",
		"quest_id", id,
		"boosts", expired.BoostsApplied,
		"rebroadcasts", expired.Rebroadcasts)
	e.metrics.RecordQuestEvent(metrics.EventExpired)
	e.recordEvent(expired, metrics.EventExpired, "")
}

// ============================================================================
// 查詢
// ============================================================================

// Quest 取得任務
func (e *Engine) Quest(id types.QuestID) (types.Quest, error) {
	return e.book.Get(id)
}

// Quests 取得指定狀態的任務，依建立時間排序
func (e *Engine) Quests(state types.QuestState) []types.Quest {
	return e.book.ByState(state)
}

// Stats 引擎目前的概況
type Stats struct {
	Quests           map[string]int `json:"quests"`
	LiveActors       int            `json:"live_actors"`
	TrackingSessions int            `json:"tracking_sessions"`
	Geofences        int            `json:"geofences"`
	JournalSeq       uint64         `json:"journal_seq"`
}

// Stats 取得引擎統計
func (e *Engine) Stats() Stats {
	s := Stats{
		Quests:           e.book.Stats(),
		LiveActors:       len(e.live.LiveActors()),
		TrackingSessions: len(e.tracker.Active()),
		Geofences:        e.geofence.Len(),
	}
	if e.journal != nil {
		s.JournalSeq = e.journal.GetLastSeq()
	}
	return s
}
