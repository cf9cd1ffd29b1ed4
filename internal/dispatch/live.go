package dispatch

import (
	"context"

	"github.com/ChuLiYu/quest-radar/internal/livesession"
	"github.com/ChuLiYu/quest-radar/internal/radar"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// GoLive 接單者開啟即時接單模式
func (e *Engine) GoLive(ctx context.Context, actorID string, opts livesession.StartOptions) (types.LiveSession, error) {
	return e.live.Start(ctx, actorID, opts)
}

// EndLive 結束即時接單模式，回傳累計統計
func (e *Engine) EndLive(actorID string) (types.ActorStats, error) {
	return e.live.End(actorID)
}

// PingLive 套用 live 裝置回報
//
// 接單者有進行中的任務時，回報的位置也會更新前往追蹤與地理圍欄。
func (e *Engine) PingLive(actorID string, p livesession.Ping) (types.LiveSession, error) {
	s, err := e.live.Ping(actorID, p)
	if err != nil {
		return s, err
	}
	speed, heading := p.Speed, p.Heading
	e.onLiveFix(actorID, types.TrackedLocation{
		Lat:       p.Location.Lat,
		Lon:       p.Location.Lon,
		Timestamp: s.LastPingAt,
		Speed:     &speed,
		Heading:   &heading,
	})
	return s, nil
}

// onLiveFix live 輪詢或回報取得定位後，套用到該接單者的所有追蹤
//
// 定位來源可能重複回傳最後一筆定位，時間沒有比路徑最後一點新的不套用。
func (e *Engine) onLiveFix(actorID string, fix types.TrackedLocation) {
	if fix.Timestamp.IsZero() {
		fix.Timestamp = e.clock.Now()
	}
	ctx := context.Background()
	for id, t := range e.tripsOf(actorID) {
		s, err := e.tracker.Get(t.sessionID)
		if err != nil || !newerThanPath(s, fix) {
			continue
		}
		if _, err := e.applyFix(ctx, id, t, fix); err != nil {
			log.Debug("Live fix not applied", "quest_id", id, "actor_id", actorID, "error", err)
		}
	}
}

// LiveSession 取得接單者目前的 live session
func (e *Engine) LiveSession(actorID string) (types.LiveSession, error) {
	return e.live.Get(actorID)
}

// LiveActors 取得所有 live 接單者
func (e *Engine) LiveActors() []types.LiveSession {
	return e.live.LiveActors()
}

// ActorStats 取得接單者的累計統計
func (e *Engine) ActorStats(actorID string) types.ActorStats {
	return e.live.Stats(actorID)
}

// VisibleQuests 接單者在 loc 時雷達上可見的任務，依距離排序
//
// 非 live 接單者在任務廣播後的 head start 期間看不到任務。
func (e *Engine) VisibleQuests(ctx context.Context, actorID string, loc types.Location) []radar.VisibleQuest {
	return e.radar.VisibleQuests(ctx, actorID, loc, e.live.IsLive(actorID), e.book.Broadcasting())
}
