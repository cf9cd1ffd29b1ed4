// Package radar 決定接單者在雷達上可以看到哪些廣播中的任務，
// 以及哪些接單者有資格接收推播或接單。
//
// 可見條件（全部成立）:
//  1. 任務處於 broadcasting
//  2. 接單者與發布地點距離 ≤ MaxRadiusMeters
//  3. 信任等級、完成數、取消率滿足任務門檻
//  4. 接單者在 live 模式，或已超過 BroadcastAt + headStart
//
// 門檻資料來自外部的 EligibilityOracle，以 LRU + TTL 快取，
// 同一接單者的並發查詢透過 singleflight 合併成一次。
package radar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/quest-radar/internal/clock"
	"github.com/ChuLiYu/quest-radar/internal/config"
	"github.com/ChuLiYu/quest-radar/internal/geo"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var log = slog.Default()

// ErrNotEligible 接單者不符合任務門檻或超出距離
var ErrNotEligible = errors.New("actor not eligible for quest")

// EligibilityOracle 外部身分服務
type EligibilityOracle interface {
	Eligibility(ctx context.Context, actorID string) (types.Eligibility, error)
}

// OracleFunc 讓普通函式滿足 EligibilityOracle
type OracleFunc func(ctx context.Context, actorID string) (types.Eligibility, error)

func (f OracleFunc) Eligibility(ctx context.Context, actorID string) (types.Eligibility, error) {
	return f(ctx, actorID)
}

// VisibleQuest 可見任務與距離標註
type VisibleQuest struct {
	Quest          types.Quest `json:"quest"`
	DistanceMeters float64     `json:"distance_meters"`
}

// Candidate 推播候選人（通常來自 live session）
type Candidate struct {
	ActorID  string
	Location types.Location
}

type cachedEligibility struct {
	value     types.Eligibility
	fetchedAt time.Time
}

// Rule 雷達可見性規則
type Rule struct {
	oracle    EligibilityOracle
	clock     clock.Clock
	headStart time.Duration
	ttl       time.Duration
	cache     *lru.Cache
	group     singleflight.Group
}

// New 建立雷達規則
func New(cfg config.Engine, oracle EligibilityOracle, clk clock.Clock) (*Rule, error) {
	size := cfg.EligibilityCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create eligibility cache: %w", err)
	}
	return &Rule{
		oracle:    oracle,
		clock:     clk,
		headStart: cfg.HeadStart(),
		ttl:       cfg.EligibilityCacheTTL(),
		cache:     cache,
	}, nil
}

// Lookup 查詢接單者資格，優先使用未過期的快取
func (r *Rule) Lookup(ctx context.Context, actorID string) (types.Eligibility, error) {
	now := r.clock.Now()
	if v, ok := r.cache.Get(actorID); ok {
		entry := v.(cachedEligibility)
		if r.ttl <= 0 || now.Sub(entry.fetchedAt) < r.ttl {
			return entry.value, nil
		}
		r.cache.Remove(actorID)
	}

	v, err, _ := r.group.Do(actorID, func() (interface{}, error) {
		e, err := r.oracle.Eligibility(ctx, actorID)
		if err != nil {
			return nil, err
		}
		r.cache.Add(actorID, cachedEligibility{value: e, fetchedAt: now})
		return e, nil
	})
	if err != nil {
		return types.Eligibility{}, fmt.Errorf("eligibility lookup for %s: %w", actorID, err)
	}
	return v.(types.Eligibility), nil
}

// Invalidate 移除接單者的快取資格
func (r *Rule) Invalidate(actorID string) {
	r.cache.Remove(actorID)
}

// Visible 純函式判斷單一任務是否對接單者可見
//
// 返回值：
//   - float64: 接單者到發布地點的距離（公尺）
//   - bool: 是否可見
func (r *Rule) Visible(q *types.Quest, loc types.Location, elig types.Eligibility, live bool, now time.Time) (float64, bool) {
	if q.State != types.QuestBroadcasting {
		return 0, false
	}
	d, ok := withinReach(q, loc, elig)
	if !ok {
		return d, false
	}
	if !live && now.Before(q.BroadcastAt.Add(r.headStart)) {
		return d, false
	}
	return d, true
}

func withinReach(q *types.Quest, loc types.Location, elig types.Eligibility) (float64, bool) {
	d := geo.Distance(loc, q.PosterLocation)
	if d > q.MaxRadiusMeters {
		return d, false
	}
	return d, elig.Meets(q)
}

// VisibleQuests 篩選對接單者可見的任務，依距離遞增排序
//
// 資格查詢失敗時視為不可見，只記錄日誌不回傳錯誤。
func (r *Rule) VisibleQuests(ctx context.Context, actorID string, loc types.Location, live bool, quests []types.Quest) []VisibleQuest {
	elig, err := r.Lookup(ctx, actorID)
	if err != nil {
		log.Warn("Radar eligibility lookup failed", "actor_id", actorID, "error", err)
		return nil
	}

	now := r.clock.Now()
	out := make([]VisibleQuest, 0, len(quests))
	for i := range quests {
		if d, ok := r.Visible(&quests[i], loc, elig, live, now); ok {
			out = append(out, VisibleQuest{Quest: quests[i], DistanceMeters: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	return out
}

// Eligible 檢查接單者是否可接此任務（門檻與距離，不含 head start）
func (r *Rule) Eligible(ctx context.Context, q *types.Quest, actorID string, loc types.Location) error {
	elig, err := r.Lookup(ctx, actorID)
	if err != nil {
		log.Warn("Claim eligibility lookup failed", "actor_id", actorID, "quest_id", q.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrNotEligible, err)
	}
	d, ok := withinReach(q, loc, elig)
	if !ok {
		return fmt.Errorf("%w: distance %.0fm, tier %d", ErrNotEligible, d, elig.TrustTier)
	}
	return nil
}

// EligibleActors 從候選人中挑出應收到推播的接單者，依距離排序
//
// exclude 中的接單者（例如剛放鴿子的人）一律排除。
func (r *Rule) EligibleActors(ctx context.Context, q *types.Quest, candidates []Candidate, exclude ...string) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	type hit struct {
		id string
		d  float64
	}
	hits := make([]hit, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := skip[c.ActorID]; ok {
			continue
		}
		elig, err := r.Lookup(ctx, c.ActorID)
		if err != nil {
			log.Warn("Fan-out eligibility lookup failed", "actor_id", c.ActorID, "quest_id", q.ID, "error", err)
			continue
		}
		if d, ok := withinReach(q, c.Location, elig); ok {
			hits = append(hits, hit{id: c.ActorID, d: d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].d < hits[j].d })

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids
}
