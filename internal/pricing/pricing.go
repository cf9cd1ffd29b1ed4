// Package pricing 實作緊急任務的加價策略
//
// 報酬組成:
//
//	TotalPayment = CurrentPayment + UrgencyAmount
//	UrgencyAmount = BasePayment × UrgencyPremium（建立時抽樣一次）
//	CurrentPayment = BasePayment + Σ boosts
//
// 加價節奏是確定的：廣播中每經過一個 interval 應套用一次加價，
// 每次 Apply 最多補上一次。加價金額由注入的亂數來源決定，
// 因此只有「時間點」可被精確預測，「金額」只保證落在設定範圍內。
package pricing

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ChuLiYu/quest-radar/internal/config"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// Source 均勻分佈 [0,1) 的亂數來源，*rand.Rand 即滿足此介面
type Source interface {
	Float64() float64
}

// Policy 加價策略，可安全地被多個 goroutine 共用
type Policy struct {
	interval time.Duration
	boost    config.Range
	premium  config.Range

	mu  sync.Mutex // rand.Rand 本身不是執行緒安全
	rng Source
}

// New 以指定亂數來源建立策略
func New(cfg config.Engine, rng Source) *Policy {
	return &Policy{
		interval: cfg.BoostInterval(),
		boost:    cfg.BoostRange,
		premium:  cfg.UrgencyPremiumRange,
		rng:      rng,
	}
}

// NewSeeded 以固定 seed 建立策略；seed 為 0 時以目前時間為種子
func NewSeeded(cfg config.Engine, seed int64) *Policy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return New(cfg, rand.New(rand.NewSource(seed)))
}

// Interval 回傳加價間隔
func (p *Policy) Interval() time.Duration {
	return p.interval
}

func (p *Policy) draw(r config.Range) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return r.Min + p.rng.Float64()*(r.Max-r.Min)
}

// UrgencyPremium 抽樣緊急加成比例（例如 0.20 ~ 0.30）
func (p *Policy) UrgencyPremium() float64 {
	return p.draw(p.premium)
}

// UrgencyAmount 計算緊急加成金額，四捨五入到分
func UrgencyAmount(base decimal.Decimal, premium float64) decimal.Decimal {
	return base.Mul(decimal.NewFromFloat(premium)).Round(2)
}

// BoostAmount 抽樣一次加價金額，四捨五入到分
func (p *Policy) BoostAmount() decimal.Decimal {
	return decimal.NewFromFloat(p.draw(p.boost)).Round(2)
}

// ExpectedBoosts 計算截至 now 應已套用的加價次數
//
// 重新廣播的任務以 BoostBaseline 為起點，經過時間從 BroadcastAt 起算。
func (p *Policy) ExpectedBoosts(q *types.Quest, now time.Time) int {
	elapsed := now.Sub(q.BroadcastAt)
	if elapsed < 0 || p.interval <= 0 {
		return q.BoostBaseline
	}
	return q.BoostBaseline + int(elapsed/p.interval)
}

// Due 檢查任務目前是否應加價
func (p *Policy) Due(q *types.Quest, now time.Time) bool {
	if q.State != types.QuestBroadcasting {
		return false
	}
	return p.ExpectedBoosts(q, now) > q.BoostsApplied
}

// Apply 在到期時對任務套用一次加價
//
// 參數說明：
//   - q: 要加價的任務（會被直接修改，呼叫端需持有任務所在儲存的鎖）
//   - now: 當前時間
//
// 返回值：
//   - decimal.Decimal: 本次加價金額
//   - bool: 是否有套用加價
func (p *Policy) Apply(q *types.Quest, now time.Time) (decimal.Decimal, bool) {
	if !p.Due(q, now) {
		return decimal.Zero, false
	}

	amount := p.BoostAmount()
	q.CurrentPayment = q.CurrentPayment.Add(amount)
	q.BoostsApplied++
	q.SurgeMultiplier = SurgeMultiplier(q.CurrentPayment, q.BasePayment)
	q.UpdatedAt = now
	return amount, true
}

// SurgeMultiplier 回傳目前報酬相對於基本報酬的倍數
func SurgeMultiplier(current, base decimal.Decimal) float64 {
	if base.IsZero() {
		return 1
	}
	f, _ := current.Div(base).Round(4).Float64()
	return f
}
