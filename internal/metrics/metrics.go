// ============================================================================
// quest-radar Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露派單引擎的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (CounterVec) - 累計值，只增不減：
//      - questradar_quests_total{event}: 任務生命週期事件
//        (created, claimed, started, expired, boosted, rebroadcast, completed, cancelled)
//      - questradar_ghosting_total: 接單後未前往的次數
//      - questradar_claim_conflicts_total: 搶單失敗次數
//      - questradar_notifications_total{result}: 推播結果 (sent, failed, dropped)
//      - questradar_movement_flags_total{flag}: 移動異常旗標
//
//   2. 性能指標 (Histogram)：
//      - questradar_time_to_claim_seconds: 廣播到接單的時間分佈
//      - questradar_tick_duration_seconds: 單次 tick 耗時
//
//   3. 狀態指標 (Gauge)：
//      - questradar_quests{state}: 各狀態任務數
//      - questradar_live_actors: 目前在線接單者
//      - questradar_tracking_sessions: 進行中的前往追蹤
//      - questradar_recovery_time_seconds: 最近一次恢復耗時
//
// Prometheus 查詢示例:
//
//   # 接單率
//   rate(questradar_quests_total{event="claimed"}[5m]) / rate(questradar_quests_total{event="created"}[5m])
//
//   # 95 分位接單時間
//   histogram_quantile(0.95, questradar_time_to_claim_seconds_bucket)
//
// ============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 任務事件標籤
const (
	EventCreated     = "created"
	EventClaimed     = "claimed"
	EventStarted     = "started"
	EventExpired     = "expired"
	EventBoosted     = "boosted"
	EventRebroadcast = "rebroadcast"
	EventCompleted   = "completed"
	EventCancelled   = "cancelled"
)

// 推播結果標籤
const (
	NotifySent    = "sent"
	NotifyFailed  = "failed"
	NotifyDropped = "dropped"
)

// Collector Prometheus 指標收集器
type Collector struct {
	quests         *prometheus.CounterVec
	ghosting       prometheus.Counter
	claimConflicts prometheus.Counter
	notifications  *prometheus.CounterVec
	movementFlags  *prometheus.CounterVec

	timeToClaim  prometheus.Histogram
	tickDuration prometheus.Histogram

	questsByState    *prometheus.GaugeVec
	liveActors       prometheus.Gauge
	trackingSessions prometheus.Gauge
	recoveryTime     prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		quests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questradar_quests_total",
			Help: "Quest lifecycle events by type",
		}, []string{"event"}),
		ghosting: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "questradar_ghosting_total",
			Help: "Claims abandoned without progress toward the quest",
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "questradar_claim_conflicts_total",
			Help: "Claim attempts rejected because the quest was no longer broadcasting",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questradar_notifications_total",
			Help: "Quest notifications by delivery result",
		}, []string{"result"}),
		movementFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questradar_movement_flags_total",
			Help: "Movement integrity flags raised",
		}, []string{"flag"}),
		timeToClaim: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "questradar_time_to_claim_seconds",
			Help:    "Seconds between broadcast and claim",
			Buckets: []float64{1, 3, 5, 10, 15, 20, 30, 45, 60},
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "questradar_tick_duration_seconds",
			Help:    "Engine tick processing time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		questsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "questradar_quests",
			Help: "Current number of quests by state",
		}, []string{"state"}),
		liveActors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "questradar_live_actors",
			Help: "Actors currently in live mode",
		}),
		trackingSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "questradar_tracking_sessions",
			Help: "Active on-the-way tracking sessions",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "questradar_recovery_time_seconds",
			Help: "Time taken to recover state at startup in seconds",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.quests,
		c.ghosting,
		c.claimConflicts,
		c.notifications,
		c.movementFlags,
		c.timeToClaim,
		c.tickDuration,
		c.questsByState,
		c.liveActors,
		c.trackingSessions,
		c.recoveryTime,
	)

	return c
}

// RecordQuestEvent 記錄任務生命週期事件
func (c *Collector) RecordQuestEvent(event string) {
	c.quests.WithLabelValues(event).Inc()
}

// RecordClaim 記錄成功接單與其等待時間
func (c *Collector) RecordClaim(waitSeconds float64) {
	c.quests.WithLabelValues(EventClaimed).Inc()
	c.timeToClaim.Observe(waitSeconds)
}

// RecordClaimConflict 記錄搶單失敗
func (c *Collector) RecordClaimConflict() {
	c.claimConflicts.Inc()
}

// RecordGhosting 記錄一次 ghosting
func (c *Collector) RecordGhosting() {
	c.ghosting.Inc()
}

// RecordNotification 記錄推播結果
func (c *Collector) RecordNotification(result string) {
	c.notifications.WithLabelValues(result).Inc()
}

// RecordMovementFlag 記錄新出現的移動異常旗標
func (c *Collector) RecordMovementFlag(flag string) {
	c.movementFlags.WithLabelValues(flag).Inc()
}

// ObserveTick 記錄一次 tick 的耗時
func (c *Collector) ObserveTick(seconds float64) {
	c.tickDuration.Observe(seconds)
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// UpdateQuestStats 以 questbook 的統計覆寫各狀態 gauge
func (c *Collector) UpdateQuestStats(byState map[string]int) {
	for state, n := range byState {
		c.questsByState.WithLabelValues(state).Set(float64(n))
	}
}

// UpdateSessionStats 更新在線與追蹤中的 session 數
func (c *Collector) UpdateSessionStats(live, tracking int) {
	c.liveActors.Set(float64(live))
	c.trackingSessions.Set(float64(tracking))
}
