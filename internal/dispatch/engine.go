// ============================================================================
// quest-radar 派單引擎 - 系統核心協調者
// ============================================================================
//
// Package: internal/dispatch
// 文件: engine.go
// 功能: 整合任務簿、加價、雷達、追蹤、地理圍欄、移動完整性與 live session
//
// 架構設計:
//
//	┌────────────────────────────────────────────────────────┐
//	│                       Engine                           │
//	│  ┌───────────┐  ┌──────────┐  ┌──────────┐             │
//	│  │ questbook │  │  radar   │  │ pricing  │             │
//	│  └───────────┘  └──────────┘  └──────────┘             │
//	│  ┌───────────┐  ┌──────────┐  ┌───────────┐            │
//	│  │  tracker  │  │ geofence │  │ integrity │            │
//	│  └───────────┘  └──────────┘  └───────────┘            │
//	│  ┌─────────────┐  ┌─────────────┐  ┌─────────┐         │
//	│  │ livesession │  │ worker.Pool │  │ metrics │         │
//	│  └─────────────┘  └─────────────┘  └─────────┘         │
//	│  ┌─────┐  ┌──────────┐                                 │
//	│  │ WAL │  │ Snapshot │                                 │
//	│  └─────┘  └──────────┘                                 │
//	└────────────────────────────────────────────────────────┘
//
// 背景迴圈:
//   1. tickLoop: 每秒處理過期與加價
//   2. sampleLoop: 每 30 秒向定位來源取樣，偵測放鴿子
//   3. snapshotLoop: 定期快照並輪替 journal
//   4. resultLoop: 收集 worker 執行結果（推播、分析、可靠度回報）
//
// 崩潰恢復流程:
//   1. 載入快照（若存在）
//   2. 重放快照之後的 journal 事件
//   3. 已接單但尚未抵達的任務重新廣播（追蹤 session 只存在記憶體）
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/quest-radar/internal/clock"
	"github.com/ChuLiYu/quest-radar/internal/config"
	"github.com/ChuLiYu/quest-radar/internal/geofence"
	"github.com/ChuLiYu/quest-radar/internal/integrity"
	"github.com/ChuLiYu/quest-radar/internal/livesession"
	"github.com/ChuLiYu/quest-radar/internal/metrics"
	"github.com/ChuLiYu/quest-radar/internal/notify"
	"github.com/ChuLiYu/quest-radar/internal/pricing"
	"github.com/ChuLiYu/quest-radar/internal/questbook"
	"github.com/ChuLiYu/quest-radar/internal/radar"
	"github.com/ChuLiYu/quest-radar/internal/snapshot"
	"github.com/ChuLiYu/quest-radar/internal/storage/wal"
	"github.com/ChuLiYu/quest-radar/internal/tracker"
	"github.com/ChuLiYu/quest-radar/internal/worker"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var log = slog.Default()

var (
	// ErrInvalidQuest 建立任務的參數不合法
	ErrInvalidQuest = errors.New("invalid quest")
	// ErrNotPoster 只有發布者可以取消任務
	ErrNotPoster = errors.New("actor is not the quest poster")
	// ErrNotAssignee 接單者不是任務目前的持有人
	ErrNotAssignee = errors.New("actor is not assigned to quest")
	// ErrAlreadyStarted 引擎已啟動
	ErrAlreadyStarted = errors.New("engine already started")
)

// summaryCacheSize 保留已結束移動追蹤摘要的數量
const summaryCacheSize = 1024

// AnalyticsSink 任務事件的分析儲存（sqlite.Store 滿足此介面）
type AnalyticsSink interface {
	RecordQuestEvent(ctx context.Context, e types.QuestEvent) error
	RecordGhosting(ctx context.Context, g types.GhostingIncident) error
	RecordMovementSummary(ctx context.Context, m types.MovementSummary) error
}

// Deps 引擎的外部依賴；除 Oracle 外都可省略
type Deps struct {
	Config config.Engine
	Clock  clock.Clock

	Oracle      radar.EligibilityOracle
	Pricing     *pricing.Policy             // nil 時依 Config.RandomSeed 建立
	Notifier    notify.Sink                 // nil 時只寫日誌
	Analytics   AnalyticsSink               // nil 時不記錄
	Reliability livesession.ReliabilitySink // nil 時只在本地扣分
	Locations   livesession.LocationProvider
	Metrics     *metrics.Collector // nil 時註冊到私有 registry

	Journal          *wal.WAL          // nil 時不持久化
	Snapshots        *snapshot.Manager // nil 時不快照
	SnapshotInterval time.Duration
	SnapshotBackups  int
}

// trip 一次接單從接單到完成的追蹤資訊
type trip struct {
	sessionID string // tracker 與 integrity 共用的 session ID
	actorID   string
	taskID    string
}

// Engine 派單引擎
type Engine struct {
	cfg   config.Engine
	clock clock.Clock

	book      *questbook.Book
	pricing   *pricing.Policy
	radar     *radar.Rule
	tracker   *tracker.Tracker
	geofence  *geofence.Monitor
	integrity *integrity.Monitor
	live      *livesession.Manager
	pool      *worker.Pool
	metrics   *metrics.Collector
	summaries *lru.Cache // questID → types.MovementSummary

	notifier    notify.Sink
	analytics   AnalyticsSink
	reliability livesession.ReliabilitySink
	locations   livesession.LocationProvider

	journal          *wal.WAL
	snapshots        *snapshot.Manager
	snapshotInterval time.Duration
	snapshotBackups  int

	// persistMu 狀態轉換與 journal 寫入持讀鎖，快照與 journal 輪替持寫鎖
	persistMu   sync.RWMutex
	snapshotSeq uint64 // 最近一次快照涵蓋的 journal 序號

	mu    sync.Mutex
	trips map[types.QuestID]trip

	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	started   bool
	stopped   bool
	startTime time.Time
}

// New 建立引擎
func New(deps Deps) (*Engine, error) {
	if deps.Oracle == nil {
		return nil, errors.New("dispatch: eligibility oracle is required")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	rule, err := radar.New(deps.Config, deps.Oracle, clk)
	if err != nil {
		return nil, err
	}
	summaries, err := lru.New(summaryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create summary cache: %w", err)
	}

	e := &Engine{
		cfg:              deps.Config,
		clock:            clk,
		book:             questbook.New(),
		pricing:          deps.Pricing,
		radar:            rule,
		tracker:          tracker.New(deps.Config),
		geofence:         geofence.New(deps.Config.DwellThreshold()),
		integrity:        integrity.NewMonitor(integrity.NewAnalyzer(integrity.ThresholdsFrom(deps.Config))),
		metrics:          deps.Metrics,
		summaries:        summaries,
		notifier:         deps.Notifier,
		analytics:        deps.Analytics,
		reliability:      deps.Reliability,
		locations:        deps.Locations,
		journal:          deps.Journal,
		snapshots:        deps.Snapshots,
		snapshotInterval: deps.SnapshotInterval,
		snapshotBackups:  deps.SnapshotBackups,
		trips:            make(map[types.QuestID]trip),
		stopCh:           make(chan struct{}),
	}
	if e.pricing == nil {
		e.pricing = pricing.NewSeeded(deps.Config, deps.Config.RandomSeed)
	}
	if e.notifier == nil {
		e.notifier = notify.LogSink{}
	}
	if e.metrics == nil {
		e.metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	if e.snapshotInterval <= 0 {
		e.snapshotInterval = 30 * time.Second
	}

	opts := []livesession.Option{
		livesession.WithEligibility(rule),
		livesession.WithFixHandler(e.onLiveFix),
	}
	if deps.Locations != nil {
		opts = append(opts, livesession.WithLocationProvider(deps.Locations))
	}
	e.live = livesession.New(deps.Config, clk, opts...)

	queue := deps.Config.NotifyQueueSize
	if queue <= 0 {
		queue = 256
	}
	e.pool = worker.NewPool(queue)
	e.pool.SetDefaultTimeout(deps.Config.NotifyTimeout())

	return e, nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 執行崩潰恢復並啟動背景迴圈
//
// 啟動順序:
//  1. 載入快照並重放 journal
//  2. 重新廣播恢復出來的已接單任務
//  3. 啟動 worker pool 與背景迴圈
//  4. 對重新廣播的任務推播
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.startTime = time.Now()
	e.mu.Unlock()

	log.Info("Starting dispatch engine...")

	recoveryStart := time.Now()
	if err := e.loadSnapshot(); err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := e.replayJournal(); err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}
	reopened := e.reopenOrphanedClaims()

	recovery := time.Since(recoveryStart)
	e.metrics.SetRecoveryTime(recovery.Seconds())
	log.Info("Recovery completed",
		"duration", recovery,
		"quests", e.book.Len(),
		"rebroadcast", len(reopened))

	workers := e.cfg.NotifyWorkers
	if workers <= 0 {
		workers = 4
	}
	if err := e.pool.Start(workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	e.loopWg.Add(3)
	go e.tickLoop()
	go e.sampleLoop()
	go e.resultLoop()
	if e.snapshots != nil {
		e.loopWg.Add(1)
		go e.snapshotLoop()
	}

	for _, q := range reopened {
		e.fanOut(q)
	}

	log.Info("Dispatch engine started", "workers", workers)
	return nil
}

// Stop 停止引擎
//
// 關閉順序:
//  1. 關閉 stopCh，通知所有迴圈退出
//  2. 停止 live session 輪詢
//  3. 停止 worker pool（執行完佇列中的任務）
//  4. 等待迴圈結束
//  5. 最後一次快照並關閉 journal
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	log.Info("Stopping dispatch engine...")

	close(e.stopCh)
	e.live.Close()
	e.pool.Stop()
	e.loopWg.Wait()

	var errs []error
	if started && e.snapshots != nil {
		if err := e.takeSnapshot(); err != nil {
			errs = append(errs, fmt.Errorf("final snapshot: %w", err))
		}
	}
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}

	log.Info("Dispatch engine stopped")
	return errors.Join(errs...)
}

// Uptime 回傳引擎啟動後經過的時間
func (e *Engine) Uptime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return 0
	}
	return time.Since(e.startTime)
}

// ============================================================================
// 崩潰恢復
// ============================================================================

// loadSnapshot 從快照恢復任務簿
func (e *Engine) loadSnapshot() error {
	if e.snapshots == nil {
		return nil
	}
	data, err := e.snapshots.Load()
	if err != nil {
		return err
	}
	if err := e.book.Restore(data); err != nil {
		return err
	}
	e.snapshotSeq = data.LastSeq
	if e.journal != nil {
		e.journal.ResumeAfter(data.LastSeq)
	}
	log.Info("Snapshot loaded", "quests", len(data.Quests), "last_seq", data.LastSeq)
	return nil
}

// replayJournal 重放快照之後的 journal 事件
//
// 每筆事件帶有轉換後的完整任務，重放即依序覆寫。
func (e *Engine) replayJournal() error {
	if e.journal == nil {
		return nil
	}
	count := 0
	err := e.journal.ReplayFrom(e.snapshotSeq, func(ev wal.Event) error {
		q, err := ev.Quest()
		if err != nil {
			return fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		e.book.Put(q)
		count++
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("Journal replayed", "events", count, "after_seq", e.snapshotSeq)
	return nil
}

// reopenOrphanedClaims 恢復後仍在 claimed 狀態的任務沒有追蹤 session，重新廣播
func (e *Engine) reopenOrphanedClaims() []types.Quest {
	now := e.clock.Now()
	var out []types.Quest
	for _, q := range e.book.ByState(types.QuestClaimed) {
		actor := q.AssignedActorID
		reopened, err := e.mutate(wal.EventRebroadcast, func() (types.Quest, error) {
			return e.book.Reopen(q.ID, now.Add(e.cfg.DecisionWindow()), now)
		})
		if err != nil {
			log.Warn("Failed to rebroadcast recovered claim", "quest_id", q.ID, "error", err)
			continue
		}
		log.Info("Recovered claim rebroadcast", "quest_id", q.ID, "previous_actor", actor)
		e.metrics.RecordQuestEvent(metrics.EventRebroadcast)
		e.recordEvent(reopened, metrics.EventRebroadcast, actor)
		out = append(out, reopened)
	}
	return out
}

// ============================================================================
// 持久化
// ============================================================================

// errNoChange 狀態沒有變化，不寫 journal
var errNoChange = errors.New("no change")

// mutate 執行一次狀態轉換並寫入 journal
//
// journal 寫入失敗只記錄日誌：記憶體中的狀態已經轉換，下一次快照會涵蓋它。
func (e *Engine) mutate(ev wal.EventType, fn func() (types.Quest, error)) (types.Quest, error) {
	e.persistMu.RLock()
	defer e.persistMu.RUnlock()

	q, err := fn()
	if err != nil {
		return q, err
	}
	if e.journal != nil {
		if _, err := e.journal.Append(ev, q, e.clock.Now()); err != nil {
			log.Error("Failed to journal quest event", "quest_id", q.ID, "event", ev, "error", err)
		}
	}
	return q, nil
}

// takeSnapshot 保存快照並輪替 journal
//
// 持有 persistMu 寫鎖，快照內容與 journal 序號一致，輪替時不會漏掉事件。
func (e *Engine) takeSnapshot() error {
	if e.snapshots == nil {
		return nil
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	var lastSeq uint64
	if e.journal != nil {
		if err := e.journal.Flush(); err != nil {
			return fmt.Errorf("failed to flush journal: %w", err)
		}
		lastSeq = e.journal.GetLastSeq()
	}

	data := e.book.Snapshot(lastSeq)
	if err := e.snapshots.WriteWithBackup(data, e.snapshotBackups); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	e.snapshotSeq = lastSeq

	if e.journal != nil && lastSeq > 0 {
		archived, err := e.journal.Rotate()
		if err != nil {
			log.Warn("Failed to rotate journal", "error", err)
		} else {
			log.Debug("Journal rotated", "archive", archived)
		}
	}

	log.Info("Snapshot saved", "quests", len(data.Quests), "last_seq", lastSeq)
	return nil
}

// ============================================================================
// 背景迴圈
// ============================================================================

// tickLoop 定期處理過期與加價
func (e *Engine) tickLoop() {
	defer e.loopWg.Done()

	ticker := e.clock.NewTicker(e.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C():
			e.Tick(now)
		}
	}
}

// sampleLoop 定期取樣追蹤中的接單者位置
func (e *Engine) sampleLoop() {
	defer e.loopWg.Done()

	ticker := e.clock.NewTicker(e.cfg.MovementSampleInterval())
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.stopCh
		cancel()
	}()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C():
			if err := e.SampleMovement(ctx); err != nil && ctx.Err() == nil {
				log.Warn("Movement sampling failed", "error", err)
			}
		}
	}
}

// snapshotLoop 定期快照
func (e *Engine) snapshotLoop() {
	defer e.loopWg.Done()

	ticker := e.clock.NewTicker(e.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C():
			if err := e.takeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// resultLoop 收集 worker 結果，直到 pool 關閉結果通道
func (e *Engine) resultLoop() {
	defer e.loopWg.Done()

	for result := range e.pool.Results() {
		if result.Kind == taskNotify {
			if result.Success {
				e.metrics.RecordNotification(metrics.NotifySent)
			} else {
				e.metrics.RecordNotification(metrics.NotifyFailed)
			}
		}
		if !result.Success {
			log.Warn("Background task failed",
				"task_id", result.TaskID,
				"kind", result.Kind,
				"duration", result.Duration,
				"error", result.Error)
		}
	}
}

// ============================================================================
// 背景任務
// ============================================================================

const (
	taskNotify      = "notify"
	taskAnalytics   = "analytics"
	taskReliability = "reliability"
)

// submit 交給 worker pool 非同步執行；佇列已滿或 pool 未啟動時放棄
func (e *Engine) submit(kind, id string, fn func(ctx context.Context) error) bool {
	err := e.pool.Submit(worker.Task{ID: id, Kind: kind, Exec: fn})
	if err != nil {
		log.Debug("Background task dropped", "kind", kind, "task_id", id, "error", err)
		if kind == taskNotify {
			e.metrics.RecordNotification(metrics.NotifyDropped)
		}
		return false
	}
	return true
}

// recordEvent 非同步寫入分析事件
func (e *Engine) recordEvent(q types.Quest, event, actorID string) {
	if e.analytics == nil {
		return
	}
	ev := types.QuestEvent{
		QuestID:      q.ID,
		Type:         event,
		ActorID:      actorID,
		State:        q.State,
		TotalPayment: q.TotalPayment(),
		At:           e.clock.Now(),
	}
	e.submit(taskAnalytics, string(q.ID)+"/"+event, func(ctx context.Context) error {
		return e.analytics.RecordQuestEvent(ctx, ev)
	})
}

// fanOut 非同步推播任務給合格的 live 接單者
//
// exclude 中的接單者（例如剛放鴿子的人）不會收到推播。
func (e *Engine) fanOut(q types.Quest, exclude ...string) {
	live := e.live.LiveActors()
	if len(live) == 0 {
		return
	}
	candidates := make([]radar.Candidate, 0, len(live))
	for _, s := range live {
		candidates = append(candidates, radar.Candidate{ActorID: s.ActorID, Location: s.Location})
	}

	e.submit(taskNotify, string(q.ID), func(ctx context.Context) error {
		actors := e.radar.EligibleActors(ctx, &q, candidates, exclude...)
		if len(actors) == 0 {
			return nil
		}
		e.live.RecordReceived(actors...)
		if err := e.notifier.Notify(ctx, actors, q.Summary()); err != nil {
			return fmt.Errorf("notify %d actors: %w", len(actors), err)
		}
		log.Debug("Quest fanned out", "quest_id", q.ID, "actors", len(actors))
		return nil
	})
}
