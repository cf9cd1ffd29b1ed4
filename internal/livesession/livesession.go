// Package livesession 管理接單者的「即時可接單」模式：
// 開啟時的資格檢查、每 2 秒的位置回報、session 計數，以及跨 session 的可靠度統計。
//
// 結束 live 模式只會停止該 session 的定位輪詢，不會影響進行中的 OnTheWay 追蹤。
package livesession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ChuLiYu/quest-radar/internal/clock"
	"github.com/ChuLiYu/quest-radar/internal/config"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var log = slog.Default()

var (
	// ErrSessionNotFound 接單者不在 live 模式
	ErrSessionNotFound = errors.New("live session not found")
	// ErrAlreadyLive 接單者已有進行中的 live session
	ErrAlreadyLive = errors.New("actor already live")
	// ErrNotEligible 接單者不符合開啟 live 模式的條件
	ErrNotEligible = errors.New("actor not eligible for live mode")
)

// InitialReliability 新接單者的可靠度分數
const InitialReliability = 100

// movingSpeed 視為移動中的最低速度（m/s）
const movingSpeed = 0.5

// LocationProvider 外部定位來源
type LocationProvider interface {
	CurrentFix(ctx context.Context, actorID string) (types.TrackedLocation, error)
}

// ReliabilitySink 外部的接單者可靠度服務
type ReliabilitySink interface {
	Penalize(ctx context.Context, actorID string, delta int) error
	RecordCompletion(ctx context.Context, actorID string) error
}

// EligibilityLookup 查詢接單者資格（radar.Rule 滿足此介面）
type EligibilityLookup interface {
	Lookup(ctx context.Context, actorID string) (types.Eligibility, error)
}

// StartOptions 開啟 live 模式時的參數
type StartOptions struct {
	Location        types.Location
	Categories      []string
	MaxTravelMeters float64
	Battery         float64
	SignalQuality   float64
}

// Ping 一次裝置回報
type Ping struct {
	Location      types.Location
	Heading       float64
	Speed         float64
	Battery       float64
	SignalQuality float64
}

type liveEntry struct {
	session types.LiveSession
	cancel  context.CancelFunc
}

// Manager live session 管理器
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*liveEntry
	stats    map[string]*types.ActorStats

	provider    LocationProvider
	eligibility EligibilityLookup
	clock       clock.Clock

	pingInterval time.Duration
	fetchTimeout time.Duration
	minTier      int
	maxStrikes   int
	onFix        func(actorID string, fix types.TrackedLocation)
	wg           sync.WaitGroup
}

// Option 設定 Manager 的可選項
type Option func(*Manager)

// WithLocationProvider 啟用每個 session 的定位輪詢
func WithLocationProvider(p LocationProvider) Option {
	return func(m *Manager) { m.provider = p }
}

// WithEligibility 開啟 live 模式時檢查信任等級
func WithEligibility(e EligibilityLookup) Option {
	return func(m *Manager) { m.eligibility = e }
}

// WithFixHandler 每次輪詢取得定位後的回呼
func WithFixHandler(fn func(actorID string, fix types.TrackedLocation)) Option {
	return func(m *Manager) { m.onFix = fn }
}

// New 建立管理器
func New(cfg config.Engine, clk clock.Clock, opts ...Option) *Manager {
	m := &Manager{
		sessions:     make(map[string]*liveEntry),
		stats:        make(map[string]*types.ActorStats),
		clock:        clk,
		pingInterval: cfg.LivePingInterval(),
		fetchTimeout: cfg.NotifyTimeout(),
		minTier:      cfg.MinLiveTrustTier,
		maxStrikes:   cfg.MaxGhostingStrikes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// statsLocked 取得（必要時建立）接單者統計，呼叫端需持有鎖
func (m *Manager) statsLocked(actorID string) *types.ActorStats {
	s, ok := m.stats[actorID]
	if !ok {
		s = &types.ActorStats{ActorID: actorID, ReliabilityScore: InitialReliability, Earnings: decimal.Zero}
		m.stats[actorID] = s
	}
	return s
}

// Start 開啟 live 模式
//
// 錯誤處理：
//   - ErrAlreadyLive: 接單者已在 live 模式
//   - ErrNotEligible: 放鴿子次數達上限，或信任等級低於設定
func (m *Manager) Start(ctx context.Context, actorID string, opts StartOptions) (types.LiveSession, error) {
	m.mu.Lock()
	if _, ok := m.sessions[actorID]; ok {
		m.mu.Unlock()
		return types.LiveSession{}, ErrAlreadyLive
	}
	strikes := m.statsLocked(actorID).GhostingStrikes
	m.mu.Unlock()

	if m.maxStrikes > 0 && strikes >= m.maxStrikes {
		return types.LiveSession{}, fmt.Errorf("%w: %d ghosting strikes", ErrNotEligible, strikes)
	}
	if m.eligibility != nil && m.minTier > 0 {
		e, err := m.eligibility.Lookup(ctx, actorID)
		if err != nil {
			return types.LiveSession{}, fmt.Errorf("%w: %v", ErrNotEligible, err)
		}
		if e.TrustTier < m.minTier {
			return types.LiveSession{}, fmt.Errorf("%w: trust tier %d below %d", ErrNotEligible, e.TrustTier, m.minTier)
		}
	}

	now := m.clock.Now()
	entry := &liveEntry{session: types.LiveSession{
		ID:              uuid.NewString(),
		ActorID:         actorID,
		StartedAt:       now,
		LastPingAt:      now,
		Location:        opts.Location,
		Battery:         opts.Battery,
		SignalQuality:   opts.SignalQuality,
		Categories:      append([]string(nil), opts.Categories...),
		MaxTravelMeters: opts.MaxTravelMeters,
		Earnings:        decimal.Zero,
	}}

	m.mu.Lock()
	if _, ok := m.sessions[actorID]; ok {
		m.mu.Unlock()
		return types.LiveSession{}, ErrAlreadyLive
	}
	if m.provider != nil {
		pollCtx, cancel := context.WithCancel(context.Background())
		entry.cancel = cancel
		ticker := m.clock.NewTicker(m.pingInterval)
		m.wg.Add(1)
		go m.poll(pollCtx, actorID, ticker)
	}
	m.sessions[actorID] = entry
	m.statsLocked(actorID).Sessions++
	session := entry.session.Clone()
	m.mu.Unlock()

	log.Info("Live session started", "actor_id", actorID, "session_id", session.ID)
	return session, nil
}

// poll 依 live ping 間隔向定位來源取得位置
func (m *Manager) poll(ctx context.Context, actorID string, ticker clock.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
			fix, err := m.provider.CurrentFix(fetchCtx, actorID)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					log.Debug("Live location fetch failed", "actor_id", actorID, "error", err)
				}
				continue
			}
			speed := 0.0
			if fix.Speed != nil {
				speed = *fix.Speed
			}
			heading := 0.0
			if fix.Heading != nil {
				heading = *fix.Heading
			}
			if _, err := m.Ping(actorID, Ping{Location: fix.Point(), Speed: speed, Heading: heading}); err != nil {
				return
			}
			if m.onFix != nil {
				m.onFix(actorID, fix)
			}
		}
	}
}

// Ping 套用裝置回報；Battery/SignalQuality 為 0 時保留原值
func (m *Manager) Ping(actorID string, p Ping) (types.LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[actorID]
	if !ok {
		return types.LiveSession{}, ErrSessionNotFound
	}
	s := &e.session
	s.LastPingAt = m.clock.Now()
	s.Location = p.Location
	s.Heading = p.Heading
	s.Speed = p.Speed
	s.Moving = p.Speed >= movingSpeed
	if p.Battery > 0 {
		s.Battery = p.Battery
	}
	if p.SignalQuality > 0 {
		s.SignalQuality = p.SignalQuality
	}
	return s.Clone(), nil
}

// End 結束 live 模式，把 session 計數併入接單者統計
func (m *Manager) End(actorID string) (types.ActorStats, error) {
	m.mu.Lock()
	e, ok := m.sessions[actorID]
	if !ok {
		m.mu.Unlock()
		return types.ActorStats{}, ErrSessionNotFound
	}
	delete(m.sessions, actorID)

	s := e.session
	st := m.statsLocked(actorID)
	st.QuestsReceived += s.QuestsReceived
	st.QuestsAccepted += s.QuestsAccepted
	st.QuestsCompleted += s.QuestsCompleted
	st.Earnings = st.Earnings.Add(s.Earnings)
	if d := m.clock.Now().Sub(s.StartedAt); d > 0 {
		st.LiveDuration += d
	}
	out := *st
	m.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	log.Info("Live session ended", "actor_id", actorID, "session_id", s.ID,
		"received", s.QuestsReceived, "accepted", s.QuestsAccepted, "completed", s.QuestsCompleted)
	return out, nil
}

// IsLive 檢查接單者是否在 live 模式
func (m *Manager) IsLive(actorID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[actorID]
	return ok
}

// Get 取得接單者目前的 live session
func (m *Manager) Get(actorID string) (types.LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[actorID]
	if !ok {
		return types.LiveSession{}, ErrSessionNotFound
	}
	return e.session.Clone(), nil
}

// LiveActors 取得所有 live session（依 ActorID 排序）
func (m *Manager) LiveActors() []types.LiveSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.LiveSession, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// RecordReceived 記錄接單者收到推播
func (m *Manager) RecordReceived(actorIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range actorIDs {
		if e, ok := m.sessions[id]; ok {
			e.session.QuestsReceived++
		} else {
			m.statsLocked(id).QuestsReceived++
		}
	}
}

// RecordAccepted 記錄接單者接單
func (m *Manager) RecordAccepted(actorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[actorID]; ok {
		e.session.QuestsAccepted++
		return
	}
	m.statsLocked(actorID).QuestsAccepted++
}

// RecordCompleted 記錄接單者完成任務與收入
func (m *Manager) RecordCompleted(actorID string, earnings decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[actorID]; ok {
		e.session.QuestsCompleted++
		e.session.Earnings = e.session.Earnings.Add(earnings)
		return
	}
	st := m.statsLocked(actorID)
	st.QuestsCompleted++
	st.Earnings = st.Earnings.Add(earnings)
}

// Penalize 扣除可靠度分數（下限 0）並累計一次放鴿子
func (m *Manager) Penalize(actorID string, delta int) types.ActorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.statsLocked(actorID)
	st.ReliabilityScore -= delta
	if st.ReliabilityScore < 0 {
		st.ReliabilityScore = 0
	}
	st.GhostingStrikes++
	return *st
}

// Stats 取得接單者的累計統計（不含進行中 session 的計數）
func (m *Manager) Stats(actorID string) types.ActorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.stats[actorID]; ok {
		return *st
	}
	return types.ActorStats{ActorID: actorID, ReliabilityScore: InitialReliability, Earnings: decimal.Zero}
}

// Close 停止所有輪詢並等待結束
func (m *Manager) Close() {
	m.mu.Lock()
	for _, e := range m.sessions {
		if e.cancel != nil {
			e.cancel()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}
