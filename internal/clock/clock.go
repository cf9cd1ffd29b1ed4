// Package clock 抽象時間來源，引擎所有週期行為（任務 tick、live 輪詢、移動取樣）
// 在測試中都能以手動時鐘推進，不需要 sleep。
package clock

import (
	"sync"
	"time"
)

// Clock 提供目前時間與週期 ticker
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker 在 Stop 之前持續從 C 送出 tick
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real 系統時鐘
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Manual 只在呼叫 Advance/Set 時前進的時鐘
//
// 由它建立的 ticker 在 Advance/Set 時觸發；接收端來不及讀取時丟棄 tick，與 time.Ticker 相同。
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManual 建立從 start 開始的手動時鐘
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 前進 d 並觸發到期的 ticker
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.fireLocked()
	m.mu.Unlock()
}

// Set 直接跳到 t；往回調不會觸發 ticker
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.fireLocked()
	m.mu.Unlock()
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{
		ch:     make(chan time.Time, 1),
		period: d,
		next:   m.now.Add(d),
	}
	m.tickers = append(m.tickers, t)
	return t
}

func (m *Manual) fireLocked() {
	live := m.tickers[:0]
	for _, t := range m.tickers {
		if t.isStopped() {
			continue
		}
		for !t.next.After(m.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
		live = append(live, t)
	}
	m.tickers = live
}

type manualTicker struct {
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *manualTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
