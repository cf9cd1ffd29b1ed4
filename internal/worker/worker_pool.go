// ============================================================================
// quest-radar Worker Pool - 外部呼叫的非同步執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 以固定數量的 Worker 執行推播與外部 sink 呼叫，讓 tick 迴圈永遠不被網路 I/O 卡住
//
// 架構組件:
//   ┌─────────────┐
//   │   Engine    │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//    ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool 與 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 非阻塞提交；佇列已滿時回傳 ErrQueueFull
//   4. ReceiveResult() - 讀取執行結果
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成
//
// 並發控制:
//   - Submit 在持有 mu 的情況下做非阻塞發送，Stop 關閉 taskCh 前也需取得 mu，
//     因此不會向已關閉的 channel 發送
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrQueueFull 表示任務佇列已滿，任務被丟棄
	ErrQueueFull = errors.New("worker queue is full")
)

// DefaultTimeout 任務未指定超時時間時使用
const DefaultTimeout = 3 * time.Second

// Pool 代表 Worker 池
type Pool struct {
	workers        []*Worker
	taskCh         chan Task
	resultCh       chan Result
	stopCh         chan struct{}
	wg             sync.WaitGroup
	started        bool
	stopped        bool
	defaultTimeout time.Duration
	mu             sync.Mutex
}

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Pool{
		workers:        make([]*Worker, 0),
		taskCh:         make(chan Task, bufferSize),
		resultCh:       make(chan Result, bufferSize),
		stopCh:         make(chan struct{}),
		defaultTimeout: DefaultTimeout,
	}
}

// SetDefaultTimeout 設定任務預設超時，需在 Start 前呼叫
func (p *Pool) SetDefaultTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d > 0 {
		p.defaultTimeout = d
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.defaultTimeout)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 非阻塞地提交任務
//
// 錯誤處理：
//   - ErrPoolNotStarted / ErrPoolClosed: Pool 狀態不允許提交
//   - ErrQueueFull: 佇列已滿，呼叫端應記錄並放棄（下一次自然觸發時會重試）
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Results 回傳結果通道，Stop 後會被關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 stopCh
//  2. 關閉 taskCh，Worker 執行完佇列中的任務後退出
//  3. 等待所有 Worker 完成後關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Pending 回傳佇列中尚未被取走的任務數
func (p *Pool) Pending() int {
	return len(p.taskCh)
}
