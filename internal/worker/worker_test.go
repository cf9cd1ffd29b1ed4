package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okTask(id string) Task {
	return Task{
		ID:      id,
		Kind:    "test",
		Exec:    func(ctx context.Context) error { return nil },
		Timeout: time.Second,
	}
}

// blockingTask waits until release is closed or ctx expires
func blockingTask(id string, release <-chan struct{}) Task {
	return Task{
		ID:   id,
		Kind: "test",
		Exec: func(ctx context.Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Timeout: 5 * time.Second,
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	err := pool.Start(8)
	require.NoError(t, err)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	err = pool.Start(4)
	assert.Error(t, err)

	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	var ran int32
	taskCount := 10
	for i := 0; i < taskCount; i++ {
		task := okTask(fmt.Sprintf("task-%d", i))
		task.Exec = func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}
		require.NoError(t, pool.Submit(task))
	}

	results := make(map[string]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.TaskID] = result
		assert.True(t, result.Success)
		assert.Equal(t, "test", result.Kind)
	}

	assert.Equal(t, taskCount, len(results))
	assert.Equal(t, int32(taskCount), atomic.LoadInt32(&ran))
}

func TestTimeout(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	task := blockingTask("timeout-task", make(chan struct{}))
	task.Timeout = time.Millisecond
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestFailureAndPanicAreReported(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	boom := errors.New("sink unavailable")
	require.NoError(t, pool.Submit(Task{ID: "fail", Exec: func(ctx context.Context) error { return boom }}))
	require.NoError(t, pool.Submit(Task{ID: "panic", Exec: func(ctx context.Context) error { panic("bad sink") }}))
	require.NoError(t, pool.Submit(Task{ID: "nil-exec"}))

	for i := 0; i < 3; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.False(t, result.Success, result.TaskID)
		switch result.TaskID {
		case "fail":
			assert.ErrorIs(t, result.Error, boom)
		case "panic":
			assert.Contains(t, result.Error.Error(), "panicked")
		}
	}

	// 發生 panic 後 worker 仍可繼續工作
	require.NoError(t, pool.Submit(okTask("after-panic")))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestDefaultTimeoutApplies(t *testing.T) {
	pool := NewPool(10)
	pool.SetDefaultTimeout(5 * time.Millisecond)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	task := blockingTask("no-timeout", make(chan struct{}))
	task.Timeout = 0
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(okTask(fmt.Sprintf("task-%d", index))))
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

func TestTasksRunInParallel(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	var inFlight, peak int32
	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(Task{
			ID: fmt.Sprintf("p-%d", i),
			Exec: func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&inFlight, -1)
				return nil
			},
			Timeout: time.Second,
		}))
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&peak) == 4 }, time.Second, time.Millisecond)
	close(release)
	for i := 0; i < 4; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// ============================================================================
// Back-pressure and Shutdown Tests
// ============================================================================

func TestSubmitNeverBlocks(t *testing.T) {
	bufferSize := 2
	pool := NewPool(bufferSize)
	require.NoError(t, pool.Start(1))

	release := make(chan struct{})
	require.NoError(t, pool.Submit(blockingTask("running", release)))
	require.Eventually(t, func() bool { return pool.Pending() == 0 }, time.Second, time.Millisecond)

	for i := 0; i < bufferSize; i++ {
		require.NoError(t, pool.Submit(okTask(fmt.Sprintf("queued-%d", i))))
	}

	done := make(chan error, 1)
	go func() { done <- pool.Submit(okTask("overflow")) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}

	close(release)
	pool.Stop()
}

func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(50)
	require.NoError(t, pool.Start(4))

	var ran int32
	taskCount := 20
	for i := 0; i < taskCount; i++ {
		task := okTask(fmt.Sprintf("task-%d", i))
		task.Exec = func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}
		require.NoError(t, pool.Submit(task))
	}

	goroutinesBefore := runtime.NumGoroutine()
	pool.Stop()
	time.Sleep(50 * time.Millisecond)

	// 已提交的任務在關閉前都會被執行
	assert.Equal(t, int32(taskCount), atomic.LoadInt32(&ran))
	assert.LessOrEqual(t, runtime.NumGoroutine(), goroutinesBefore)

	// resultCh 已關閉
	for range pool.Results() {
	}
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() { pool.Stop() })

	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	err := pool.Submit(okTask("task-after-stop"))
	assert.Equal(t, ErrPoolClosed, err)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	err := pool.Submit(okTask("task-before-start"))
	assert.Equal(t, ErrPoolNotStarted, err)
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000)
	_ = pool.Start(8)
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(okTask(fmt.Sprintf("task-%d", i)))
	}
}
