package worker

import (
	"context"
	"time"
)

// Task 代表要在 worker 上執行的一次外部呼叫（推播、可靠度回報、分析寫入等）
type Task struct {
	ID      string                          // 任務識別碼，用於日誌
	Kind    string                          // 任務類型，例如 "notify"、"reliability"
	Exec    func(ctx context.Context) error // 實際執行的函式
	Timeout time.Duration                   // 執行超時時間，0 表示使用 Pool 預設值
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	Kind     string        // 任務類型
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
