// Package notify 定義推播任務給接單者的 sink，以及幾個組合用的實作。
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// Sink 將任務摘要推播給一組接單者
type Sink interface {
	Notify(ctx context.Context, actorIDs []string, summary types.QuestSummary) error
}

// SinkFunc 讓一般函式滿足 Sink
type SinkFunc func(ctx context.Context, actorIDs []string, summary types.QuestSummary) error

// Notify implements Sink.
func (f SinkFunc) Notify(ctx context.Context, actorIDs []string, summary types.QuestSummary) error {
	return f(ctx, actorIDs, summary)
}

// LogSink 只寫日誌，沒有設定外部推播時使用
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (s LogSink) Notify(ctx context.Context, actorIDs []string, summary types.QuestSummary) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Quest notification",
		"quest_id", summary.QuestID,
		"actors", len(actorIDs),
		"total_payment", summary.TotalPayment.StringFixed(2),
		"expires_at", summary.ExpiresAt)
	return nil
}

// Multi 依序呼叫每個 sink，回傳所有錯誤的合併結果
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, actorIDs []string, summary types.QuestSummary) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, actorIDs, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
