package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/quest-radar/pkg/types"
)

func TestMultiCallsEverySinkAndJoinsErrors(t *testing.T) {
	var calls []string
	record := func(name string, err error) Sink {
		return SinkFunc(func(ctx context.Context, actorIDs []string, summary types.QuestSummary) error {
			calls = append(calls, name)
			return err
		})
	}
	errA := errors.New("a down")
	errC := errors.New("c down")

	err := Multi{record("a", errA), record("b", nil), record("c", errC)}.
		Notify(context.Background(), []string{"actor-1"}, types.QuestSummary{QuestID: "q1"})

	assert.Equal(t, []string{"a", "b", "c"}, calls)
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errC)

	assert.NoError(t, Multi{record("only", nil)}.Notify(context.Background(), nil, types.QuestSummary{}))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	err := sink.Notify(context.Background(), []string{"a", "b"}, types.QuestSummary{
		QuestID:      "q-42",
		TotalPayment: decimal.RequireFromString("61.5"),
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "quest_id=q-42")
	assert.Contains(t, buf.String(), "actors=2")
	assert.Contains(t, buf.String(), "total_payment=61.50")
}
