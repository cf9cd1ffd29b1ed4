package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuestEvent 任務生命週期事件，寫入分析 sink
type QuestEvent struct {
	QuestID      QuestID         `json:"quest_id"`
	Type         string          `json:"type"` // created, boosted, claimed, started, rebroadcast, expired, completed, cancelled
	ActorID      string          `json:"actor_id,omitempty"`
	State        QuestState      `json:"state"`
	TotalPayment decimal.Decimal `json:"total_payment"`
	At           time.Time       `json:"at"`
}

// GhostingIncident 接單後未前往的紀錄
type GhostingIncident struct {
	QuestID          QuestID       `json:"quest_id"`
	SessionID        string        `json:"session_id"`
	ActorID          string        `json:"actor_id"`
	Reason           string        `json:"reason"` // navigation_not_started, stationary
	Penalty          int           `json:"penalty"`
	ReliabilityAfter int           `json:"reliability_after"`
	Strikes          int           `json:"strikes"`
	Stationary       time.Duration `json:"stationary"`
	At               time.Time     `json:"at"`
}
