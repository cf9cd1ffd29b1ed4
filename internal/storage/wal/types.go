package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the quest journal
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventCreated     EventType = "CREATED"     // Quest broadcast for the first time
	EventBoosted     EventType = "BOOSTED"     // Price escalation applied
	EventClaimed     EventType = "CLAIMED"     // Actor won the claim
	EventStarted     EventType = "STARTED"     // Actor arrived, work in progress
	EventRebroadcast EventType = "REBROADCAST" // Claim abandoned, quest back on the radar
	EventExpired     EventType = "EXPIRED"     // Decision window elapsed
	EventCompleted   EventType = "COMPLETED"   // Work confirmed
	EventCancelled   EventType = "CANCELLED"   // Poster withdrew the quest
)

// Event represents a journal record
//
// Payload carries the full quest after the transition, so replay is a plain
// last-write-wins upsert and never needs the snapshot to fill in fields.
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	QuestID   types.QuestID   `json:"quest_id"`  // Quest ID
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Payload   json.RawMessage `json:"payload"`   // JSON-encoded types.Quest
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// Quest decodes the payload
func (e Event) Quest() (types.Quest, error) {
	var q types.Quest
	if err := json.Unmarshal(e.Payload, &q); err != nil {
		return q, &CorruptionError{Seq: e.Seq, Offset: -1, Cause: err}
	}
	return q, nil
}

// EventHandler is the function type for processing journal events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
