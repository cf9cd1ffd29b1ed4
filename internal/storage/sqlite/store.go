// Package sqlite 將任務事件、ghosting 紀錄、移動摘要與可靠度異動寫入 SQLite，供事後分析。
//
// 寫入失敗只會回傳錯誤，呼叫端（dispatch 的 worker）負責記錄，不影響任務狀態。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/quest-radar/pkg/types"
)

// ErrNotInitialized store 尚未開啟或已關閉
var ErrNotInitialized = errors.New("sqlite store not initialized")

const timeLayout = time.RFC3339Nano

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
// path ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := "file::memory:?_pragma=foreign_keys(ON)"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// 單一連線：寫入序列化，也讓 :memory: 資料庫在連線間共享
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	return &Store{db: db}, nil
}

// OpenAndInit opens the store and ensures the schema exists.
func OpenAndInit(ctx context.Context, path string) (*Store, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS quest_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			quest_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			actor_id TEXT,
			state TEXT NOT NULL,
			total_payment TEXT NOT NULL,
			occurred_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_quest_events_quest ON quest_events(quest_id, occurred_at);`,
		`CREATE TABLE IF NOT EXISTS ghosting_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			quest_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			penalty INTEGER NOT NULL,
			reliability_after INTEGER NOT NULL,
			strikes INTEGER NOT NULL,
			stationary_ms INTEGER NOT NULL,
			occurred_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ghosting_events_actor ON ghosting_events(actor_id, occurred_at);`,
		`CREATE TABLE IF NOT EXISTS movement_summaries (
			session_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			status TEXT NOT NULL,
			flags TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			recommendation TEXT NOT NULL,
			sample_count INTEGER NOT NULL,
			distance_meters REAL NOT NULL,
			duration_ms INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_movement_summaries_task ON movement_summaries(task_id);`,
		`CREATE TABLE IF NOT EXISTS reliability_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor_id TEXT NOT NULL,
			delta INTEGER NOT NULL,
			reason TEXT NOT NULL,
			recorded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reliability_ledger_actor ON reliability_ledger(actor_id);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ============================================================================
// 寫入
// ============================================================================

// RecordQuestEvent persists one lifecycle event.
func (s *Store) RecordQuestEvent(ctx context.Context, e types.QuestEvent) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO quest_events (quest_id, event_type, actor_id, state, total_payment, occurred_at) VALUES (?, ?, ?, ?, ?, ?);`,
		string(e.QuestID),
		e.Type,
		nullable(e.ActorID),
		string(e.State),
		e.TotalPayment.StringFixed(2),
		e.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert quest event: %w", err)
	}
	return nil
}

// RecordGhosting persists a ghosting incident.
func (s *Store) RecordGhosting(ctx context.Context, g types.GhostingIncident) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ghosting_events (quest_id, session_id, actor_id, reason, penalty, reliability_after, strikes, stationary_ms, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		string(g.QuestID),
		g.SessionID,
		g.ActorID,
		g.Reason,
		g.Penalty,
		g.ReliabilityAfter,
		g.Strikes,
		g.Stationary.Milliseconds(),
		g.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert ghosting event: %w", err)
	}
	return nil
}

// RecordMovementSummary upserts the summary of a movement tracking session.
func (s *Store) RecordMovementSummary(ctx context.Context, m types.MovementSummary) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	var endedAt any
	if m.EndedAt != nil {
		endedAt = m.EndedAt.UTC().Format(timeLayout)
	}
	flags := make([]string, len(m.Flags))
	for i, f := range m.Flags {
		flags[i] = string(f)
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO movement_summaries (session_id, task_id, actor_id, status, flags, risk_level, recommendation, sample_count, distance_meters, duration_ms, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			flags = excluded.flags,
			risk_level = excluded.risk_level,
			recommendation = excluded.recommendation,
			sample_count = excluded.sample_count,
			distance_meters = excluded.distance_meters,
			duration_ms = excluded.duration_ms,
			ended_at = excluded.ended_at;`,
		m.SessionID,
		m.TaskID,
		m.ActorID,
		string(m.Status),
		strings.Join(flags, ","),
		string(m.RiskLevel),
		string(m.Recommendation),
		m.SampleCount,
		m.DistanceMeters,
		m.Duration.Milliseconds(),
		m.StartedAt.UTC().Format(timeLayout),
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert movement summary: %w", err)
	}
	return nil
}

// Penalize records a reliability deduction.
func (s *Store) Penalize(ctx context.Context, actorID string, delta int) error {
	return s.ledger(ctx, actorID, -delta, "ghosting")
}

// RecordCompletion records a completed quest in the reliability ledger.
func (s *Store) RecordCompletion(ctx context.Context, actorID string) error {
	return s.ledger(ctx, actorID, 0, "completion")
}

func (s *Store) ledger(ctx context.Context, actorID string, delta int, reason string) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reliability_ledger (actor_id, delta, reason) VALUES (?, ?, ?);`,
		actorID, delta, reason)
	if err != nil {
		return fmt.Errorf("insert reliability entry: %w", err)
	}
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// QuestEvents returns the events of one quest in insertion order.
func (s *Store) QuestEvents(ctx context.Context, questID types.QuestID) ([]types.QuestEvent, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT quest_id, event_type, COALESCE(actor_id, ''), state, total_payment, occurred_at
		 FROM quest_events WHERE quest_id = ? ORDER BY id;`, string(questID))
	if err != nil {
		return nil, fmt.Errorf("query quest events: %w", err)
	}
	defer rows.Close()

	var out []types.QuestEvent
	for rows.Next() {
		var (
			e                  types.QuestEvent
			id, state, payment string
			at                 string
		)
		if err := rows.Scan(&id, &e.Type, &e.ActorID, &state, &payment, &at); err != nil {
			return nil, fmt.Errorf("scan quest event: %w", err)
		}
		e.QuestID = types.QuestID(id)
		e.State = types.QuestState(state)
		if e.TotalPayment, err = decimal.NewFromString(payment); err != nil {
			return nil, fmt.Errorf("parse payment %q: %w", payment, err)
		}
		if e.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse occurred_at %q: %w", at, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GhostingIncidents returns the incidents of one actor, newest first.
func (s *Store) GhostingIncidents(ctx context.Context, actorID string, limit int) ([]types.GhostingIncident, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT quest_id, session_id, actor_id, reason, penalty, reliability_after, strikes, stationary_ms, occurred_at
		 FROM ghosting_events WHERE actor_id = ? ORDER BY id DESC LIMIT ?;`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ghosting events: %w", err)
	}
	defer rows.Close()

	var out []types.GhostingIncident
	for rows.Next() {
		var (
			g            types.GhostingIncident
			questID, at  string
			stationaryMs int64
		)
		if err := rows.Scan(&questID, &g.SessionID, &g.ActorID, &g.Reason, &g.Penalty, &g.ReliabilityAfter, &g.Strikes, &stationaryMs, &at); err != nil {
			return nil, fmt.Errorf("scan ghosting event: %w", err)
		}
		g.QuestID = types.QuestID(questID)
		g.Stationary = time.Duration(stationaryMs) * time.Millisecond
		if g.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse occurred_at %q: %w", at, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// MovementSummaries returns the stored summaries for a task.
func (s *Store) MovementSummaries(ctx context.Context, taskID string) ([]types.MovementSummary, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, task_id, actor_id, status, flags, risk_level, recommendation, sample_count, distance_meters, duration_ms, started_at, ended_at
		 FROM movement_summaries WHERE task_id = ? ORDER BY started_at;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query movement summaries: %w", err)
	}
	defer rows.Close()

	var out []types.MovementSummary
	for rows.Next() {
		var (
			m                               types.MovementSummary
			status, flags, risk, rec, start string
			durationMs                      int64
			ended                           sql.NullString
		)
		if err := rows.Scan(&m.SessionID, &m.TaskID, &m.ActorID, &status, &flags, &risk, &rec,
			&m.SampleCount, &m.DistanceMeters, &durationMs, &start, &ended); err != nil {
			return nil, fmt.Errorf("scan movement summary: %w", err)
		}
		m.Status = types.MovementStatus(status)
		m.RiskLevel = types.RiskLevel(risk)
		m.Recommendation = types.Recommendation(rec)
		m.Duration = time.Duration(durationMs) * time.Millisecond
		if flags != "" {
			for _, f := range strings.Split(flags, ",") {
				m.Flags = append(m.Flags, types.MovementFlag(f))
			}
		}
		if m.StartedAt, err = time.Parse(timeLayout, start); err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", start, err)
		}
		if ended.Valid {
			t, err := time.Parse(timeLayout, ended.String)
			if err != nil {
				return nil, fmt.Errorf("parse ended_at %q: %w", ended.String, err)
			}
			m.EndedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReliabilityTotals returns the summed ledger delta and completion count for an actor.
func (s *Store) ReliabilityTotals(ctx context.Context, actorID string) (delta, completions int, err error) {
	if s.db == nil {
		return 0, 0, ErrNotInitialized
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0), COALESCE(SUM(CASE WHEN reason = 'completion' THEN 1 ELSE 0 END), 0)
		 FROM reliability_ledger WHERE actor_id = ?;`, actorID)
	if err := row.Scan(&delta, &completions); err != nil {
		return 0, 0, fmt.Errorf("query reliability totals: %w", err)
	}
	return delta, completions, nil
}

// trustTierSteps 完成數達到各門檻時的信任等級
var trustTierSteps = []int{5, 20, 50}

// Eligibility derives an actor's eligibility from the reliability ledger.
// Each ghosting entry counts as a cancellation.
func (s *Store) Eligibility(ctx context.Context, actorID string) (types.Eligibility, error) {
	if s.db == nil {
		return types.Eligibility{}, ErrNotInitialized
	}
	var completions, ghostings int
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN reason = 'completion' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN reason = 'ghosting' THEN 1 ELSE 0 END), 0)
		 FROM reliability_ledger WHERE actor_id = ?;`, actorID)
	if err := row.Scan(&completions, &ghostings); err != nil {
		return types.Eligibility{}, fmt.Errorf("query eligibility: %w", err)
	}

	e := types.Eligibility{CompletedTasks: completions}
	for _, step := range trustTierSteps {
		if completions >= step {
			e.TrustTier++
		}
	}
	if total := completions + ghostings; total > 0 {
		e.CancellationRate = float64(ghostings) / float64(total)
	}
	return e, nil
}

// EventCounts returns how many quest events of each type were recorded.
func (s *Store) EventCounts(ctx context.Context) (map[string]int, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM quest_events GROUP BY event_type;`)
	if err != nil {
		return nil, fmt.Errorf("query event counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
