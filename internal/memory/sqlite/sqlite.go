// Package sqlite implements memory.SessionMemory on a local SQLite file
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/ferretbot/ferretbot/internal/memory"
)

// charsPerToken mirrors the context assembler's default token estimator so
// tokenLimit here means roughly the same thing it means there.
const charsPerToken = 4

// Store implements memory.SessionMemory backed by SQLite.
type Store struct {
	dbPath string
}

var _ memory.SessionMemory = (*Store)(nil)

// Open creates a Store backed by the SQLite file at dbPath, creating the
// schema if it does not already exist.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	s := &Store{dbPath: dbPath}
	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS conversation_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_conversation_turns_session
		ON conversation_turns(session_id, created_at)`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create index: %w", err)
	}
	return s, nil
}

func (s *Store) openDB() (*sql.DB, error) {
	return sql.Open("sqlite", s.dbPath)
}

// AppendTurn records one conversation turn for a session.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn memory.Turn) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx,
		`INSERT INTO conversation_turns (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, turn.Role, turn.Content, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: append turn: %w", err)
	}
	return nil
}

// CollectConversation returns the most recent turns for sessionID that fit
// within tokenLimit (estimated at charsPerToken characters per token),
// newest turns preferred, returned in chronological order. Turns dropped to
// stay within budget are folded into Summary.
func (s *Store) CollectConversation(ctx context.Context, sessionID string, tokenLimit int) (memory.CollectResult, error) {
	db, err := s.openDB()
	if err != nil {
		return memory.CollectResult{}, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT role, content, created_at FROM conversation_turns WHERE session_id = ? ORDER BY created_at DESC`,
		sessionID)
	if err != nil {
		return memory.CollectResult{}, fmt.Errorf("sqlite: query turns: %w", err)
	}
	defer rows.Close()

	var newestFirst []memory.Turn
	for rows.Next() {
		var t memory.Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.CreatedAt); err != nil {
			return memory.CollectResult{}, fmt.Errorf("sqlite: scan turn: %w", err)
		}
		newestFirst = append(newestFirst, t)
	}
	if err := rows.Err(); err != nil {
		return memory.CollectResult{}, fmt.Errorf("sqlite: iterate turns: %w", err)
	}

	budget := tokenLimit
	var kept []memory.Turn
	droppedCount := 0
	for _, t := range newestFirst {
		cost := estimateTokens(t.Content)
		if budget-cost < 0 {
			droppedCount++
			continue
		}
		budget -= cost
		kept = append(kept, t)
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	summary := ""
	if droppedCount > 0 {
		summary = fmt.Sprintf("%d earlier turn(s) omitted to fit the token budget.", droppedCount)
	}

	return memory.CollectResult{Turns: kept, Summary: summary}, nil
}

func estimateTokens(text string) int {
	n := len(text) / charsPerToken
	if n*charsPerToken < len(text) {
		n++
	}
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
