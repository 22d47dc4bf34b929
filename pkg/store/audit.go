// Package store persists the mitigation audit trail in Postgres: every
// action issued, every alert raised and every payload dropped after
// exhausting delivery retries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/AkarshYash/DDoS-Attack-Detection-By-Using-Machine-Learning/pkg/mitigation"
)

// ActionRecord is one persisted enforcement action.
type ActionRecord struct {
	ID        string    `json:"id" db:"id"`
	Identity  string    `json:"source_identity" db:"source_identity"`
	Kind      string    `json:"action" db:"action"`
	Score     float64   `json:"score" db:"score"`
	VerdictID string    `json:"verdict_id" db:"verdict_id"`
	IssuedAt  time.Time `json:"issued_at" db:"issued_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(dbURL string) (*AuditStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &AuditStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *AuditStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS mitigation_actions (
		id UUID PRIMARY KEY,
		source_identity VARCHAR(64) NOT NULL,
		action VARCHAR(16) NOT NULL,
		score DECIMAL(4,3) CHECK (score >= 0 AND score <= 1),
		verdict_id VARCHAR(64),
		issued_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS mitigation_alerts (
		id UUID PRIMARY KEY,
		source_identity VARCHAR(64) NOT NULL,
		severity VARCHAR(16) NOT NULL,
		attack_type VARCHAR(32),
		summary TEXT NOT NULL,
		verdict_id VARCHAR(64),
		issued_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS undelivered_payloads (
		id BIGSERIAL PRIMARY KEY,
		sink VARCHAR(64) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		payload_id VARCHAR(64) NOT NULL,
		source_identity VARCHAR(64) NOT NULL,
		last_error TEXT,
		dropped_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_actions_identity ON mitigation_actions(source_identity);
	CREATE INDEX IF NOT EXISTS idx_actions_issued ON mitigation_actions(issued_at);
	CREATE INDEX IF NOT EXISTS idx_alerts_identity ON mitigation_alerts(source_identity);
	CREATE INDEX IF NOT EXISTS idx_undelivered_sink ON undelivered_payloads(sink);`

	_, err := s.db.Exec(query)
	return err
}

func (s *AuditStore) RecordAction(ctx context.Context, a *mitigation.Action) error {
	query := `
	INSERT INTO mitigation_actions (id, source_identity, action, score, verdict_id, issued_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '0001-01-01T00:00:00Z'::timestamptz))`

	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Identity, string(a.Kind), a.Score, a.VerdictID, a.IssuedAt, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("record action %s: %w", a.ID, err)
	}
	return nil
}

func (s *AuditStore) RecordAlert(ctx context.Context, alert *mitigation.Alert) error {
	query := `
	INSERT INTO mitigation_alerts (id, source_identity, severity, attack_type, summary, verdict_id, issued_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		alert.ID, alert.Identity, string(alert.Severity), alert.AttackType,
		alert.Summary, alert.VerdictID, alert.IssuedAt)
	if err != nil {
		return fmt.Errorf("record alert %s: %w", alert.ID, err)
	}
	return nil
}

// RecordUndelivered keeps evidence for payloads dropped by the dispatcher.
func (s *AuditStore) RecordUndelivered(ctx context.Context, sink, kind, payloadID, identity, lastErr string) error {
	query := `
	INSERT INTO undelivered_payloads (sink, kind, payload_id, source_identity, last_error)
	VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, sink, kind, payloadID, identity, lastErr)
	if err != nil {
		return fmt.Errorf("record undelivered %s: %w", payloadID, err)
	}
	return nil
}

// RecentActions returns the latest actions for one identity, newest first.
func (s *AuditStore) RecentActions(ctx context.Context, identity string, limit int) ([]ActionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
	SELECT id, source_identity, action, score, COALESCE(verdict_id, ''), issued_at,
		   COALESCE(expires_at, '0001-01-01T00:00:00Z'::timestamptz)
	FROM mitigation_actions
	WHERE source_identity = $1
	ORDER BY issued_at DESC
	LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions for %s: %w", identity, err)
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var r ActionRecord
		if err := rows.Scan(&r.ID, &r.Identity, &r.Kind, &r.Score, &r.VerdictID, &r.IssuedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *AuditStore) Close() error { return s.db.Close() }
