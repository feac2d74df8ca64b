package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"support-platform/internal/calls"
	"support-platform/internal/protocol"
	"support-platform/pkg/utils"
)

// Schema creates the tables PostgresRepo expects. Records are written once
// when a session becomes terminal and never updated.
const Schema = `
CREATE TABLE IF NOT EXISTS call_records (
	session_id        TEXT PRIMARY KEY,
	state             TEXT NOT NULL,
	reason            TEXT NOT NULL DEFAULT '',
	customer_identity TEXT NOT NULL,
	customer_name     TEXT NOT NULL DEFAULT '',
	customer_phone    TEXT NOT NULL DEFAULT '',
	agent_identity    TEXT NOT NULL DEFAULT '',
	ended_by          TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	accepted_at       TIMESTAMPTZ,
	connected_at      TIMESTAMPTZ,
	ended_at          TIMESTAMPTZ NOT NULL,
	talk_time_ms      BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS call_records_ended_at_idx ON call_records (ended_at);
CREATE TABLE IF NOT EXISTS call_transcript_entries (
	session_id TEXT NOT NULL REFERENCES call_records (session_id),
	seq        INT NOT NULL,
	speaker    TEXT NOT NULL,
	text       TEXT NOT NULL,
	spoken_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// PostgresRepo stores records through database/sql with the pgx driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// EnsureSchema applies Schema. It is safe to run on every start.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.ApplySchema(ctx, r.db, Schema)
}

// Save writes the record and its transcript in one transaction. A second
// save for the same session is a no-op.
func (r *PostgresRepo) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO call_records (
	session_id, state, reason, customer_identity, customer_name, customer_phone,
	agent_identity, ended_by, created_at, accepted_at, connected_at, ended_at, talk_time_ms
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (session_id) DO NOTHING
`
		res, err := tx.ExecContext(ctx, q,
			rec.SessionID,
			string(rec.State),
			rec.Reason,
			rec.CustomerIdentity,
			rec.CustomerName,
			rec.CustomerPhone,
			rec.AgentIdentity,
			rec.EndedBy,
			rec.CreatedAt,
			nullTime(rec.AcceptedAt),
			nullTime(rec.ConnectedAt),
			rec.EndedAt,
			rec.TalkTimeMs,
		)
		if err != nil {
			return fmt.Errorf("insert call record: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return nil
		}

		const qe = `
INSERT INTO call_transcript_entries (session_id, seq, speaker, text, spoken_at)
VALUES ($1,$2,$3,$4,$5)
`
		for i, e := range rec.Transcript {
			if _, err := tx.ExecContext(ctx, qe, rec.SessionID, i, string(e.Speaker), e.Text, e.Timestamp.UTC()); err != nil {
				return fmt.Errorf("insert transcript entry %d: %w", i, err)
			}
		}
		return nil
	})
}

const selectRecord = `
SELECT session_id, state, reason, customer_identity, customer_name, customer_phone,
	agent_identity, ended_by, created_at, accepted_at, connected_at, ended_at, talk_time_ms
FROM call_records
`

func (r *PostgresRepo) Get(ctx context.Context, sessionID string) (Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, selectRecord+"WHERE session_id = $1", sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}

	const q = `
SELECT speaker, text, spoken_at
FROM call_transcript_entries
WHERE session_id = $1
ORDER BY seq
`
	rows, err := r.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return Record{}, err
	}
	defer rows.Close()
	rec.Transcript = []calls.TranscriptEntry{}
	for rows.Next() {
		var e calls.TranscriptEntry
		var speaker string
		if err := rows.Scan(&speaker, &e.Text, &e.Timestamp); err != nil {
			return Record{}, err
		}
		e.Speaker = protocol.Role(speaker)
		rec.Transcript = append(rec.Transcript, e)
	}
	return rec, rows.Err()
}

// List returns matches newest first, without transcripts.
func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("ended_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("ended_at < $%d", len(args)))
	}
	if f.Agent != "" {
		args = append(args, f.Agent)
		where = append(where, fmt.Sprintf("agent_identity = $%d", len(args)))
	}

	q := selectRecord
	if len(where) > 0 {
		q += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	q += "ORDER BY ended_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                 Record
		state               string
		accepted, connected sql.NullTime
	)
	if err := row.Scan(
		&rec.SessionID,
		&state,
		&rec.Reason,
		&rec.CustomerIdentity,
		&rec.CustomerName,
		&rec.CustomerPhone,
		&rec.AgentIdentity,
		&rec.EndedBy,
		&rec.CreatedAt,
		&accepted,
		&connected,
		&rec.EndedAt,
		&rec.TalkTimeMs,
	); err != nil {
		return Record{}, err
	}
	rec.State = calls.State(state)
	if accepted.Valid {
		t := accepted.Time
		rec.AcceptedAt = &t
	}
	if connected.Valid {
		t := connected.Time
		rec.ConnectedAt = &t
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
