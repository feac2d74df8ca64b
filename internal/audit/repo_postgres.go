package audit

import (
	"context"
	"database/sql"

	"support-platform/pkg/utils"
)

const Schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	type        TEXT NOT NULL,
	from_state  TEXT NOT NULL DEFAULT '',
	to_state    TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL DEFAULT '',
	actor       TEXT NOT NULL DEFAULT '',
	actor_role  TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS session_events_session_idx ON session_events (session_id, created_at);
`

// PostgresRepo appends to session_events. Grant the application role
// INSERT and SELECT only.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.ApplySchema(ctx, r.db, Schema)
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO session_events (id, session_id, type, from_state, to_state, kind, actor, actor_role, reason, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.SessionID,
		string(e.Type),
		e.From,
		e.To,
		e.Kind,
		e.Actor,
		e.ActorRole,
		e.Reason,
		e.CreatedAt,
	)
	if utils.IsUniqueViolation(err) {
		// Same event id retried after an ambiguous failure.
		return nil
	}
	return err
}

func (r *PostgresRepo) ListBySession(ctx context.Context, sessionID string) ([]Event, error) {
	const q = `
SELECT id, session_id, type, from_state, to_state, kind, actor, actor_role, reason, created_at
FROM session_events
WHERE session_id = $1
ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(
			&e.ID,
			&e.SessionID,
			&typ,
			&e.From,
			&e.To,
			&e.Kind,
			&e.Actor,
			&e.ActorRole,
			&e.Reason,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
