package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"doorbell-platform/pkg/utils"
)

// PostgresRepo stores events in doorbell_audit_events through database/sql
// (pgx stdlib driver).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const schema = `
CREATE TABLE IF NOT EXISTS doorbell_audit_events (
	id              TEXT PRIMARY KEY,
	room_id         TEXT NOT NULL,
	property_id     TEXT NOT NULL DEFAULT '',
	owner_id        TEXT NOT NULL,
	type            TEXT NOT NULL,
	media_ref       TEXT NOT NULL DEFAULT '',
	delivery_key    TEXT NOT NULL DEFAULT '',
	protocol_number TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS doorbell_audit_events_delivery
	ON doorbell_audit_events (owner_id, delivery_key)
	WHERE delivery_key <> '';
CREATE INDEX IF NOT EXISTS doorbell_audit_events_room
	ON doorbell_audit_events (room_id, created_at);
`

// EnsureSchema creates the table and indexes if they do not exist.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	})
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO doorbell_audit_events
	(id, room_id, property_id, owner_id, type, media_ref, delivery_key, protocol_number, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (owner_id, delivery_key) WHERE delivery_key <> '' DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.RoomID,
		e.PropertyID,
		e.OwnerID,
		string(e.Type),
		e.MediaRef,
		e.DeliveryKey,
		e.ProtocolNumber,
		e.CreatedAt,
	)
	if err != nil {
		return mapInsertErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r *PostgresRepo) DeliveryKeys(ctx context.Context, ownerID string) (map[string]struct{}, error) {
	const q = `
SELECT delivery_key
FROM doorbell_audit_events
WHERE owner_id = $1 AND delivery_key <> ''
`
	rows, err := r.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out[k] = struct{}{}
	}
	return out, rows.Err()
}

// mapInsertErr turns a unique violation (a replayed event id) into ErrDuplicate.
func mapInsertErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
