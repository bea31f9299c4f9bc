package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed event repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert stores a new session event.
func (r *PostgresRepository) Insert(ctx context.Context, event Event) error {
	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO session_events (id, session_id, phone, kind, detail, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		eventID, event.SessionID, event.Phone, event.Kind, event.Detail, event.CreatedAt.UTC())
	return err
}

// RecentByPhone fetches the latest events for a phone number, newest first.
func (r *PostgresRepository) RecentByPhone(ctx context.Context, phone string, limit int) ([]Event, error) {
	rows, err := r.db.Query(ctx, `SELECT id, session_id, phone, kind, detail, created_at
        FROM session_events WHERE phone = $1 ORDER BY created_at DESC LIMIT $2`, phone, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			id        uuid.UUID
			createdAt time.Time
			event     Event
		)
		if err := rows.Scan(&id, &event.SessionID, &event.Phone, &event.Kind, &event.Detail, &createdAt); err != nil {
			return nil, err
		}
		event.ID = id.String()
		event.CreatedAt = createdAt.UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}
