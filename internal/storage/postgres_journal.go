package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `CREATE TABLE IF NOT EXISTS sync_journal (
	id              TEXT PRIMARY KEY,
	at              TIMESTAMPTZ NOT NULL,
	user_id         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	ride_id         TEXT,
	conversation_id TEXT,
	payload         JSONB
);
CREATE INDEX IF NOT EXISTS sync_journal_ride_idx ON sync_journal (ride_id, at);`

type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(ctx context.Context, dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresJournal{db: db}, nil
}

// Migrate creates the journal table if it does not exist.
func (p *PostgresJournal) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

func (p *PostgresJournal) Append(ctx context.Context, e Entry) error {
	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO sync_journal(id, at, user_id, kind, ride_id, conversation_id, payload) VALUES($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.At, e.UserID, string(e.Kind), e.RideID, e.ConversationID, payload)
	return err
}

func (p *PostgresJournal) Close() error {
	return p.db.Close()
}
