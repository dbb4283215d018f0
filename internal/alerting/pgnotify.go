package alerting

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/cardiotriage/backend/internal/models"
)

// PGNotifier publishes events on a Postgres NOTIFY channel for dashboards
// that LISTEN on the database.
type PGNotifier struct {
	DB      *sql.DB
	Channel string
}

// OpenPGNotifier opens a lib/pq connection pool for NOTIFY.
func OpenPGNotifier(ctx context.Context, dsn, channel string) (*PGNotifier, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping notify db: %w", err)
	}
	return &PGNotifier{DB: db, Channel: channel}, nil
}

func (n *PGNotifier) Notify(ctx context.Context, ev models.EscalationEvent) error {
	b, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return err
	}
	// NOTIFY takes no bind parameters; pg_notify does.
	_, err = n.DB.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.Channel, string(b))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return fmt.Errorf("pg_notify %s: %s", pqErr.Code.Name(), pqErr.Message)
		}
		return err
	}
	return nil
}

func (n *PGNotifier) Close() error {
	return n.DB.Close()
}
