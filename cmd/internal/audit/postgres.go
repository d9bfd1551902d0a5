package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink inserts events into astral.audit_log.
type PostgresSink struct {
	db execer
}

// NewPostgresSink returns a sink over a pgx pool (or any Exec-capable handle).
func NewPostgresSink(db execer) (*PostgresSink, error) {
	if db == nil {
		return nil, errors.New("audit: nil db")
	}
	return &PostgresSink{db: db}, nil
}

// Emit inserts ev. Empty optional fields are stored as NULL.
func (s *PostgresSink) Emit(ctx context.Context, ev Event) error {
	var meta *string
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return err
		}
		v := string(b)
		meta = &v
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO astral.audit_log (
			id, category, action, outcome, risk, description,
			actor_id, user_id, session_id, ip, user_agent, meta, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13)
		ON CONFLICT (id) DO NOTHING
	`,
		ev.ID, string(ev.Category), ev.Action, string(ev.Outcome), string(ev.Risk), trimOrNil(ev.Description),
		trimOrNil(ev.ActorID), trimOrNil(ev.UserID), trimOrNil(ev.SessionID), trimOrNil(ev.IP), trimOrNil(ev.UserAgent),
		meta, ev.OccurredAt,
	)
	return err
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
