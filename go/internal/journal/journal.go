package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/presence"
)

const schema = `
CREATE TABLE IF NOT EXISTS presence_transitions (
    id          BIGSERIAL PRIMARY KEY,
    group_id    TEXT        NOT NULL,
    user_id     TEXT        NOT NULL,
    from_status TEXT,
    to_status   TEXT,
    removed     BOOLEAN     NOT NULL DEFAULT FALSE,
    source      TEXT        NOT NULL,
    at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS presence_transitions_group_user_at
    ON presence_transitions (group_id, user_id, at);
`

const insertTransition = `
INSERT INTO presence_transitions (group_id, user_id, from_status, to_status, removed, source, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// Sink stores presence transitions.
type Sink interface {
	Record(ctx context.Context, c presence.Change) error
	Close()
}

// Open connects to Postgres and prepares the transitions table. An empty DSN or a failed
// connection yields a noop sink so presence keeps working without a database.
func Open(ctx context.Context, dsn string) Sink {
	if dsn == "" {
		log.Info().Msg("presence journal disabled, using noop: empty database url")
		return noopSink{reason: "empty database url"}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		log.Warn().Err(err).Msg("presence journal disabled, using noop")
		return noopSink{reason: err.Error()}
	}
	if err := pool.Ping(connectCtx); err != nil {
		log.Warn().Err(err).Msg("presence journal disabled, using noop")
		pool.Close()
		return noopSink{reason: err.Error()}
	}
	if _, err := pool.Exec(connectCtx, schema); err != nil {
		log.Warn().Err(err).Msg("presence journal disabled, using noop: schema")
		pool.Close()
		return noopSink{reason: err.Error()}
	}

	log.Info().Msg("presence journal connected")
	return &pgSink{pool: pool}
}

type pgSink struct {
	pool *pgxpool.Pool
}

func (s *pgSink) Record(ctx context.Context, c presence.Change) error {
	_, err := s.pool.Exec(ctx, insertTransition,
		c.GroupID, c.UserID, nullable(c.From), nullable(c.To), c.Removed, c.Source, c.At,
	)
	if err != nil {
		return fmt.Errorf("insert transition for %s in %s: %w", c.UserID, c.GroupID, err)
	}
	return nil
}

func (s *pgSink) Close() {
	s.pool.Close()
}

type noopSink struct {
	reason string
}

func (noopSink) Record(ctx context.Context, c presence.Change) error { return nil }
func (noopSink) Close()                                              {}

// Mode reports the sink mode for logging.
func Mode(s Sink) string {
	switch s.(type) {
	case *pgSink:
		return "postgres"
	case noopSink:
		return "noop"
	default:
		return "unknown"
	}
}

// NoopReason explains why a noop sink is in use.
func NoopReason(s Sink) string {
	if n, ok := s.(noopSink); ok {
		return n.reason
	}
	return ""
}

func nullable(s presence.Status) *string {
	if s == "" {
		return nil
	}
	v := string(s)
	return &v
}
