package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/loopwire/loopwire/pkg/models"
)

// PostgresStore implements Store on top of PostgreSQL. Connection URL is
// read from DATABASE_URL; when unset the server falls back to the
// in-memory store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and runs schema migration.
// maxConns caps the pool size; non-positive keeps the pgx default.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("sessions config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("sessions connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessions ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessions migrate: %w", err)
	}

	log.Info().Msg("postgres session store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS lw_sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			org_id     TEXT NOT NULL,
			agent_id   TEXT NOT NULL DEFAULT '',
			runtime_id TEXT NOT NULL DEFAULT '',
			title      TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_lw_sessions_user ON lw_sessions (org_id, user_id);

		CREATE TABLE IF NOT EXISTS lw_messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES lw_sessions (id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_lw_messages_session ON lw_messages (session_id, created_at);
	`

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CreateSession stores a new session.
func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lw_sessions (id, user_id, org_id, agent_id, runtime_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, session.UserID, session.OrgID, session.AgentID, session.RuntimeID,
		session.Title, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, org_id, agent_id, runtime_id, title, created_at, updated_at
		FROM lw_sessions WHERE id = $1`, sessionID).
		Scan(&sess.ID, &sess.UserID, &sess.OrgID, &sess.AgentID, &sess.RuntimeID,
			&sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// TouchSession bumps the session's updated timestamp.
func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lw_sessions SET updated_at = $2 WHERE id = $1`,
		sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// ListSessions lists sessions for a user within an org.
func (s *PostgresStore) ListSessions(ctx context.Context, userID, orgID string) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, org_id, agent_id, runtime_id, title, created_at, updated_at
		FROM lw_sessions WHERE user_id = $1 AND org_id = $2
		ORDER BY updated_at DESC`, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.OrgID, &sess.AgentID, &sess.RuntimeID,
			&sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// DeleteSession removes a session; messages cascade.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM lw_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// AppendMessage adds a message to the session's history.
func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID string, msg models.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lw_messages (id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message to %s: %w", sessionID, err)
	}
	return nil
}

// History returns the most recent limit messages in chronological order.
func (s *PostgresStore) History(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	q := `
		SELECT id, session_id, role, content, created_at
		FROM (
			SELECT id, session_id, role, content, created_at
			FROM lw_messages WHERE session_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at ASC`
	if limit <= 0 {
		limit = 1 << 30
	}

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var result []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
