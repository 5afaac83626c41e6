package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/EternisAI/silo-desktop/internal/presence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const agentColumns = `id, agent_id::text, user_id, hostname, machine_id, os, version,
	runtime_version, status, last_seen, last_ip_address, created_at, updated_at`

// PostgresStore is the Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertAgent(ctx context.Context, agent *Agent, tokenHash string) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agents (agent_id, user_id, hostname, machine_id, os, version,
			runtime_version, token_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id`,
		agent.AgentID, agent.UserID, agent.Hostname, agent.MachineID, agent.OS,
		agent.Version, agent.RuntimeVersion, tokenHash, string(agent.Status), agent.CreatedAt,
	).Scan(&agent.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateAgent
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetAgentByTokenHash(ctx context.Context, tokenHash string) (*Agent, string, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+`, token_hash FROM agents WHERE token_hash = $1`, tokenHash)

	var stored string
	agent, err := scanPgAgent(row, &stored)
	if err != nil {
		return nil, "", err
	}
	return agent, stored, nil
}

func (s *PostgresStore) GetAgentByID(ctx context.Context, agentID string) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	return scanPgAgent(row)
}

func (s *PostgresStore) ListAgentsByUser(ctx context.Context, userID string) ([]Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		agent, err := scanPgAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *agent)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateLastSeen(ctx context.Context, agentID string, at time.Time, ipAddress string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents
		SET last_seen = GREATEST(COALESCE(last_seen, $2::timestamptz), $2::timestamptz),
		    last_ip_address = CASE WHEN $3::text = '' THEN last_ip_address ELSE $3::text END,
		    updated_at = NOW()
		WHERE agent_id = $1`, agentID, at, ipAddress)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, agentID string, status presence.Status, from []presence.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET status = $2, updated_at = NOW()
		WHERE agent_id = $1 AND status = ANY($3::text[])`,
		agentID, string(status), statusStrings(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetStatus(ctx context.Context, agentID string) (presence.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM agents WHERE agent_id = $1`, agentID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAgentNotFound
		}
		return "", err
	}
	return presence.Status(status), nil
}

func (s *PostgresStore) RevokeAgent(ctx context.Context, agentID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET status = 'revoked', token_hash = NULL, updated_at = NOW()
		WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("failed to revoke agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) ReplaceTokenHash(ctx context.Context, agentID string, tokenHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET token_hash = $2, updated_at = NOW()
		WHERE agent_id = $1 AND status <> 'revoked'`, agentID, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to rotate token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		status, err := s.GetStatus(ctx, agentID)
		if err != nil {
			return err
		}
		if status == presence.StatusRevoked {
			return ErrAgentRevoked
		}
		return ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, agentID string, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1 AND user_id = $2`, agentID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) CreateConnectionLog(ctx context.Context, agentID string, connectedAt time.Time, ipAddress string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connection_logs (id, agent_id, connected_at, ip_address)
		VALUES ($1, $2, $3, $4)`, id, agentID, connectedAt, ipAddress)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) CloseConnectionLog(ctx context.Context, logID string, disconnectedAt time.Time, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connection_logs
		SET disconnected_at = $2,
		    duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($2::timestamptz - connected_at)))::int,
		    disconnect_reason = $3
		WHERE id = $1 AND disconnected_at IS NULL`, logID, disconnectedAt, reason)
	return err
}

func (s *PostgresStore) ListConnectionLogs(ctx context.Context, agentID string, limit, offset int) ([]ConnectionLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, agent_id::text, connected_at, disconnected_at, duration_seconds,
		       ip_address, disconnect_reason
		FROM connection_logs
		WHERE agent_id = $1
		ORDER BY connected_at DESC
		LIMIT $2 OFFSET $3`, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection history: %w", err)
	}
	defer rows.Close()

	var out []ConnectionLog
	for rows.Next() {
		var l ConnectionLog
		if err := rows.Scan(&l.ID, &l.AgentID, &l.ConnectedAt, &l.DisconnectedAt,
			&l.DurationSeconds, &l.IPAddress, &l.DisconnectReason); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertAgentLog(ctx context.Context, log *AgentLog) error {
	var metadata []byte
	if len(log.Metadata) > 0 {
		b, err := json.Marshal(log.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode log metadata: %w", err)
		}
		metadata = b
	}

	return s.pool.QueryRow(ctx, `
		INSERT INTO agent_logs (agent_id, level, message, metadata, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		RETURNING id`,
		log.AgentID, log.Level, log.Message, metadata, log.CreatedAt,
	).Scan(&log.ID)
}

func (s *PostgresStore) ListAgentLogs(ctx context.Context, agentID string, limit int) ([]AgentLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id::text, level, message, metadata, created_at
		FROM agent_logs
		WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentLog
	for rows.Next() {
		var (
			l        AgentLog
			metadata []byte
		)
		if err := rows.Scan(&l.ID, &l.AgentID, &l.Level, &l.Message, &metadata, &l.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &l.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode log metadata: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertCommand(ctx context.Context, rec *CommandRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO commands (id, agent_id, name, args, status, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)`,
		rec.ID, rec.AgentID, rec.Name, nullableJSON(rec.Args), string(rec.Status), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkCommandSent(ctx context.Context, commandID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE commands SET status = 'sent', sent_at = $2
		WHERE id = $1 AND status = 'pending'`, commandID, at)
	return err
}

func (s *PostgresStore) FinishCommand(ctx context.Context, commandID string, outcome CommandOutcome) (bool, error) {
	var execMs *int64
	if outcome.ExecutionTime > 0 {
		ms := outcome.ExecutionTime.Milliseconds()
		execMs = &ms
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE commands
		SET status = $2, result = $3::jsonb, error_message = $4, completed_at = $5, execution_time_ms = $6
		WHERE id = $1 AND status IN ('pending', 'sent')`,
		commandID, string(outcome.Status), nullableJSON(outcome.Result), outcome.Error,
		outcome.CompletedAt, execMs)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListCommands(ctx context.Context, agentID string, limit, offset int) ([]CommandRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, agent_id::text, name, args, status, result, error_message,
		       created_at, sent_at, completed_at, execution_time_ms
		FROM commands
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			r            CommandRecord
			args, result []byte
			status       string
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Name, &args, &status, &result, &r.Error,
			&r.CreatedAt, &r.SentAt, &r.CompletedAt, &r.ExecutionTimeMs); err != nil {
			return nil, err
		}
		r.Status = CommandStatus(status)
		if len(args) > 0 {
			r.Args = json.RawMessage(args)
		}
		if len(result) > 0 {
			r.Result = json.RawMessage(result)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func scanPgAgent(row pgx.Row, extra ...any) (*Agent, error) {
	var (
		a        Agent
		status   string
		lastSeen *time.Time
	)
	dest := append([]any{
		&a.ID, &a.AgentID, &a.UserID, &a.Hostname, &a.MachineID, &a.OS, &a.Version,
		&a.RuntimeVersion, &status, &lastSeen, &a.LastIPAddress, &a.CreatedAt, &a.UpdatedAt,
	}, extra...)

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}

	a.Status = presence.Status(status)
	if lastSeen != nil {
		a.LastSeen = *lastSeen
	}
	return &a, nil
}
