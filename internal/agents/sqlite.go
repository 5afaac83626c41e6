package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-desktop/internal/presence"
	"github.com/google/uuid"
)

const sqliteAgentColumns = `id, agent_id, user_id, hostname, machine_id, os, version,
	runtime_version, status, last_seen, last_ip_address, created_at, updated_at`

// SQLiteStore is the embedded Store used for single-node deployments and tests.
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) InsertAgent(ctx context.Context, agent *Agent, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, user_id, hostname, machine_id, os, version,
			runtime_version, token_hash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.AgentID, agent.UserID, agent.Hostname, agent.MachineID, agent.OS,
		agent.Version, agent.RuntimeVersion, tokenHash, string(agent.Status),
		agent.CreatedAt.UnixNano(), agent.UpdatedAt.UnixNano())
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	agent.ID = id
	return nil
}

func (s *SQLiteStore) GetAgentByTokenHash(ctx context.Context, tokenHash string) (*Agent, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAgentColumns+`, token_hash FROM agents WHERE token_hash = ?`, tokenHash)

	var stored string
	agent, err := scanSQLiteAgent(row, &stored)
	if err != nil {
		return nil, "", err
	}
	return agent, stored, nil
}

func (s *SQLiteStore) GetAgentByID(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAgentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	return scanSQLiteAgent(row)
}

func (s *SQLiteStore) ListAgentsByUser(ctx context.Context, userID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAgentColumns+` FROM agents WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		agent, err := scanSQLiteAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *agent)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, agentID string, at time.Time, ipAddress string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET last_seen = MAX(last_seen, ?1),
		    last_ip_address = CASE WHEN ?2 = '' THEN last_ip_address ELSE ?2 END,
		    updated_at = ?3
		WHERE agent_id = ?4`, at.UnixNano(), ipAddress, time.Now().UnixNano(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, agentID string, status presence.Status, from []presence.Status) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(status), time.Now().UnixNano(), agentID}
	for _, f := range statusStrings(from) {
		args = append(args, f)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ? AND status IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetStatus(ctx context.Context, agentID string) (presence.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM agents WHERE agent_id = ?`, agentID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrAgentNotFound
		}
		return "", err
	}
	return presence.Status(status), nil
}

func (s *SQLiteStore) RevokeAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = 'revoked', token_hash = NULL, updated_at = ?
		WHERE agent_id = ?`, time.Now().UnixNano(), agentID)
	if err != nil {
		return fmt.Errorf("failed to revoke agent: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) ReplaceTokenHash(ctx context.Context, agentID string, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET token_hash = ?, updated_at = ?
		WHERE agent_id = ? AND status <> 'revoked'`, tokenHash, time.Now().UnixNano(), agentID)
	if err != nil {
		return fmt.Errorf("failed to rotate token: %w", err)
	}
	if err := requireRow(res); err != nil {
		status, statusErr := s.GetStatus(ctx, agentID)
		if statusErr != nil {
			return statusErr
		}
		if status == presence.StatusRevoked {
			return ErrAgentRevoked
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ? AND user_id = ?`, agentID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) CreateConnectionLog(ctx context.Context, agentID string, connectedAt time.Time, ipAddress string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_logs (id, agent_id, connected_at, ip_address)
		VALUES (?, ?, ?, ?)`, id, agentID, connectedAt.UnixNano(), ipAddress)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteStore) CloseConnectionLog(ctx context.Context, logID string, disconnectedAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE connection_logs
		SET disconnected_at = ?1,
		    duration_seconds = MAX(0, (?1 - connected_at) / 1000000000),
		    disconnect_reason = ?2
		WHERE id = ?3 AND disconnected_at IS NULL`, disconnectedAt.UnixNano(), reason, logID)
	return err
}

func (s *SQLiteStore) ListConnectionLogs(ctx context.Context, agentID string, limit, offset int) ([]ConnectionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, connected_at, disconnected_at, duration_seconds,
		       ip_address, disconnect_reason
		FROM connection_logs
		WHERE agent_id = ?
		ORDER BY connected_at DESC
		LIMIT ? OFFSET ?`, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection history: %w", err)
	}
	defer rows.Close()

	var out []ConnectionLog
	for rows.Next() {
		var (
			l              ConnectionLog
			connectedAt    int64
			disconnectedAt sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.AgentID, &connectedAt, &disconnectedAt,
			&l.DurationSeconds, &l.IPAddress, &l.DisconnectReason); err != nil {
			return nil, err
		}
		l.ConnectedAt = fromNanos(connectedAt)
		if disconnectedAt.Valid {
			t := fromNanos(disconnectedAt.Int64)
			l.DisconnectedAt = &t
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertAgentLog(ctx context.Context, log *AgentLog) error {
	var metadata sql.NullString
	if len(log.Metadata) > 0 {
		b, err := json.Marshal(log.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode log metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_logs (agent_id, level, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		log.AgentID, log.Level, log.Message, metadata, log.CreatedAt.UnixNano())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	log.ID = id
	return nil
}

func (s *SQLiteStore) ListAgentLogs(ctx context.Context, agentID string, limit int) ([]AgentLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, level, message, metadata, created_at
		FROM agent_logs
		WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentLog
	for rows.Next() {
		var (
			l         AgentLog
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&l.ID, &l.AgentID, &l.Level, &l.Message, &metadata, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = fromNanos(createdAt)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &l.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode log metadata: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertCommand(ctx context.Context, rec *CommandRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, agent_id, name, args, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.Name, nullableText(rec.Args), string(rec.Status), rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkCommandSent(ctx context.Context, commandID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'sent', sent_at = ?
		WHERE id = ? AND status = 'pending'`, at.UnixNano(), commandID)
	return err
}

func (s *SQLiteStore) FinishCommand(ctx context.Context, commandID string, outcome CommandOutcome) (bool, error) {
	var execMs sql.NullInt64
	if outcome.ExecutionTime > 0 {
		execMs = sql.NullInt64{Int64: outcome.ExecutionTime.Milliseconds(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET status = ?, result = ?, error_message = ?, completed_at = ?, execution_time_ms = ?
		WHERE id = ? AND status IN ('pending', 'sent')`,
		string(outcome.Status), nullableText(outcome.Result), outcome.Error,
		outcome.CompletedAt.UnixNano(), execMs, commandID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListCommands(ctx context.Context, agentID string, limit, offset int) ([]CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, name, args, status, result, error_message,
		       created_at, sent_at, completed_at, execution_time_ms
		FROM commands
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			r                   CommandRecord
			args, result        sql.NullString
			status              string
			createdAt           int64
			sentAt, completedAt sql.NullInt64
			execMs              sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Name, &args, &status, &result, &r.Error,
			&createdAt, &sentAt, &completedAt, &execMs); err != nil {
			return nil, err
		}
		r.Status = CommandStatus(status)
		r.CreatedAt = fromNanos(createdAt)
		if args.Valid {
			r.Args = json.RawMessage(args.String)
		}
		if result.Valid {
			r.Result = json.RawMessage(result.String)
		}
		if sentAt.Valid {
			t := fromNanos(sentAt.Int64)
			r.SentAt = &t
		}
		if completedAt.Valid {
			t := fromNanos(completedAt.Int64)
			r.CompletedAt = &t
		}
		if execMs.Valid {
			ms := execMs.Int64
			r.ExecutionTimeMs = &ms
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullableText(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAgent(row rowScanner, extra ...any) (*Agent, error) {
	var (
		a      Agent
		status string
	)
	var lastSeen, createdAt, updatedAt int64
	dest := append([]any{
		&a.ID, &a.AgentID, &a.UserID, &a.Hostname, &a.MachineID, &a.OS, &a.Version,
		&a.RuntimeVersion, &status, &lastSeen, &a.LastIPAddress, &createdAt, &updatedAt,
	}, extra...)

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}

	a.Status = presence.Status(status)
	if lastSeen > 0 {
		a.LastSeen = fromNanos(lastSeen)
	}
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	return &a, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed: UNIQUE")
}
