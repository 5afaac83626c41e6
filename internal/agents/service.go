package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/silo-desktop/internal/presence"
	"github.com/google/uuid"
)

var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrInvalidAgentID = fmt.Errorf("%w: invalid agent ID", ErrAgentNotFound)
	ErrDuplicateAgent = errors.New("agent already registered for this machine")
	ErrAgentRevoked   = errors.New("agent revoked")
	ErrInvalidParams  = errors.New("invalid agent parameters")
)

const publishTimeout = 2 * time.Second

var logLevels = map[string]bool{"debug": true, "info": true, "warning": true, "error": true}

// Service is the agent registry. It is the only writer of agent records.
type Service struct {
	store     Store
	publisher presence.Publisher
	now       func() time.Time
}

func NewService(store Store, publisher presence.Publisher) *Service {
	if publisher == nil {
		publisher = presence.NopPublisher{}
	}
	return &Service{
		store:     store,
		publisher: publisher,
		now:       time.Now,
	}
}

// CreateAgent registers a new agent. The returned Agent carries the plaintext
// token; it cannot be recovered afterwards.
func (s *Service) CreateAgent(ctx context.Context, params CreateAgentParams) (*Agent, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidParams)
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := s.now().UTC()
	agent := &Agent{
		AgentID:        uuid.New().String(),
		UserID:         params.UserID,
		Hostname:       params.Hostname,
		MachineID:      strings.TrimSpace(params.MachineID),
		OS:             params.OS,
		Version:        params.Version,
		RuntimeVersion: params.RuntimeVersion,
		Status:         presence.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.InsertAgent(ctx, agent, HashToken(token)); err != nil {
		if errors.Is(err, ErrDuplicateAgent) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	agent.Token = token

	slog.Info("Agent registered",
		"agent_id", agent.AgentID,
		"user_id", agent.UserID,
		"hostname", agent.Hostname,
		"os", agent.OS)

	return agent, nil
}

// FindByToken resolves a presented token. Absent, revoked and malformed
// tokens all yield ErrAgentNotFound.
func (s *Service) FindByToken(ctx context.Context, token string) (*Agent, error) {
	if token == "" {
		return nil, ErrAgentNotFound
	}

	agent, storedHash, err := s.store.GetAgentByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}

	if !tokenMatches(storedHash, token) || agent.Status == presence.StatusRevoked {
		return nil, ErrAgentNotFound
	}

	return agent, nil
}

func (s *Service) FindByID(ctx context.Context, agentID string) (*Agent, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	return s.store.GetAgentByID(ctx, agentID)
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]Agent, error) {
	agents, err := s.store.ListAgentsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// TouchLastSeen records activity. An empty ipAddress leaves the stored one.
func (s *Service) TouchLastSeen(ctx context.Context, agentID string, at time.Time, ipAddress string) error {
	if err := validateAgentID(agentID); err != nil {
		return err
	}
	return s.store.UpdateLastSeen(ctx, agentID, at.UTC(), ipAddress)
}

// SetStatus is last-write-wins across every state except revoked, which can
// only be entered (via Revoke) and never left.
func (s *Service) SetStatus(ctx context.Context, agentID string, status presence.Status) error {
	if err := validateAgentID(agentID); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("invalid status: %s", status)
	}
	if status == presence.StatusRevoked {
		return s.Revoke(ctx, agentID)
	}

	from := withoutStatus([]presence.Status{presence.StatusPending, presence.StatusOnline, presence.StatusOffline}, status)
	changed, err := s.store.UpdateStatus(ctx, agentID, status, from)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if !changed {
		return s.explainUnchanged(ctx, agentID)
	}

	s.publish(ctx, agentID, status)
	return nil
}

// Apply moves an agent through the presence state machine in one conditional
// write. It returns the resulting status and whether anything changed.
func (s *Service) Apply(ctx context.Context, agentID string, ev presence.Event) (presence.Status, bool, error) {
	if err := validateAgentID(agentID); err != nil {
		return "", false, err
	}

	target, ok := presence.Target(ev)
	if !ok {
		return "", false, fmt.Errorf("%w: unknown event", presence.ErrInvalidTransition)
	}

	if ev == presence.EventRevoked {
		if err := s.Revoke(ctx, agentID); err != nil {
			return "", false, err
		}
		return target, true, nil
	}

	// Self-transitions are not changes.
	changed, err := s.store.UpdateStatus(ctx, agentID, target, withoutStatus(presence.AllowedFrom(ev), target))
	if err != nil {
		return "", false, fmt.Errorf("failed to apply %s: %w", ev, err)
	}

	if !changed {
		current, err := s.store.GetStatus(ctx, agentID)
		if err != nil {
			return "", false, err
		}
		if current == presence.StatusRevoked && ev != presence.EventRevoked {
			return current, false, ErrAgentRevoked
		}
		return current, false, nil
	}

	s.publish(ctx, agentID, target)
	return target, true, nil
}

// Revoke disables the agent's token for good. The record is kept.
func (s *Service) Revoke(ctx context.Context, agentID string) error {
	if err := validateAgentID(agentID); err != nil {
		return err
	}
	if err := s.store.RevokeAgent(ctx, agentID); err != nil {
		return err
	}

	slog.Info("Agent revoked", "agent_id", agentID)
	s.publish(ctx, agentID, presence.StatusRevoked)
	return nil
}

// RevokeAllForUser revokes every agent the user owns and returns their ids,
// including ones that were already revoked.
func (s *Service) RevokeAllForUser(ctx context.Context, userID string) ([]string, error) {
	owned, err := s.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(owned))
	for _, a := range owned {
		if a.Status != presence.StatusRevoked {
			if err := s.Revoke(ctx, a.AgentID); err != nil && !errors.Is(err, ErrAgentNotFound) {
				return ids, fmt.Errorf("failed to revoke agent %s: %w", a.AgentID, err)
			}
		}
		ids = append(ids, a.AgentID)
	}
	return ids, nil
}

// RotateToken issues a new token and invalidates the old one in the same write.
func (s *Service) RotateToken(ctx context.Context, agentID string) (*Agent, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	if err := s.store.ReplaceTokenHash(ctx, agentID, HashToken(token)); err != nil {
		return nil, err
	}

	agent, err := s.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent.Token = token

	slog.Info("Agent token rotated", "agent_id", agentID)
	return agent, nil
}

func (s *Service) DeleteAgent(ctx context.Context, agentID string, userID string) error {
	if err := validateAgentID(agentID); err != nil {
		return err
	}
	if err := s.store.DeleteAgent(ctx, agentID, userID); err != nil {
		return err
	}
	slog.Info("Agent deleted", "agent_id", agentID, "user_id", userID)
	return nil
}

func (s *Service) CreateConnectionLog(ctx context.Context, agentID string, connectedAt time.Time, ipAddress string) (string, error) {
	if err := validateAgentID(agentID); err != nil {
		return "", err
	}
	id, err := s.store.CreateConnectionLog(ctx, agentID, connectedAt.UTC(), ipAddress)
	if err != nil {
		return "", fmt.Errorf("failed to create connection log: %w", err)
	}
	return id, nil
}

func (s *Service) CloseConnectionLog(ctx context.Context, logID string, disconnectedAt time.Time, reason string) error {
	if err := s.store.CloseConnectionLog(ctx, logID, disconnectedAt.UTC(), reason); err != nil {
		return fmt.Errorf("failed to update connection log: %w", err)
	}
	return nil
}

func (s *Service) GetConnectionHistory(ctx context.Context, agentID string, limit, offset int) ([]ConnectionLog, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	return s.store.ListConnectionLogs(ctx, agentID, limit, offset)
}

// AppendAgentLog stores a log line reported by the agent itself.
func (s *Service) AppendAgentLog(ctx context.Context, agentID, level, message string, metadata map[string]interface{}) error {
	if err := validateAgentID(agentID); err != nil {
		return err
	}

	level = strings.ToLower(level)
	if !logLevels[level] {
		level = "info"
	}

	return s.store.InsertAgentLog(ctx, &AgentLog{
		AgentID:   agentID,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
	})
}

func (s *Service) ListAgentLogs(ctx context.Context, agentID string, limit int) ([]AgentLog, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	return s.store.ListAgentLogs(ctx, agentID, limit)
}

func (s *Service) explainUnchanged(ctx context.Context, agentID string) error {
	current, err := s.store.GetStatus(ctx, agentID)
	if err != nil {
		return err
	}
	if current == presence.StatusRevoked {
		return ErrAgentRevoked
	}
	return nil
}

func (s *Service) publish(ctx context.Context, agentID string, status presence.Status) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	change := presence.Change{AgentID: agentID, Status: status, At: s.now().UTC()}
	if status == presence.StatusOnline {
		change.LastSeen = change.At
	}
	if err := s.publisher.Publish(ctx, change); err != nil {
		slog.Warn("Failed to publish presence change", "agent_id", agentID, "status", status, "error", err)
	}
}

func withoutStatus(in []presence.Status, drop presence.Status) []presence.Status {
	out := make([]presence.Status, 0, len(in))
	for _, s := range in {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

func validateAgentID(agentID string) error {
	if _, err := uuid.Parse(agentID); err != nil {
		return ErrInvalidAgentID
	}
	return nil
}

// RecordCommand stores a new command as pending. rec.ID must be set.
func (s *Service) RecordCommand(ctx context.Context, rec *CommandRecord) error {
	if err := validateAgentID(rec.AgentID); err != nil {
		return err
	}
	if rec.ID == "" || rec.Name == "" {
		return fmt.Errorf("%w: command id and name are required", ErrInvalidParams)
	}
	rec.Status = CommandPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	return s.store.InsertCommand(ctx, rec)
}

func (s *Service) MarkCommandSent(ctx context.Context, commandID string, at time.Time) error {
	return s.store.MarkCommandSent(ctx, commandID, at.UTC())
}

// FinishCommand records how a command ended and adds a line to the agent's
// log. Only the first outcome for a command is kept.
func (s *Service) FinishCommand(ctx context.Context, commandID string, outcome CommandOutcome) error {
	if outcome.Status != CommandCompleted && outcome.Status != CommandFailed {
		return fmt.Errorf("%w: %q is not a terminal command status", ErrInvalidParams, outcome.Status)
	}
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = s.now()
	}
	outcome.CompletedAt = outcome.CompletedAt.UTC()

	finished, err := s.store.FinishCommand(ctx, commandID, outcome)
	if err != nil {
		return fmt.Errorf("failed to finish command: %w", err)
	}
	if !finished {
		return nil
	}

	level, message := "info", fmt.Sprintf("command %s completed", outcome.Name)
	metadata := map[string]interface{}{
		"command_id":        commandID,
		"status":            string(outcome.Status),
		"execution_time_ms": outcome.ExecutionTime.Milliseconds(),
	}
	if outcome.Status == CommandFailed {
		level, message = "error", fmt.Sprintf("command %s failed", outcome.Name)
		metadata["error"] = outcome.Error
	}
	if err := s.AppendAgentLog(ctx, outcome.AgentID, level, message, metadata); err != nil {
		slog.Warn("Failed to log command outcome", "agent_id", outcome.AgentID, "command_id", commandID, "error", err)
	}
	return nil
}

func (s *Service) ListCommands(ctx context.Context, agentID string, limit, offset int) ([]CommandRecord, error) {
	if err := validateAgentID(agentID); err != nil {
		return nil, err
	}
	return s.store.ListCommands(ctx, agentID, limit, offset)
}
