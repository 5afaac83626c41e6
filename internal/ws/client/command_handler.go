package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/EternisAI/silo-desktop/internal/protocol"
)

// HandlerFunc runs one command. The returned value is JSON-encoded into the
// result's data field.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

type CommandHandler struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	version  string
	timeout  time.Duration
}

// NewCommandHandler registers the built-in ping, echo and system_info commands.
func NewCommandHandler(version string) *CommandHandler {
	h := &CommandHandler{
		handlers: make(map[string]HandlerFunc),
		version:  version,
		timeout:  30 * time.Second,
	}
	h.Register("ping", h.ping)
	h.Register("echo", h.echo)
	h.Register("system_info", h.systemInfo)
	return h
}

func (h *CommandHandler) Register(name string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = fn
}

// Handle always produces a result envelope correlated to env.ID.
func (h *CommandHandler) Handle(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	h.mu.RLock()
	fn, ok := h.handlers[env.Name]
	h.mu.RUnlock()

	if !ok {
		slog.Warn("Unknown command", "command_id", env.ID, "name", env.Name)
		return protocol.ResultError(env.ID, fmt.Sprintf("unknown command: %s", env.Name))
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	out, err := fn(ctx, env.Args)
	if err != nil {
		slog.Error("Command failed", "command_id", env.ID, "name", env.Name, "error", err)
		return protocol.ResultError(env.ID, err.Error())
	}

	data, err := json.Marshal(out)
	if err != nil {
		return protocol.ResultError(env.ID, fmt.Sprintf("failed to encode result: %v", err))
	}

	slog.Debug("Command completed", "command_id", env.ID, "name", env.Name, "duration", time.Since(start))
	return protocol.ResultOK(env.ID, data)
}

func (h *CommandHandler) ping(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{
		"pong":      true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (h *CommandHandler) echo(_ context.Context, args json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	CPUs         int    `json:"cpus"`
	GoVersion    string `json:"go_version"`
	AgentVersion string `json:"agent_version"`
}

func (h *CommandHandler) systemInfo(_ context.Context, _ json.RawMessage) (any, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to read hostname: %w", err)
	}

	return SystemInfo{
		Hostname:     hostname,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		AgentVersion: h.version,
	}, nil
}
