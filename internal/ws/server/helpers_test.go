package server

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-desktop/internal/agents"
	"github.com/EternisAI/silo-desktop/internal/db"
	"github.com/EternisAI/silo-desktop/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeTransport records writes and the close frame.
type fakeTransport struct {
	mu          sync.Mutex
	written     []*protocol.Envelope
	closed      chan struct{}
	closeCode   int
	closeReason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closed: make(chan struct{})}
}

func (f *fakeTransport) Write(ctx context.Context, env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, env)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
		return nil
	default:
	}
	f.closeCode = code
	f.closeReason = reason
	close(f.closed)
	return nil
}

func (f *fakeTransport) waitClosed(t *testing.T) (int, string) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("transport was not closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func newTestConn(agentID string) (*AgentConnection, *fakeTransport) {
	tr := newFakeTransport()
	return newAgentConnection(agentID, "127.0.0.1", tr, time.Now()), tr
}

func newTestRegistry(t *testing.T) *agents.Service {
	t.Helper()

	sqlDB, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	return agents.NewService(agents.NewSQLiteStore(sqlDB), nil)
}

func createAgent(t *testing.T, registry *agents.Service) *agents.Agent {
	t.Helper()

	agent, err := registry.CreateAgent(context.Background(), agents.CreateAgentParams{
		UserID:   "1",
		Hostname: "Desktop Agent",
		OS:       "Linux",
		Version:  "1.0.0",
	})
	require.NoError(t, err)
	return agent
}
