package server

import (
	"context"
	"time"

	"github.com/EternisAI/silo-desktop/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Transport is the write side of an agent channel.
type Transport interface {
	Write(ctx context.Context, env *protocol.Envelope) error
	Close(code int, reason string) error
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

// Write must not be given the connection context: coder/websocket tears the
// socket down when a write context is cancelled.
func (t *wsTransport) Write(ctx context.Context, env *protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, t.conn, env)
}

func (t *wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}
