package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-desktop/internal/agents"
	"github.com/EternisAI/silo-desktop/internal/presence"
	"github.com/EternisAI/silo-desktop/internal/protocol"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

var errUnexpectedMessage = errors.New("unexpected message type")

type inbound struct {
	typ  websocket.MessageType
	data []byte
}

// StreamHandler drives one WebSocket through the handshake and then routes
// its traffic.
type StreamHandler struct {
	connManager *ConnectionManager
	dispatcher  *Dispatcher
	registry    Registry
	config      Config
}

func NewStreamHandler(connManager *ConnectionManager, dispatcher *Dispatcher, registry Registry, config Config) *StreamHandler {
	return &StreamHandler{
		connManager: connManager,
		dispatcher:  dispatcher,
		registry:    registry,
		config:      config.withDefaults(),
	}
}

// Handle upgrades the request. Agents are not browsers, so requests without
// an Origin header are always accepted.
func (sh *StreamHandler) Handle(c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: sh.config.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote_addr", c.ClientIP(), "error", err)
		return
	}
	ws.SetReadLimit(sh.config.ReadLimit)

	sh.HandleConnection(ws, c.ClientIP())
}

func (sh *StreamHandler) HandleConnection(ws *websocket.Conn, remoteAddr string) {
	slog.Debug("Channel opened", "remote_addr", remoteAddr)

	transport := newWSTransport(ws, sh.config.WriteTimeout)
	reads := make(chan inbound)
	stop := make(chan struct{})
	defer close(stop)

	go sh.receiveLoop(ws, remoteAddr, reads, stop)

	conn, cause := sh.handshake(transport, reads, remoteAddr)
	if conn == nil {
		if cause != nil {
			slog.Info("Handshake failed", "remote_addr", remoteAddr, "reason", cause.Reason)
			if err := transport.Close(cause.Code, cause.Reason); err != nil {
				slog.Debug("Transport close failed", "remote_addr", remoteAddr, "error", err)
			}
		}
		return
	}

	slog.Info("Agent authenticated", "agent_id", conn.ID, "remote_addr", remoteAddr)

	go sh.sendLoop(conn)
	sh.serve(conn, reads)
}

func (sh *StreamHandler) handshake(transport Transport, reads <-chan inbound, remoteAddr string) (*AgentConnection, *Error) {
	hs := protocol.NewHandshake()

	var (
		timer    *time.Timer
		timerC   <-chan time.Time
		deadline time.Time
		conn     *AgentConnection
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	effects := hs.Fire(protocol.Event{Kind: protocol.EventOpened})

	for {
		for len(effects) > 0 {
			e := effects[0]
			effects = effects[1:]

			switch e.Kind {
			case protocol.EffectStartTimer:
				deadline = time.Now().Add(sh.config.HandshakeTimeout)
				timer = time.NewTimer(sh.config.HandshakeTimeout)
				timerC = timer.C

			case protocol.EffectCancelTimer:
				if timer != nil {
					timer.Stop()
				}
				timerC = nil

			case protocol.EffectResolveToken:
				effects = append(effects, hs.Fire(sh.resolveToken(e.Token, deadline))...)

			case protocol.EffectInstall:
				conn = newAgentConnection(e.AgentID, remoteAddr, transport, time.Now())
				if err := sh.connManager.Install(conn); err != nil {
					slog.Warn("Failed to install connection", "agent_id", e.AgentID, "error", err)
					var chErr *Error
					if !errors.As(err, &chErr) {
						// Store failure, not a verdict on the token.
						chErr = NewError(ErrUnavailable, protocol.ReasonUnavailable)
					}
					if chErr.Kind == ErrAuth {
						sh.writeDirect(transport, protocol.AuthFail(chErr.Reason))
					}
					return nil, chErr
				}

			case protocol.EffectSendAuthOK:
				// Written directly: the send loop is not running yet, so this
				// is ordered before anything queued since Install.
				if err := sh.writeDirect(transport, protocol.AuthOK(e.AgentID)); err != nil {
					sh.connManager.Remove(conn, NewError(ErrDisconnected, protocol.ReasonDisconnected))
					return nil, nil
				}

			case protocol.EffectSendAuthFail:
				_ = sh.writeDirect(transport, protocol.AuthFail(e.Reason))

			case protocol.EffectClose:
				return nil, &Error{Kind: kindForCloseCode(e.Code), Reason: e.Reason, Code: e.Code}
			}
		}

		if hs.Authenticated() {
			return conn, nil
		}

		select {
		case in, ok := <-reads:
			if !ok {
				return nil, nil
			}
			effects = hs.Fire(handshakeEvent(in))
		case <-timerC:
			effects = hs.Fire(protocol.Event{Kind: protocol.EventTimerExpired})
		}
	}
}

func handshakeEvent(in inbound) protocol.Event {
	if in.typ != websocket.MessageText {
		return protocol.Event{Kind: protocol.EventMalformed}
	}
	env, err := protocol.Decode(in.data)
	if err != nil && !errors.Is(err, protocol.ErrUnknownType) {
		return protocol.Event{Kind: protocol.EventMalformed}
	}
	return protocol.Event{Kind: protocol.EventMessage, Envelope: env}
}

// resolveToken looks the token up within what is left of the handshake window.
func (sh *StreamHandler) resolveToken(token string, deadline time.Time) protocol.Event {
	if sh.registry == nil {
		return protocol.Event{Kind: protocol.EventTokenRejected}
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	agent, err := sh.registry.FindByToken(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Event{Kind: protocol.EventTimerExpired}
		}
		if !errors.Is(err, agents.ErrAgentNotFound) {
			slog.Error("Token lookup failed", "error", err)
			return protocol.Event{Kind: protocol.EventLookupFailed}
		}
		return protocol.Event{Kind: protocol.EventTokenRejected}
	}
	if agent.Status == presence.StatusRevoked {
		return protocol.Event{Kind: protocol.EventTokenRejected}
	}
	return protocol.Event{Kind: protocol.EventTokenResolved, AgentID: agent.AgentID}
}

func (sh *StreamHandler) writeDirect(transport Transport, env *protocol.Envelope) error {
	err := transport.Write(context.Background(), env)
	if err != nil {
		slog.Debug("Direct write failed", "type", env.Type, "error", err)
	}
	return err
}

func (sh *StreamHandler) serve(conn *AgentConnection, reads <-chan inbound) {
	malformed := 0

	for {
		select {
		case in, ok := <-reads:
			if !ok {
				sh.connManager.Remove(conn, NewError(ErrDisconnected, protocol.ReasonDisconnected))
				return
			}

			if err := sh.processMessage(conn, in); err != nil {
				malformed++
				slog.Warn("Bad message from agent",
					"agent_id", conn.ID,
					"consecutive", malformed,
					"error", err)

				if malformed > sh.config.MaxMalformed {
					sh.connManager.Remove(conn, NewError(ErrProtocol, protocol.ReasonTooManyMalformed))
					return
				}
				conn.trySend(protocol.Error(err.Error()))
				continue
			}
			malformed = 0

		case <-conn.Done():
			return
		}
	}
}

func (sh *StreamHandler) processMessage(conn *AgentConnection, in inbound) error {
	// Any frame proves the peer is alive.
	conn.Touch(time.Now())

	if in.typ != websocket.MessageText {
		return fmt.Errorf("%w: binary frames are not supported", protocol.ErrMalformed)
	}

	env, err := protocol.Decode(in.data)
	if err != nil {
		return err
	}

	slog.Debug("Message received", "agent_id", conn.ID, "type", env.Type, "message_id", env.ID)

	switch env.Type {
	case protocol.TypePong:
		sh.connManager.RecordActivity(conn)

	case protocol.TypePing:
		conn.trySend(protocol.Pong())

	case protocol.TypeResult:
		if env.ID == "" {
			return fmt.Errorf("%w: result without id", protocol.ErrMalformed)
		}
		sh.dispatcher.HandleResult(conn, env)

	case protocol.TypeLog:
		if env.Message == "" {
			return fmt.Errorf("%w: log without message", protocol.ErrMalformed)
		}
		sh.appendLog(conn, env)

	default:
		return fmt.Errorf("%w: %s", errUnexpectedMessage, env.Type)
	}

	return nil
}

func (sh *StreamHandler) appendLog(conn *AgentConnection, env *protocol.Envelope) {
	if sh.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := sh.registry.AppendAgentLog(ctx, conn.ID, env.Level, env.Message, env.Metadata); err != nil {
		slog.Warn("Failed to store agent log", "agent_id", conn.ID, "error", err)
	}
}

func (sh *StreamHandler) receiveLoop(ws *websocket.Conn, remoteAddr string, out chan<- inbound, stop <-chan struct{}) {
	defer close(out)

	for {
		typ, data, err := ws.Read(context.Background())
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				slog.Debug("Peer closed channel", "remote_addr", remoteAddr, "status", status)
			} else if !errors.Is(err, context.Canceled) {
				slog.Debug("Error receiving message", "remote_addr", remoteAddr, "error", err)
			}
			return
		}

		select {
		case out <- inbound{typ: typ, data: data}:
		case <-stop:
			return
		}
	}
}

func (sh *StreamHandler) sendLoop(conn *AgentConnection) {
	for {
		select {
		case <-conn.Done():
			return
		case env := <-conn.SendCh:
			slog.Debug("Sending message", "agent_id", conn.ID, "type", env.Type, "message_id", env.ID)

			if err := conn.transport.Write(context.Background(), env); err != nil {
				slog.Error("Error sending message", "agent_id", conn.ID, "error", err)
				sh.connManager.Remove(conn, NewError(ErrDisconnected, protocol.ReasonDisconnected))
				return
			}
		}
	}
}
