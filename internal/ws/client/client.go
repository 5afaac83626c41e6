package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/EternisAI/silo-desktop/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	sendChannelBuffer = 100
	readLimit         = 1 << 20
	writeTimeout      = 10 * time.Second
	handshakeTimeout  = 10 * time.Second
	initialDelay      = 1 * time.Second
	maxDelay          = 30 * time.Second
	backoffFactor     = 2
)

var (
	// ErrAuthRejected is terminal: retrying with the same token cannot succeed.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrSuperseded means another session authenticated with the same token.
	ErrSuperseded = errors.New("connection superseded")
)

type Client struct {
	serverURL string
	token     string
	tlsConfig *tls.Config
	handler   *CommandHandler

	sendCh   chan *protocol.Envelope
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	initialReconnectDelay time.Duration
	reconnectDelay        time.Duration
	maxReconnectDelay     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	conn    *websocket.Conn
	agentID string
	err     error
	started bool
}

// NewClient connects to serverURL (ws:// or wss://). tlsConfig may be nil.
func NewClient(serverURL, token string, handler *CommandHandler, tlsConfig *tls.Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	if handler == nil {
		handler = NewCommandHandler("")
	}
	return &Client{
		serverURL:             serverURL,
		token:                 token,
		tlsConfig:             tlsConfig,
		handler:               handler,
		sendCh:                make(chan *protocol.Envelope, sendChannelBuffer),
		stopCh:                make(chan struct{}),
		doneCh:                make(chan struct{}),
		initialReconnectDelay: initialDelay,
		reconnectDelay:        initialDelay,
		maxReconnectDelay:     maxDelay,
		ctx:                   ctx,
		cancel:                cancel,
	}
}

func (c *Client) Start() error {
	if c.token == "" {
		return fmt.Errorf("%w: token is required", ErrAuthRejected)
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("client already started")
	}
	c.started = true
	c.mu.Unlock()

	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		slog.Info("Stopping agent client")
		close(c.stopCh)

		c.mu.Lock()
		conn := c.conn
		started := c.started
		c.started = true
		c.mu.Unlock()
		if !started {
			close(c.doneCh)
		}
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, protocol.ReasonShutdown)
		}

		c.cancel()
	})
	<-c.doneCh
	slog.Info("Agent client stopped")
	return nil
}

// Done is closed once the client has stopped for good.
func (c *Client) Done() <-chan struct{} {
	return c.doneCh
}

// Err reports the terminal error, if the client gave up on its own.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *Client) Send(env *protocol.Envelope) error {
	select {
	case c.sendCh <- env:
		return nil
	default:
		return fmt.Errorf("send channel full")
	}
}

func (c *Client) SendLog(level, message string, metadata map[string]interface{}) error {
	return c.Send(protocol.Log(level, message, metadata))
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		err := c.connect()
		if err == nil {
			c.reconnectDelay = c.initialReconnectDelay
			err = c.handleStream()
			c.disconnect()
		}

		if isTerminal(err) {
			select {
			case <-c.stopCh:
			default:
				slog.Error("Giving up on server connection", "error", err)
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}

		select {
		case <-c.stopCh:
			return
		default:
		}

		slog.Warn("Connection lost", "error", err, "retry_in", c.reconnectDelay)
		select {
		case <-time.After(c.reconnectDelay):
			c.increaseReconnectDelay()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) connect() error {
	slog.Info("Connecting to server", "url", c.serverURL)

	dialCtx, cancel := context.WithTimeout(c.ctx, handshakeTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.tlsConfig != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: c.tlsConfig},
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.serverURL, opts)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if err := wsjson.Write(dialCtx, conn, protocol.Auth(c.token)); err != nil {
		conn.CloseNow()
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var reply protocol.Envelope
	if err := wsjson.Read(dialCtx, conn, &reply); err != nil {
		conn.CloseNow()
		return classifyClose(err)
	}

	switch reply.Type {
	case protocol.TypeAuthOK:
	case protocol.TypeAuthFail:
		conn.CloseNow()
		return fmt.Errorf("%w: %s", ErrAuthRejected, reply.Reason)
	default:
		conn.CloseNow()
		return fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}

	c.mu.Lock()
	c.conn = conn
	c.agentID = reply.AgentID
	c.mu.Unlock()

	slog.Info("Authenticated with server", "agent_id", reply.AgentID)
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.CloseNow()
		c.conn = nil
	}
}

func (c *Client) increaseReconnectDelay() {
	c.reconnectDelay = c.reconnectDelay * backoffFactor
	if c.reconnectDelay > c.maxReconnectDelay {
		c.reconnectDelay = c.maxReconnectDelay
	}
}

func (c *Client) handleStream() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	done := make(chan struct{})
	errChan := make(chan error, 2)

	go c.receiveLoop(conn, errChan)
	go c.sendLoop(conn, done, errChan)

	err := <-errChan
	close(done)
	return err
}

func (c *Client) receiveLoop(conn *websocket.Conn, errChan chan<- error) {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			errChan <- classifyClose(err)
			return
		}

		if typ != websocket.MessageText {
			slog.Warn("Ignoring binary frame")
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("Ignoring message", "error", err)
			continue
		}

		c.processMessage(env)
	}
}

func (c *Client) sendLoop(conn *websocket.Conn, done <-chan struct{}, errChan chan<- error) {
	for {
		select {
		case <-done:
			return
		case env := <-c.sendCh:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(ctx, conn, env)
			cancel()
			if err != nil {
				slog.Error("Error sending message", "type", env.Type, "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) processMessage(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		if err := c.Send(protocol.Pong()); err != nil {
			slog.Error("Failed to queue pong", "error", err)
		}

	case protocol.TypeCommand:
		slog.Debug("Command received", "command_id", env.ID, "name", env.Name)
		go c.handleCommand(env)

	case protocol.TypeError:
		slog.Warn("Server rejected message", "error", env.Error)

	default:
		slog.Warn("Unexpected message type", "type", env.Type)
	}
}

func (c *Client) handleCommand(env *protocol.Envelope) {
	result := c.handler.Handle(c.ctx, env)
	if err := c.Send(result); err != nil {
		slog.Error("Failed to queue result", "command_id", env.ID, "error", err)
	}
}

func classifyClose(err error) error {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}

	switch int(ce.Code) {
	case protocol.CloseAuth:
		return fmt.Errorf("%w: %s", ErrAuthRejected, ce.Reason)
	case protocol.CloseConflict:
		return fmt.Errorf("%w: %s", ErrSuperseded, ce.Reason)
	default:
		return fmt.Errorf("server closed connection (%d %s)", ce.Code, ce.Reason)
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrSuperseded)
}
