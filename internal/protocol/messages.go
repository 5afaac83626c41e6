// Package protocol defines the agent channel wire format and the pure
// handshake state machine that guards it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

const (
	TypeAuth     MessageType = "auth"
	TypeAuthOK   MessageType = "auth_ok"
	TypeAuthFail MessageType = "auth_fail"
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
	TypeCommand  MessageType = "command"
	TypeResult   MessageType = "result"
	TypeLog      MessageType = "log"
	TypeError    MessageType = "error"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is every message on the channel. Fields irrelevant to Type are
// left empty and omitted on the wire.
type Envelope struct {
	Type MessageType `json:"type"`

	// auth
	Token string `json:"token,omitempty"`
	// auth_ok
	AgentID string `json:"agentId,omitempty"`
	// auth_fail
	Reason string `json:"reason,omitempty"`

	// command / result
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
	OK   *bool           `json:"ok,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`

	// result failure and server error replies
	Error string `json:"error,omitempty"`

	// log
	Level    string                 `json:"level,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (t MessageType) Known() bool {
	switch t {
	case TypeAuth, TypeAuthOK, TypeAuthFail, TypePing, TypePong,
		TypeCommand, TypeResult, TypeLog, TypeError:
		return true
	}
	return false
}

// Decode parses one text frame. It returns ErrMalformed for anything that is
// not a JSON object with a type, and ErrUnknownType for a well-formed
// envelope of a type this side does not speak.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !env.Type.Known() {
		return &env, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}
	return &env, nil
}

func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func Auth(token string) *Envelope {
	return &Envelope{Type: TypeAuth, Token: token}
}

func AuthOK(agentID string) *Envelope {
	return &Envelope{Type: TypeAuthOK, AgentID: agentID}
}

func AuthFail(reason string) *Envelope {
	return &Envelope{Type: TypeAuthFail, Reason: reason}
}

func Ping() *Envelope {
	return &Envelope{Type: TypePing}
}

func Pong() *Envelope {
	return &Envelope{Type: TypePong}
}

func Command(id, name string, args json.RawMessage) *Envelope {
	return &Envelope{Type: TypeCommand, ID: id, Name: name, Args: args}
}

// ResultOK builds a successful command result. data must already be JSON.
func ResultOK(id string, data json.RawMessage) *Envelope {
	ok := true
	return &Envelope{Type: TypeResult, ID: id, OK: &ok, Data: data}
}

func ResultError(id string, errMsg string) *Envelope {
	ok := false
	return &Envelope{Type: TypeResult, ID: id, OK: &ok, Error: errMsg}
}

func Log(level, message string, metadata map[string]interface{}) *Envelope {
	return &Envelope{Type: TypeLog, Level: level, Message: message, Metadata: metadata}
}

func Error(errMsg string) *Envelope {
	return &Envelope{Type: TypeError, Error: errMsg}
}
