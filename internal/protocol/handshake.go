package protocol

import "time"

const DefaultHandshakeTimeout = 5 * time.Second

type State int

const (
	StateConnecting State = iota
	StateAwaitingAuth
	// StateResolving is AwaitingAuth with a token lookup in flight. Nothing
	// from the peer is acted on here; it only exits to Authenticated or Closed.
	StateResolving
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateResolving:
		return "resolving"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventMessage
	EventMalformed
	EventTimerExpired
	EventTokenResolved
	EventTokenRejected
	// EventLookupFailed: the registry could not answer. The peer may retry.
	EventLookupFailed
)

type Event struct {
	Kind     EventKind
	Envelope *Envelope // EventMessage
	AgentID  string    // EventTokenResolved
}

type EffectKind int

const (
	EffectStartTimer EffectKind = iota + 1
	EffectCancelTimer
	EffectResolveToken
	EffectSendAuthOK
	EffectSendAuthFail
	EffectInstall
	EffectClose
)

// Effect is an instruction for the driver. Only the fields relevant to Kind
// are set.
type Effect struct {
	Kind    EffectKind
	Token   string
	AgentID string
	Code    int
	Reason  string
}

// Step is the handshake transition function. It performs no I/O; the caller
// executes the returned effects in order.
func Step(state State, ev Event) (State, []Effect) {
	switch state {
	case StateConnecting:
		if ev.Kind == EventOpened {
			return StateAwaitingAuth, []Effect{{Kind: EffectStartTimer}}
		}
		return StateClosed, []Effect{closeWith(CloseProtocol, ReasonUnexpectedMessage)}

	case StateAwaitingAuth:
		switch ev.Kind {
		case EventMessage:
			if ev.Envelope == nil || ev.Envelope.Type != TypeAuth {
				return fail(CloseProtocol, ReasonUnexpectedMessage, false)
			}
			if ev.Envelope.Token == "" {
				return fail(CloseAuth, ReasonMissingToken, true)
			}
			return StateResolving, []Effect{{Kind: EffectResolveToken, Token: ev.Envelope.Token}}
		case EventMalformed:
			return fail(CloseProtocol, ReasonMalformedMessage, false)
		case EventTimerExpired:
			return StateClosed, []Effect{closeWith(CloseTimeout, ReasonHandshakeTimeout)}
		}
		return fail(CloseProtocol, ReasonUnexpectedMessage, false)

	case StateResolving:
		switch ev.Kind {
		case EventTokenResolved:
			return StateAuthenticated, []Effect{
				{Kind: EffectCancelTimer},
				{Kind: EffectInstall, AgentID: ev.AgentID},
				{Kind: EffectSendAuthOK, AgentID: ev.AgentID},
			}
		case EventTokenRejected:
			return fail(CloseAuth, ReasonInvalidToken, true)
		case EventLookupFailed:
			return fail(CloseInternal, ReasonUnavailable, false)
		case EventTimerExpired:
			return StateClosed, []Effect{closeWith(CloseTimeout, ReasonHandshakeTimeout)}
		case EventMalformed:
			return fail(CloseProtocol, ReasonMalformedMessage, false)
		}
		return fail(CloseProtocol, ReasonUnexpectedMessage, false)

	case StateAuthenticated:
		// Post-handshake traffic is routed by the connection, not here.
		return StateAuthenticated, nil
	}

	return StateClosed, nil
}

func fail(code int, reason string, notify bool) (State, []Effect) {
	effects := []Effect{{Kind: EffectCancelTimer}}
	if notify {
		effects = append(effects, Effect{Kind: EffectSendAuthFail, Reason: reason})
	}
	return StateClosed, append(effects, closeWith(code, reason))
}

func closeWith(code int, reason string) Effect {
	return Effect{Kind: EffectClose, Code: code, Reason: reason}
}

// Handshake holds the current state for one connection.
type Handshake struct {
	state   State
	agentID string
}

func NewHandshake() *Handshake {
	return &Handshake{state: StateConnecting}
}

func (h *Handshake) Fire(ev Event) []Effect {
	next, effects := Step(h.state, ev)
	if next == StateAuthenticated && h.state != StateAuthenticated {
		h.agentID = ev.AgentID
	}
	h.state = next
	return effects
}

func (h *Handshake) State() State {
	return h.state
}

// AgentID is set once the handshake has authenticated.
func (h *Handshake) AgentID() string {
	return h.agentID
}

func (h *Handshake) Authenticated() bool {
	return h.state == StateAuthenticated
}
