package workflow

import (
	"fmt"
	"strings"
	"sync"
)

const (
	SessionConnecting    = "connecting"
	SessionAwaitingAuth  = "awaiting_auth"
	SessionAuthenticated = "authenticated"
	SessionClosing       = "closing"
	SessionClosed        = "closed"
)

const (
	SessionEventUpgraded      = "socket_upgraded"
	SessionEventAuthenticated = "station_authenticated"
	SessionEventAuthFailed    = "station_auth_failed"
	SessionEventClosing       = "session_closing"
	SessionEventClosed        = "session_closed"
)

var sessionTransitions = map[string]map[string]string{
	SessionConnecting: {
		SessionAwaitingAuth: SessionEventUpgraded,
		SessionClosing:      SessionEventClosing,
	},
	SessionAwaitingAuth: {
		SessionAuthenticated: SessionEventAuthenticated,
		SessionClosing:       SessionEventAuthFailed,
	},
	SessionAuthenticated: {
		SessionClosing: SessionEventClosing,
	},
	SessionClosing: {
		SessionClosed: SessionEventClosed,
	},
}

func NormalizeSessionState(state string) string {
	return strings.ToLower(strings.TrimSpace(state))
}

func CanTransition(fromState string, toState string) bool {
	fromState = NormalizeSessionState(fromState)
	toState = NormalizeSessionState(toState)
	if fromState == toState {
		return true
	}
	next := sessionTransitions[fromState]
	if next == nil {
		return false
	}
	_, ok := next[toState]
	return ok
}

func EventTypeForTransition(fromState string, toState string) string {
	fromState = NormalizeSessionState(fromState)
	toState = NormalizeSessionState(toState)
	if fromState == toState {
		return ""
	}
	next := sessionTransitions[fromState]
	if next == nil {
		return ""
	}
	return next[toState]
}

// Machine holds the current state of one session and only moves along the
// transition table.
type Machine struct {
	mu    sync.Mutex
	state string
}

func NewMachine() *Machine {
	return &Machine{state: SessionConnecting}
}

func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to toState and returns the event name for the move. A
// move to the current state is a no-op with an empty event.
func (m *Machine) Transition(toState string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.state, toState) {
		return "", fmt.Errorf("invalid session transition %s -> %s", m.state, toState)
	}
	ev := EventTypeForTransition(m.state, toState)
	m.state = NormalizeSessionState(toState)
	return ev, nil
}
