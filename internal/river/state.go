package river

import (
	"fmt"
	"sync"

	"river/pkg/errors"
)

// State is the lifecycle state of a river. Failed is terminal.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	Stopped:  {Starting},
	Starting: {Running, Stopped, Failed},
	Running:  {Stopping, Failed},
	Stopping: {Stopped, Failed},
	Failed:   {},
}

func (s State) CanTransitionTo(to State) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

var ErrInvalidTransition = errors.ErrInvalidState

// SessionState describes the broker session owned by a ConnectionManager.
type SessionState int

const (
	SessionClosed SessionState = iota
	SessionConnected
	SessionSubscribed
	SessionConsuming
	SessionReconnecting
)

func (s SessionState) String() string {
	switch s {
	case SessionClosed:
		return "closed"
	case SessionConnected:
		return "connected"
	case SessionSubscribed:
		return "subscribed"
	case SessionConsuming:
		return "consuming"
	case SessionReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("session(%d)", int(s))
	}
}

type stateMachine struct {
	mu      sync.RWMutex
	current State
	onEnter func(State)
}

func (m *stateMachine) get() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// transition moves from one state to another. It fails without side effects
// when the machine is not in from or the move is not in the table.
func (m *stateMachine) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != from || !from.CanTransitionTo(to) {
		return ErrInvalidTransition.WithDetail("message",
			fmt.Sprintf("cannot move from %s to %s while %s", from, to, m.current))
	}
	m.current = to
	if m.onEnter != nil {
		m.onEnter(to)
	}
	return nil
}

// fail moves any non-terminal state that allows it to Failed and reports
// whether it did.
func (m *stateMachine) fail() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current.CanTransitionTo(Failed) {
		return false
	}
	m.current = Failed
	if m.onEnter != nil {
		m.onEnter(Failed)
	}
	return true
}
