package proto

import "fmt"

// AgentState is the lifecycle state of an agent. State governs whether the
// orchestrator may assign work to the agent.
type AgentState string

const (
	StateUninitialized AgentState = "uninitialized"
	StateIdle          AgentState = "idle"
	StateBusy          AgentState = "busy"
	StateError         AgentState = "error"
	StateStopped       AgentState = "stopped"
)

func (s AgentState) String() string {
	return string(s)
}

// ValidTransitions is the agent lifecycle transition table.
var ValidTransitions = map[AgentState][]AgentState{ //nolint:gochecknoglobals
	StateUninitialized: {StateIdle, StateStopped},
	StateIdle:          {StateBusy, StateStopped, StateError},
	StateBusy:          {StateIdle, StateError, StateStopped},
	StateError:         {StateIdle, StateStopped},
	StateStopped:       {StateIdle},
}

// IsValidTransition reports whether from -> to is an allowed lifecycle move.
func IsValidTransition(from, to AgentState) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned for lifecycle moves not in the table.
var ErrInvalidTransition = fmt.Errorf("invalid state transition")

// StateChange notifies observers of an agent lifecycle transition.
type StateChange struct {
	AgentID string     `json:"agent_id"`
	From    AgentState `json:"from"`
	To      AgentState `json:"to"`
}
