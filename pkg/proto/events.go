package proto

// Observable event names emitted by agents and the orchestrator.
const (
	EventInitialized      = "initialized"
	EventStarted          = "started"
	EventStopped          = "stopped"
	EventTaskCompleted    = "task-completed"
	EventTaskFailed       = "task-failed"
	EventDecisionPending  = "decision_pending"
	EventAgentDecision    = "agent_decision"
	EventAgentError       = "agent_error"
	EventEmergencyDisable = "emergency_disable"
	EventAutonomyToggled  = "autonomy_toggled"
)
