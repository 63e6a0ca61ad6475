package agent

import (
	"context"

	"conductor/pkg/config"
	"conductor/pkg/proto"
)

// Processor is the contract concrete agent types must supply. Everything
// else about an agent's lifecycle is optional.
type Processor interface {
	// ProcessTask executes one task and returns its result. Errors are
	// caught by the agent loop, counted, and reported; they never crash
	// the loop.
	ProcessTask(ctx context.Context, task *proto.Task) (any, error)
}

// Optional lifecycle hooks. A Processor may implement any subset; absent
// hooks default to no-ops.

// Initializer runs once before the agent enters the idle state.
type Initializer interface {
	OnInitialize(ctx context.Context) error
}

// Starter runs when the processing loop starts.
type Starter interface {
	OnStart(ctx context.Context) error
}

// Stopper runs after the processing loop has drained.
type Stopper interface {
	OnStop(ctx context.Context) error
}

// SubscriptionSetup lets a processor register topic subscriptions during
// initialization.
type SubscriptionSetup interface {
	SetupSubscriptions(a *Agent) error
}

// ConfigLoader receives the agent configuration during initialization.
type ConfigLoader interface {
	LoadConfiguration(cfg config.AgentConfig) error
}
