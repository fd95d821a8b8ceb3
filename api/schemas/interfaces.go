package schemas

import "context"

// -- LLM Interfaces --

// Role identifies which council seat a model call is made for. The
// role-to-model mapping comes from configuration and is opaque to the core.
type Role string

const (
	RoleCriticA     Role = "critic_a"
	RoleCriticB     Role = "critic_b"
	RoleChair       Role = "chair"
	RoleImplementer Role = "implementer"
)

// GenerationRequest carries one prompt pair to a model.
type GenerationRequest struct {
	Role         Role
	SystemPrompt string
	UserPrompt   string
}

// LLMClient is the narrow transport contract the runner depends on. An empty
// reply is an error, never an empty string. Implementations must honor ctx
// cancellation and deadlines.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// RoleClient resolves a council role to a concrete model client and invokes
// it. The runner only ever talks to this interface.
type RoleClient interface {
	Call(ctx context.Context, role Role, systemPrompt, userPrompt string) (string, error)
}

// EventSink receives every event of a job, in emission order, keyed by job
// identifier. Implementations must not block for long; the bridge between a
// runner and the sink is the manager's responsibility.
type EventSink func(jobID string, event Event)
