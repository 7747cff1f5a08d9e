// Package agent defines the boundary to the external code-generation worker.
// The pipeline only sees Invoke: one task in, structured output or an error
// out. What happens behind that call (prompting, transport retries) is the
// invoker's business.
package agent

import (
	"context"

	"github.com/foundry/foreman/internal/store"
)

// Request is one phase-level invocation of the agent.
type Request struct {
	TaskID    string
	AgentType store.AgentType
	// Payload is the JSON task input: structured spec, tech stack, work dir.
	Payload string
	// WorkDir is the checkout the agent operates in: the job's worktree, or
	// the shared project directory when isolation is off.
	WorkDir string
}

// Response is the structured result of a successful invocation.
type Response struct {
	// Output is the agent's JSON output payload.
	Output string
	// TransportRetries counts retries the invoker performed internally.
	// Independent of the pipeline's own retry ceiling.
	TransportRetries int
}

// Invoker executes one task against the external agent. Implementations must
// honor context cancellation by terminating the underlying work.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}
