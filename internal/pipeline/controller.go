// Package pipeline drives one requirement through the build phases:
// planning, architecting, coding, then the review and test revision loops.
// The controller owns the in-memory loop counters for a single run; the
// store owns everything durable.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/foundry/foreman/internal/agent"
	"github.com/foundry/foreman/internal/bus"
	"github.com/foundry/foreman/internal/config"
	"github.com/foundry/foreman/internal/shared"
	"github.com/foundry/foreman/internal/store"
)

// Pipeline phases, in execution order.
const (
	PhasePlanning     = "planning"
	PhaseArchitecting = "architecting"
	PhaseCoding       = "coding"
	PhaseReviewing    = "reviewing"
	PhaseTesting      = "testing"
)

// ModeFix marks a coder task generated from review or test feedback.
const ModeFix = "fix"

// Params configures a Controller. One Controller drives one requirement at
// a time; the scheduler creates a fresh one per job.
type Params struct {
	Store   *store.Store
	Invoker agent.Invoker
	Bus     *bus.Bus // optional
	Logger  *slog.Logger
	Limits  config.LoopLimits
	Retry   config.RetryConfig
	Tracer  trace.Tracer // optional

	// SkipPhaseUpdates suppresses session current_phase writes. Set whenever
	// more than one job runs concurrently; the field is single-writer state.
	SkipPhaseUpdates bool

	// WorkDir is the checkout agent tasks operate in: the job's worktree
	// path, or the shared project directory when isolation is off.
	WorkDir string
}

// Controller is the phase state machine for a single requirement.
type Controller struct {
	store   *store.Store
	invoker agent.Invoker
	bus     *bus.Bus
	logger  *slog.Logger
	limits  config.LoopLimits
	retry   config.RetryConfig
	tracer  trace.Tracer

	skipPhaseUpdates bool
	workDir          string

	mu        sync.Mutex
	cancelRun context.CancelFunc

	// Per-run state, reset at the top of Run.
	agentCalls     int
	lastTaskID     string
	completedTasks []string
	pendingTasks   []string
}

// New builds a Controller. Logger defaults to slog.Default.
func New(p Params) *Controller {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := p.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return &Controller{
		store:            p.Store,
		invoker:          p.Invoker,
		bus:              p.Bus,
		logger:           logger,
		limits:           p.Limits,
		retry:            p.Retry,
		tracer:           tracer,
		skipPhaseUpdates: p.SkipPhaseUpdates,
		workDir:          p.WorkDir,
	}
}

// taskInput is the JSON payload handed to the agent for one task.
type taskInput struct {
	Phase       string      `json:"phase"`
	Mode        string      `json:"mode,omitempty"`
	Requirement string      `json:"requirement"`
	Spec        *store.Spec `json:"spec,omitempty"`
	TechStack   []string    `json:"tech_stack,omitempty"`
	WorkDir     string      `json:"work_dir,omitempty"`
	Issues      string      `json:"issues,omitempty"`
	Attempt     int         `json:"attempt,omitempty"`
}

func (in taskInput) encode() string {
	data, err := json.Marshal(in)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Run drives the requirement through every phase. On any fatal error the
// requirement is marked failed before the error is returned; on success it
// is marked completed.
func (c *Controller) Run(ctx context.Context, requirementID string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// One run id per pipeline pass; standalone runs also get the
	// requirement id on the context (the scheduler sets it for jobs).
	runCtx = shared.WithRunID(runCtx, shared.NewRunID())
	runCtx = shared.WithRequirementID(runCtx, requirementID)
	c.mu.Lock()
	c.cancelRun = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelRun = nil
		c.mu.Unlock()
	}()

	c.agentCalls = 0
	c.lastTaskID = ""
	c.completedTasks = nil
	c.pendingTasks = nil

	req, err := c.store.GetRequirement(runCtx, requirementID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Error{Kind: KindNotFound, Detail: fmt.Sprintf("requirement %s", requirementID), Err: err}
		}
		return err
	}
	sess, err := c.store.GetSession(runCtx, req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Error{Kind: KindNotFound, Detail: fmt.Sprintf("session %s", req.SessionID), Err: err}
		}
		return err
	}

	if err := c.store.UpdateRequirementStatus(runCtx, req.ID, store.RequirementInProgress, ""); err != nil {
		return err
	}

	if err := c.runPhases(runCtx, sess, req); err != nil {
		if stErr := c.store.UpdateRequirementStatus(context.WithoutCancel(runCtx), req.ID, store.RequirementFailed, err.Error()); stErr != nil {
			c.logger.Error("mark requirement failed", "requirement_id", req.ID, "error", stErr.Error())
		}
		return err
	}
	return c.store.UpdateRequirementStatus(runCtx, req.ID, store.RequirementCompleted, "")
}

// Kill cancels the in-flight run, terminating the current agent subprocess
// through context cancellation. Safe to call when no run is active.
func (c *Controller) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelRun != nil {
		c.cancelRun()
	}
}

func (c *Controller) runPhases(ctx context.Context, sess *store.Session, req *store.Requirement) error {
	spec := &store.Spec{
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Dependencies:       req.Dependencies,
	}

	// Planning: the one phase whose output mutates the requirement itself.
	if err := c.enterPhase(ctx, sess.ID, req.ID, PhasePlanning, 1); err != nil {
		return err
	}
	planOut, err := c.runAgent(ctx, req.ID, sess.ID, store.AgentPlanner, taskInput{
		Phase:       PhasePlanning,
		Requirement: req.RawInput,
		TechStack:   sess.TechStack,
		WorkDir:     c.workDir,
	}.encode(), c.workDir)
	if err != nil {
		return err
	}
	parsed, err := ParsePlan(planOut)
	if err != nil {
		return err
	}
	if err := c.store.SetRequirementSpec(ctx, req.ID, parsed); err != nil {
		return err
	}
	spec = &parsed
	c.finishPhase(req.ID, PhasePlanning, 1)

	for _, phase := range []string{PhaseArchitecting, PhaseCoding} {
		if err := c.enterPhase(ctx, sess.ID, req.ID, phase, 1); err != nil {
			return err
		}
		if _, err := c.runAgent(ctx, req.ID, sess.ID, phaseAgent(phase), taskInput{
			Phase:       phase,
			Requirement: req.RawInput,
			Spec:        spec,
			TechStack:   sess.TechStack,
			WorkDir:     c.workDir,
		}.encode(), c.workDir); err != nil {
			return err
		}
		c.finishPhase(req.ID, phase, 1)
	}

	if err := c.reviewLoop(ctx, sess, req, spec); err != nil {
		return err
	}
	return c.testLoop(ctx, sess, req, spec)
}

// reviewLoop runs reviewing up to the configured attempts, interleaving a
// coder fix task after each failed verdict. Exhaustion is non-fatal: it is
// logged and the pipeline proceeds to testing.
func (c *Controller) reviewLoop(ctx context.Context, sess *store.Session, req *store.Requirement, spec *store.Spec) error {
	for attempt := 1; attempt <= c.limits.ReviewToCoder; attempt++ {
		if err := c.enterPhase(ctx, sess.ID, req.ID, PhaseReviewing, attempt); err != nil {
			return err
		}
		output, err := c.runAgent(ctx, req.ID, sess.ID, store.AgentReviewer, taskInput{
			Phase:     PhaseReviewing,
			Spec:      spec,
			TechStack: sess.TechStack,
			WorkDir:   c.workDir,
			Attempt:   attempt,
		}.encode(), c.workDir)
		if err != nil {
			return err
		}
		c.finishPhase(req.ID, PhaseReviewing, attempt)

		if boolField(output, "passed") {
			return nil
		}
		if attempt == c.limits.ReviewToCoder {
			break
		}
		if err := c.runFix(ctx, sess, req, spec, output); err != nil {
			return err
		}
	}

	c.logger.WarnContext(ctx, "review loop exhausted without passing, proceeding to testing",
		"attempts", c.limits.ReviewToCoder,
	)
	c.publish(bus.TopicReviewExhausted, bus.PhaseEvent{
		RequirementID: req.ID,
		Phase:         PhaseReviewing,
		TaskID:        c.lastTaskID,
		Attempt:       c.limits.ReviewToCoder,
	})
	return nil
}

// testLoop runs testing up to the configured attempts with a coder fix task
// between failed verdicts. Exhaustion is fatal.
func (c *Controller) testLoop(ctx context.Context, sess *store.Session, req *store.Requirement, spec *store.Spec) error {
	for attempt := 1; attempt <= c.limits.TestToCoder; attempt++ {
		if err := c.enterPhase(ctx, sess.ID, req.ID, PhaseTesting, attempt); err != nil {
			return err
		}
		output, err := c.runAgent(ctx, req.ID, sess.ID, store.AgentTester, taskInput{
			Phase:     PhaseTesting,
			Spec:      spec,
			TechStack: sess.TechStack,
			WorkDir:   c.workDir,
			Attempt:   attempt,
		}.encode(), c.workDir)
		if err != nil {
			return err
		}
		c.finishPhase(req.ID, PhaseTesting, attempt)

		if boolField(output, "all_passed", "allPassed") {
			return nil
		}
		if attempt == c.limits.TestToCoder {
			return &Error{
				Kind:   KindTestLoopExhausted,
				Detail: fmt.Sprintf("requirement %s: tests still failing after %d attempts", req.ID, c.limits.TestToCoder),
			}
		}
		if err := c.runFix(ctx, sess, req, spec, output); err != nil {
			return err
		}
	}
	return nil
}

// runFix runs a coder task in fix mode, feeding the previous verdict output
// back as issues to address.
func (c *Controller) runFix(ctx context.Context, sess *store.Session, req *store.Requirement, spec *store.Spec, issues string) error {
	_, err := c.runAgent(ctx, req.ID, sess.ID, store.AgentCoder, taskInput{
		Phase:     PhaseCoding,
		Mode:      ModeFix,
		Spec:      spec,
		TechStack: sess.TechStack,
		WorkDir:   c.workDir,
		Issues:    issues,
	}.encode(), c.workDir)
	return err
}

// enterPhase writes the pre-phase checkpoint, records the session phase for
// single-flight runs, and announces the phase on the bus.
func (c *Controller) enterPhase(ctx context.Context, sessionID, requirementID, phase string, attempt int) error {
	if _, err := c.store.CreateCheckpoint(ctx, sessionID, requirementID, phase, c.lastTaskID, c.completedTasks, c.pendingTasks); err != nil {
		return err
	}
	if !c.skipPhaseUpdates {
		if err := c.store.UpdateSessionPhase(ctx, sessionID, phase); err != nil {
			return err
		}
	}
	c.logger.InfoContext(ctx, "phase started",
		"phase", phase,
		"attempt", attempt,
	)
	c.publish(bus.TopicPhaseStarted, bus.PhaseEvent{
		RequirementID: requirementID,
		Phase:         phase,
		Attempt:       attempt,
	})
	return nil
}

func (c *Controller) finishPhase(requirementID, phase string, attempt int) {
	c.publish(bus.TopicPhaseCompleted, bus.PhaseEvent{
		RequirementID: requirementID,
		Phase:         phase,
		TaskID:        c.lastTaskID,
		Attempt:       attempt,
	})
}

func (c *Controller) publish(topic string, payload any) {
	if c.bus != nil {
		c.bus.Publish(topic, payload)
	}
}

func phaseAgent(phase string) store.AgentType {
	switch phase {
	case PhasePlanning:
		return store.AgentPlanner
	case PhaseArchitecting:
		return store.AgentArchitect
	case PhaseCoding:
		return store.AgentCoder
	case PhaseReviewing:
		return store.AgentReviewer
	case PhaseTesting:
		return store.AgentTester
	default:
		return store.AgentCoder
	}
}
