package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/foundry/foreman/internal/agent"
	"github.com/foundry/foreman/internal/bus"
	fmotel "github.com/foundry/foreman/internal/otel"
	"github.com/foundry/foreman/internal/store"
)

// runAgent executes one task against the agent: budget check, retry loop
// with exponential backoff, and durable task bookkeeping. Only the final
// failure is persisted on the task; intermediate attempt failures surface as
// retry events.
func (c *Controller) runAgent(ctx context.Context, requirementID, sessionID string, agentType store.AgentType, input, workDir string) (string, error) {
	c.agentCalls++
	if c.agentCalls > c.limits.MaxAgentCalls {
		return "", &Error{
			Kind:   KindCallBudgetExceeded,
			Detail: fmt.Sprintf("requirement %s exceeded %d agent calls", requirementID, c.limits.MaxAgentCalls),
		}
	}

	taskID, err := c.store.CreateTask(ctx, requirementID, sessionID, agentType, input)
	if err != nil {
		return "", err
	}
	c.pendingTasks = append(c.pendingTasks, taskID)
	if err := c.store.MarkTaskRunning(ctx, taskID); err != nil {
		return "", err
	}

	ctx, span := fmotel.StartClientSpan(ctx, c.tracer, "foreman.agent.invoke",
		fmotel.AttrTaskID.String(taskID),
		fmotel.AttrAgentType.String(string(agentType)),
		fmotel.AttrRequirementID.String(requirementID),
	)
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxRetries; attempt++ {
		resp, err := c.invoker.Invoke(ctx, agent.Request{
			TaskID:    taskID,
			AgentType: agentType,
			Payload:   input,
			WorkDir:   workDir,
		})
		if err == nil {
			if err := c.store.CompleteTask(ctx, taskID, resp.Output, attempt-1); err != nil {
				return "", err
			}
			c.markTaskDone(taskID)
			c.lastTaskID = taskID
			return resp.Output, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			break
		}
		if attempt == c.retry.MaxRetries {
			break
		}

		delay := c.backoffDelay(attempt)
		c.logger.WarnContext(ctx, "agent attempt failed, retrying",
			"task_id", taskID,
			"agent_type", string(agentType),
			"attempt", attempt,
			"delay", delay.String(),
			"error", err.Error(),
		)
		c.publish(bus.TopicTaskRetrying, bus.TaskRetryEvent{
			TaskID:  taskID,
			Attempt: attempt,
			Delay:   delay.String(),
			Error:   err.Error(),
		})
		if err := sleepCtx(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	failErr := &Error{
		Kind:   KindRetryExhausted,
		Detail: fmt.Sprintf("task %s failed after %d attempts", taskID, c.retry.MaxRetries),
		Err:    lastErr,
	}
	if ctx.Err() != nil {
		failErr.Kind = KindCancelled
		failErr.Detail = fmt.Sprintf("task %s cancelled", taskID)
	}
	// Persist the final failure before surfacing it, so the durable record
	// matches the outcome even if the caller dies right after.
	if stErr := c.store.FailTask(context.WithoutCancel(ctx), taskID, failErr.Error(), c.retry.MaxRetries); stErr != nil {
		c.logger.ErrorContext(ctx, "record task failure", "task_id", taskID, "error", stErr.Error())
	}
	c.removePending(taskID)
	c.lastTaskID = taskID
	span.RecordError(failErr)
	span.SetStatus(codes.Error, failErr.Error())
	return "", failErr
}

// backoffDelay returns the sleep after failed attempt number attempt:
// min(initialDelay * multiplier^(attempt-1), maxDelay).
func (c *Controller) backoffDelay(attempt int) time.Duration {
	initial := c.retry.InitialDelay()
	max := c.retry.MaxDelay()
	delay := time.Duration(float64(initial) * math.Pow(c.retry.Multiplier, float64(attempt-1)))
	if delay > max || delay < 0 {
		delay = max
	}
	return delay
}

// markTaskDone moves a task id from the pending set to the completed set.
func (c *Controller) markTaskDone(taskID string) {
	c.removePending(taskID)
	c.completedTasks = append(c.completedTasks, taskID)
}

func (c *Controller) removePending(taskID string) {
	for i, id := range c.pendingTasks {
		if id == taskID {
			c.pendingTasks = append(c.pendingTasks[:i], c.pendingTasks[i+1:]...)
			break
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
