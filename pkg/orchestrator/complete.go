package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pario-ai/helmsman/pkg/budget"
	"github.com/pario-ai/helmsman/pkg/models"
	"github.com/pario-ai/helmsman/pkg/provider"
	"github.com/pario-ai/helmsman/pkg/router"
)

// ErrAllModelsFailed is returned when every candidate model for a task
// failed or was skipped.
var ErrAllModelsFailed = errors.New("orchestrator: all candidate models failed")

// Complete runs req for task, walking the router's candidates until one
// succeeds or MaxAttempts calls have been made. The model, temperature
// and token ceiling of req are set from the router. A successful call is
// recorded with the budget monitor exactly once, attributed to ticketID
// when it is not empty.
func (o *Orchestrator) Complete(ctx context.Context, task models.TaskType, ticketID string, req provider.Request) (*provider.Result, error) {
	if o.budget.IsOverBudget() {
		return nil, budget.ErrBudgetExceeded
	}

	policy := router.PolicyFor(task)
	req.Temperature = policy.Temperature
	req.MaxTokens = policy.MaxTokens

	tried := make(map[string]bool, o.maxAttempts)
	var lastErr error
	for n := 0; n < o.maxAttempts; n++ {
		model := o.router.SelectModel(task)
		if tried[model] {
			model = o.nextCandidate(task, tried)
			if model == "" {
				break
			}
		}
		tried[model] = true

		o.router.RecordUsage(model)
		req.Model = model
		start := o.clock.Now()
		res, err := o.provider.Complete(ctx, req)
		rec := models.CallRecord{
			TicketID:  ticketID,
			Task:      task,
			Model:     model,
			Status:    models.CallOK,
			LatencyMs: o.clock.Now().Sub(start).Milliseconds(),
		}
		if err == nil {
			// Bill the model that answered; providers may resolve an
			// alias to a dated snapshot.
			if res.Model == "" {
				res.Model = model
			}
			tracked := o.budget.TrackRequest(models.RequestData{
				Model:        res.Model,
				Task:         task,
				TicketID:     ticketID,
				InputTokens:  res.InputTokens,
				OutputTokens: res.OutputTokens,
				CachedTokens: res.CachedTokens,
			})
			rec.Model = res.Model
			rec.InputTokens = res.InputTokens
			rec.OutputTokens = res.OutputTokens
			rec.CachedTokens = res.CachedTokens
			rec.Cost = tracked.Cost
			o.record(ctx, &rec, &req, res.Text)
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err

		var perr *provider.ProviderError
		rateLimited := errors.As(err, &perr) && perr.IsRateLimited()
		rec.Status = models.CallFailed
		if rateLimited {
			rec.Status = models.CallRateLimited
		}
		rec.Error = err.Error()
		o.record(ctx, &rec, &req, "")

		if rateLimited {
			o.router.MarkRateLimited(model, perr.RetryAfterSeconds())
			o.logger.Warn("model rate limited", "model", model, "task", task, "retry_after", perr.RetryAfter)
			continue
		}
		o.logger.Warn("model call failed", "model", model, "task", task, "error", err)
	}
	return nil, fmt.Errorf("%w for %s: %w", ErrAllModelsFailed, task, lastErr)
}

// nextCandidate returns the first model in task's waterfall that has not
// been tried and is not banned, or "" when none is left.
func (o *Orchestrator) nextCandidate(task models.TaskType, tried map[string]bool) string {
	for _, m := range o.router.Waterfall(task) {
		if !tried[m] && !o.router.IsBanned(m) {
			return m
		}
	}
	return ""
}

// record writes rec to the audit log, if one is configured. Audit
// failures are logged and never fail the call.
func (o *Orchestrator) record(ctx context.Context, rec *models.CallRecord, req *provider.Request, response string) {
	if o.audit == nil {
		return
	}
	rec.ID = uuid.NewString()
	rec.Prompt = promptText(req)
	rec.Response = response
	rec.CreatedAt = o.clock.Now()
	if err := o.audit.Record(ctx, *rec); err != nil {
		o.logger.Warn("audit record failed", "model", rec.Model, "error", err)
	}
}

func promptText(req *provider.Request) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString("system: ")
		b.WriteString(req.System)
		b.WriteByte('\n')
	}
	for _, m := range req.Messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
