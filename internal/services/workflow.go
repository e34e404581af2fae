package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/achieve/ports"
)

const tracerName = "github.com/soochol/ghachieve/internal/services"

// WorkflowOptions configures one achievement run. Store, Limiter and Recipe
// are required; TargetCount defaults to the catalog target for Tier.
type WorkflowOptions struct {
	Kind        achieve.Kind
	Tier        achieve.Tier
	TargetCount int
	Concurrency int
	// Delay is slept after each operation while still holding its rate slot.
	Delay time.Duration

	Recipe  ports.Recipe
	Store   ports.ProgressStore
	Limiter ports.RateGate

	OnProgress func(achieve.ProgressUpdate)
}

// Workflow drives the operations of a single achievement run with resume
// support: sequence numbers already completed in the store are skipped.
type Workflow struct {
	opts        WorkflowOptions
	achievement achieve.Achievement
	target      int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorkflow validates opts and resolves the target count.
func NewWorkflow(opts WorkflowOptions) (*Workflow, error) {
	a, err := achieve.Lookup(opts.Kind)
	if err != nil {
		return nil, err
	}
	if opts.Tier == "" {
		opts.Tier = achieve.TierDefault
	}
	target := opts.TargetCount
	if target == 0 {
		if target, err = a.Target(opts.Tier); err != nil {
			return nil, err
		}
	}
	if target < 0 {
		return nil, achieve.NewError(achieve.ErrConfiguration, "workflow", "target count must be positive")
	}
	switch {
	case opts.Recipe == nil:
		return nil, achieve.NewError(achieve.ErrConfiguration, "workflow", "recipe is required")
	case opts.Store == nil:
		return nil, achieve.NewError(achieve.ErrConfiguration, "workflow", "progress store is required")
	case opts.Limiter == nil:
		return nil, achieve.NewError(achieve.ErrConfiguration, "workflow", "rate limiter is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Workflow{
		opts:        opts,
		achievement: a,
		target:      target,
		now:         time.Now,
		sleep:       sleepContext,
	}, nil
}

// Target returns the resolved operation count for the run.
func (w *Workflow) Target() int { return w.target }

// Execute runs every pending operation and returns the aggregate outcome.
// Individual operation failures are reported in the result; a bookkeeping
// failure marks the run failed and is reported the same way. Execute never
// returns nil.
func (w *Workflow) Execute(ctx context.Context) *achieve.ExecuteResult {
	start := w.now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "achievement.execute", trace.WithAttributes(
		attribute.String("achievement.kind", string(w.opts.Kind)),
		attribute.String("achievement.tier", string(w.opts.Tier)),
		attribute.Int("achievement.target", w.target),
	))
	defer span.End()

	res := &achieve.ExecuteResult{
		Kind:            w.opts.Kind,
		Tier:            w.opts.Tier,
		TotalOperations: w.target,
		Errors:          []string{},
	}

	err := w.execute(ctx, res)
	res.Duration = w.now().Sub(start)
	span.SetAttributes(attribute.Int("achievement.completed", res.CompletedOperations))

	if err != nil {
		slog.Error("achievement run aborted", "kind", w.opts.Kind, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.Success = false
		res.Errors = append(res.Errors, err.Error())
		// The caller's context may already be done; the failed status must still land.
		if serr := w.opts.Store.SetRunStatus(context.WithoutCancel(ctx), w.opts.Kind, achieve.StatusFailed); serr != nil {
			slog.Warn("could not mark run failed", "kind", w.opts.Kind, "err", serr)
		}
		w.emit(res.CompletedOperations, "Run aborted: "+err.Error(), achieve.StatusFailed)
		return res
	}

	if res.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, fmt.Sprintf("%d operations failed", len(res.Errors)))
	}
	slog.Info("achievement run finished", "kind", w.opts.Kind, "tier", w.opts.Tier,
		"completed", res.CompletedOperations, "target", w.target,
		"errors", len(res.Errors), "duration", res.Duration)
	return res
}

func (w *Workflow) execute(ctx context.Context, res *achieve.ExecuteResult) error {
	store := w.opts.Store
	kind := w.opts.Kind

	if _, err := store.UpsertRun(ctx, kind, w.achievement.DisplayName, w.opts.Tier, w.target); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	if err := store.SetRunStatus(ctx, kind, achieve.StatusInProgress); err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	stuck, err := store.ResetStuckOperations(ctx, kind)
	if err != nil {
		return fmt.Errorf("reset stuck operations: %w", err)
	}
	if stuck > 0 {
		slog.Warn("reset operations left in progress", "kind", kind, "count", stuck)
	}

	done, err := store.CompletedOperationNumbers(ctx, kind)
	if err != nil {
		return fmt.Errorf("load completed operations: %w", err)
	}
	prior, pending := pendingSequences(w.target, done)
	res.CompletedOperations = prior

	if prior > 0 {
		w.emit(prior, fmt.Sprintf("Resuming: %d of %d already completed", prior, w.target), achieve.StatusInProgress)
	}

	var successes atomic.Int64
	tasks := make([]Task[*achieve.StepResult], len(pending))
	for i, seq := range pending {
		tasks[i] = func(ctx context.Context) (*achieve.StepResult, error) {
			out, err := w.runOperation(ctx, seq)
			if err == nil {
				successes.Add(1)
			}
			return out, err
		}
	}

	results := RunConcurrent(ctx, tasks, w.opts.Concurrency, func(finished, total int) {
		current := prior + int(successes.Load())
		if err := store.SetRunProgress(ctx, kind, current); err != nil {
			slog.Warn("could not persist run progress", "kind", kind, "err", err)
		}
		w.emit(current, fmt.Sprintf("Processed %d of %d pending operations", finished, total), achieve.StatusInProgress)
	})

	succeeded := 0
	for _, r := range results {
		if !r.OK() {
			res.Errors = append(res.Errors, fmt.Sprintf("Operation %d: %s", pending[r.Index], r.Err))
			continue
		}
		succeeded++
		if r.Value != nil && r.Value.PRNumber > 0 {
			res.PRNumbers = append(res.PRNumbers, r.Value.PRNumber)
		}
	}

	final := prior + succeeded
	res.CompletedOperations = final
	if err := store.SetRunProgress(ctx, kind, final); err != nil {
		return fmt.Errorf("save run progress: %w", err)
	}

	status := achieve.StatusFailed
	if final == w.target {
		status = achieve.StatusCompleted
	}
	if err := store.SetRunStatus(ctx, kind, status); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	res.Success = status == achieve.StatusCompleted
	w.emit(final, fmt.Sprintf("%s: %d/%d operations", w.achievement.DisplayName, final, w.target), status)
	return nil
}

// runOperation performs one sequence number under a rate slot and records
// its outcome.
func (w *Workflow) runOperation(ctx context.Context, seq int) (*achieve.StepResult, error) {
	if err := w.opts.Limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire rate slot: %w", err)
	}
	defer w.opts.Limiter.Release()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "achievement.operation", trace.WithAttributes(
		attribute.String("achievement.kind", string(w.opts.Kind)),
		attribute.Int("operation.sequence", seq),
	))
	defer span.End()

	store := w.opts.Store
	opID, err := store.CreateOperation(ctx, w.opts.Kind, seq, w.opts.Recipe.OperationKind())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create operation: %w", err)
	}

	out, stepErr := w.opts.Recipe.PerformStep(ctx, seq)
	if stepErr != nil {
		span.RecordError(stepErr)
		span.SetStatus(codes.Error, stepErr.Error())
		update := achieve.OperationUpdate{Status: achieve.StatusFailed, Error: stepErr.Error()}
		if err := store.UpdateOperation(context.WithoutCancel(ctx), opID, update); err != nil {
			slog.Warn("could not record failed operation", "kind", w.opts.Kind, "seq", seq, "err", err)
		}
		w.pause(ctx)
		return nil, stepErr
	}

	if err := store.UpdateOperation(ctx, opID, achieve.OperationUpdate{Status: achieve.StatusCompleted, Result: out}); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("record operation: %w", err)
	}
	w.pause(ctx)
	return out, nil
}

func (w *Workflow) pause(ctx context.Context) {
	if w.opts.Delay <= 0 {
		return
	}
	if err := w.sleep(ctx, w.opts.Delay); err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("inter-operation delay interrupted", "err", err)
	}
}

func (w *Workflow) emit(current int, label string, status achieve.Status) {
	if w.opts.OnProgress == nil {
		return
	}
	w.opts.OnProgress(achieve.ProgressUpdate{
		Kind:    w.opts.Kind,
		Current: current,
		Total:   w.target,
		Label:   label,
		Status:  status,
	})
}

// pendingSequences splits 1..target into the count already done and the
// ascending list still to run. Completed numbers outside the range are ignored.
func pendingSequences(target int, done map[int]bool) (prior int, pending []int) {
	pending = make([]int, 0, target)
	for seq := 1; seq <= target; seq++ {
		if done[seq] {
			prior++
			continue
		}
		pending = append(pending, seq)
	}
	return prior, pending
}
