package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/robfig/cron/v3"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/repository"
)

// RunStarter launches achievement runs. *RunManager satisfies it.
type RunStarter interface {
	Start(ctx context.Context, kind achieve.Kind, tier achieve.Tier) (string, error)
}

// RunLookup reads persisted runs for guard evaluation.
type RunLookup interface {
	GetRun(ctx context.Context, kind achieve.Kind) (*achieve.Run, error)
}

// ScheduleStatus reports a registered schedule and its next firing time.
type ScheduleStatus struct {
	achieve.Schedule
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

type scheduleEntry struct {
	schedule achieve.Schedule
	guard    *vm.Program
	id       cron.EntryID
}

// SchedulerService fires achievement runs from cron expressions.
type SchedulerService struct {
	cron    *cron.Cron
	starter RunStarter
	runs    RunLookup
	limiter *RateLimiter

	mu      sync.RWMutex
	entries map[string]*scheduleEntry
	ctx     context.Context
}

// NewSchedulerService creates a scheduler. runs and limiter may be nil, in
// which case guards see zero values for the fields they would provide.
func NewSchedulerService(starter RunStarter, runs RunLookup, limiter *RateLimiter) *SchedulerService {
	return &SchedulerService{
		cron:    cron.New(),
		starter: starter,
		runs:    runs,
		limiter: limiter,
		entries: make(map[string]*scheduleEntry),
		ctx:     context.Background(),
	}
}

// parseCronExpr accepts 6-field (with seconds) or standard 5-field
// expressions, optionally in a timezone.
func parseCronExpr(line, timezone string) (cron.Schedule, error) {
	if timezone != "" && timezone != "UTC" {
		line = "CRON_TZ=" + timezone + " " + line
	}
	parser6 := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser6.Parse(line)
	if err == nil {
		return sched, nil
	}
	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser5.Parse(line)
}

func guardEnv() map[string]any {
	return map[string]any{
		"completed":      0,
		"target":         0,
		"remaining":      0,
		"status":         "",
		"rate_remaining": 0,
	}
}

// Add validates and registers a schedule. Names must be unique.
func (s *SchedulerService) Add(sched achieve.Schedule) error {
	a, err := achieve.Lookup(sched.Kind)
	if err != nil {
		return err
	}
	if sched.Tier == "" {
		sched.Tier = achieve.TierDefault
	}
	if sched.Name == "" {
		sched.Name = fmt.Sprintf("%s-%s", sched.Kind, sched.Tier)
	}
	if _, err := a.Target(sched.Tier); err != nil {
		return err
	}
	cronSched, err := parseCronExpr(sched.Cron, sched.Timezone)
	if err != nil {
		return achieve.WrapError(achieve.ErrConfiguration, "schedule "+sched.Name, err)
	}

	entry := &scheduleEntry{schedule: sched}
	if sched.When != "" {
		prog, err := expr.Compile(sched.When, expr.Env(guardEnv()), expr.AsBool())
		if err != nil {
			return achieve.WrapError(achieve.ErrConfiguration, "schedule "+sched.Name, fmt.Errorf("compile when: %w", err))
		}
		entry.guard = prog
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[sched.Name]; dup {
		return achieve.NewError(achieve.ErrConfiguration, "schedule "+sched.Name, "duplicate schedule name")
	}
	entry.id = s.cron.Schedule(cronSched, cron.FuncJob(func() { s.fire(entry) }))
	s.entries[sched.Name] = entry
	slog.Info("scheduler: registered", "name", sched.Name, "cron", sched.Cron, "achievement", sched.Kind)
	return nil
}

// Remove unregisters a schedule by name.
func (s *SchedulerService) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	return true
}

// Start begins firing schedules. Runs started by the scheduler use ctx.
func (s *SchedulerService) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	slog.Info("scheduler: started", "schedules", len(s.List()))
}

// Stop gracefully stops the cron scheduler.
func (s *SchedulerService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler: stopped")
}

// List returns registered schedules sorted by name.
func (s *SchedulerService) List() []ScheduleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScheduleStatus, 0, len(s.entries))
	for _, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, ScheduleStatus{Schedule: e.schedule, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Trigger fires a schedule immediately, guard included.
func (s *SchedulerService) Trigger(name string) error {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return achieve.NewError(achieve.ErrNotFound, "trigger schedule", fmt.Sprintf("no schedule %q", name))
	}
	s.fire(e)
	return nil
}

func (s *SchedulerService) fire(e *scheduleEntry) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	sched := e.schedule

	if e.guard != nil {
		ok, err := s.evaluateGuard(ctx, sched, e.guard)
		if err != nil {
			slog.Warn("scheduler: guard failed", "name", sched.Name, "err", err)
			return
		}
		if !ok {
			slog.Info("scheduler: guard not met, skipping", "name", sched.Name, "when", sched.When)
			return
		}
	}

	id, err := s.starter.Start(ctx, sched.Kind, sched.Tier)
	switch {
	case achieve.KindOf(err) == achieve.ErrConflict:
		slog.Info("scheduler: run already active, skipping", "name", sched.Name, "achievement", sched.Kind)
	case err != nil:
		slog.Error("scheduler: start failed", "name", sched.Name, "err", err)
	default:
		slog.Info("scheduler: run started", "name", sched.Name, "run_id", id)
	}
}

func (s *SchedulerService) evaluateGuard(ctx context.Context, sched achieve.Schedule, prog *vm.Program) (bool, error) {
	env := guardEnv()
	a, _ := achieve.Lookup(sched.Kind)
	target, _ := a.Target(sched.Tier)
	env["target"] = target
	env["remaining"] = target
	env["status"] = string(achieve.StatusPending)

	if s.runs != nil {
		run, err := s.runs.GetRun(ctx, sched.Kind)
		switch {
		case err == nil:
			env["completed"] = run.CompletedCount
			env["target"] = run.TargetCount
			env["remaining"] = run.Remaining()
			env["status"] = string(run.Status)
		case !errors.Is(err, repository.ErrNotFound):
			return false, err
		}
	}
	if s.limiter != nil {
		env["rate_remaining"] = s.limiter.Stats().Remaining
	}

	out, err := expr.Run(prog, env)
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}
