package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/repository"
)

type recordingStarter struct {
	mu      sync.Mutex
	started []achieve.Kind
	err     error
}

func (s *recordingStarter) Start(_ context.Context, kind achieve.Kind, _ achieve.Tier) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.started = append(s.started, kind)
	return "run-1", nil
}

func (s *recordingStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

func TestParseCronExpr_5Field(t *testing.T) {
	sched, err := parseCronExpr("*/5 * * * *", "")
	if err != nil {
		t.Fatalf("expected 5-field expression to parse, got error: %v", err)
	}
	if sched.Next(time.Now()).IsZero() {
		t.Fatal("expected non-zero next time")
	}
}

func TestParseCronExpr_6Field(t *testing.T) {
	sched, err := parseCronExpr("0 */5 * * * *", "")
	if err != nil {
		t.Fatalf("expected 6-field expression to parse, got error: %v", err)
	}
	if sched.Next(time.Now()).IsZero() {
		t.Fatal("expected non-zero next time")
	}
}

func TestParseCronExpr_Timezone(t *testing.T) {
	if _, err := parseCronExpr("0 9 * * *", "Asia/Seoul"); err != nil {
		t.Fatalf("expected zoned expression to parse, got error: %v", err)
	}
	if _, err := parseCronExpr("0 9 * * *", "Mars/Olympus"); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestParseCronExpr_Invalid(t *testing.T) {
	if _, err := parseCronExpr("invalid cron", ""); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestSchedulerService_AddValidates(t *testing.T) {
	svc := NewSchedulerService(&recordingStarter{}, nil, nil)

	tests := []struct {
		name  string
		sched achieve.Schedule
	}{
		{"unknown kind", achieve.Schedule{Kind: "nope", Cron: "* * * * *"}},
		{"unknown tier", achieve.Schedule{Kind: achieve.KindYOLO, Tier: achieve.TierGold, Cron: "* * * * *"}},
		{"bad cron", achieve.Schedule{Kind: achieve.KindPullShark, Cron: "never"}},
		{"non-bool guard", achieve.Schedule{Kind: achieve.KindPullShark, Cron: "* * * * *", When: "remaining + 1"}},
		{"unknown guard field", achieve.Schedule{Kind: achieve.KindPullShark, Cron: "* * * * *", When: "stars > 3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.Add(tt.sched); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if got := len(svc.List()); got != 0 {
		t.Fatalf("expected no registered schedules, got %d", got)
	}
}

func TestSchedulerService_AddAndList(t *testing.T) {
	svc := NewSchedulerService(&recordingStarter{}, nil, nil)
	sched := achieve.Schedule{Name: "nightly", Kind: achieve.KindPullShark, Tier: achieve.TierBronze, Cron: "0 3 * * *"}
	if err := svc.Add(sched); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := svc.Add(sched); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}

	svc.Start(context.Background())
	defer svc.Stop()

	list := svc.List()
	if len(list) != 1 || list[0].Name != "nightly" {
		t.Fatalf("unexpected schedules: %+v", list)
	}
	if list[0].Next.IsZero() {
		t.Fatal("expected next run time once started")
	}

	if !svc.Remove("nightly") {
		t.Fatal("expected Remove to report success")
	}
	if svc.Remove("nightly") {
		t.Fatal("expected second Remove to report false")
	}
}

func TestSchedulerService_DefaultName(t *testing.T) {
	svc := NewSchedulerService(&recordingStarter{}, nil, nil)
	if err := svc.Add(achieve.Schedule{Kind: achieve.KindQuickdraw, Cron: "@daily"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := svc.List()[0].Name; got != "quickdraw-default" {
		t.Fatalf("expected generated name, got %q", got)
	}
}

func TestSchedulerService_TriggerStartsRun(t *testing.T) {
	starter := &recordingStarter{}
	svc := NewSchedulerService(starter, nil, nil)
	if err := svc.Add(achieve.Schedule{Name: "s", Kind: achieve.KindYOLO, Cron: "@hourly"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := svc.Trigger("s"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if starter.count() != 1 {
		t.Fatalf("expected one started run, got %d", starter.count())
	}
	if err := svc.Trigger("missing"); achieve.KindOf(err) != achieve.ErrNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestSchedulerService_ConflictIsSkipped(t *testing.T) {
	starter := &recordingStarter{err: achieve.NewError(achieve.ErrConflict, "start run", "busy")}
	svc := NewSchedulerService(starter, nil, nil)
	if err := svc.Add(achieve.Schedule{Name: "s", Kind: achieve.KindYOLO, Cron: "@hourly"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := svc.Trigger("s"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
}

func TestSchedulerService_GuardUsesStoredProgress(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryProgressRepository()
	if err := store.SwitchUser(ctx, "octocat"); err != nil {
		t.Fatal(err)
	}

	starter := &recordingStarter{}
	svc := NewSchedulerService(starter, store, nil)
	if err := svc.Add(achieve.Schedule{
		Name: "finish", Kind: achieve.KindPullShark, Cron: "@hourly",
		When: `remaining > 0 && status != "in_progress"`,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// No stored run yet: remaining equals the catalog target.
	if err := svc.Trigger("finish"); err != nil {
		t.Fatal(err)
	}
	if starter.count() != 1 {
		t.Fatalf("expected run with no stored progress, got %d", starter.count())
	}

	if _, err := store.UpsertRun(ctx, achieve.KindPullShark, "Pull Shark", achieve.TierDefault, 2); err != nil {
		t.Fatal(err)
	}
	markCompleted(t, store, achieve.KindPullShark, 1, 2)
	if err := store.SetRunProgress(ctx, achieve.KindPullShark, 2); err != nil {
		t.Fatal(err)
	}

	if err := svc.Trigger("finish"); err != nil {
		t.Fatal(err)
	}
	if starter.count() != 1 {
		t.Fatalf("expected guard to skip a finished run, got %d starts", starter.count())
	}
}

func TestSchedulerService_GuardSeesRateBudget(t *testing.T) {
	limiter, err := NewRateLimiter(achieve.RateLimitConfig{MaxConcurrent: 1, MaxPerMinute: 10})
	if err != nil {
		t.Fatal(err)
	}
	starter := &recordingStarter{}
	svc := NewSchedulerService(starter, nil, limiter)
	if err := svc.Add(achieve.Schedule{Name: "s", Kind: achieve.KindYOLO, Cron: "@hourly", When: "rate_remaining >= 10"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := svc.Trigger("s"); err != nil {
		t.Fatal(err)
	}
	if starter.count() != 1 {
		t.Fatalf("expected a full budget to pass the guard, got %d", starter.count())
	}

	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	limiter.Release()
	if err := svc.Trigger("s"); err != nil {
		t.Fatal(err)
	}
	if starter.count() != 1 {
		t.Fatalf("expected a spent budget to fail the guard, got %d", starter.count())
	}
}
