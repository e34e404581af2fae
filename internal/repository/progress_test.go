package repository_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/db"
	"github.com/soochol/ghachieve/internal/repository"
)

// backends returns one fresh repository per implementation.
func backends(t *testing.T) map[string]repository.ProgressRepository {
	t.Helper()
	ctx := context.Background()

	file, err := repository.NewFileProgressRepository(t.TempDir())
	if err != nil {
		t.Fatalf("file repo: %v", err)
	}

	database, err := db.New(ctx, db.DriverSQLite, filepath.Join(t.TempDir(), "progress.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlRepo := repository.NewSQLProgressRepository(database)
	t.Cleanup(func() { sqlRepo.Close() })

	return map[string]repository.ProgressRepository{
		"memory": repository.NewMemoryProgressRepository(),
		"file":   file,
		"sqlite": sqlRepo,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, repo repository.ProgressRepository)) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, repo) })
	}
}

func TestProgress_RequiresUser(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.ProgressRepository) {
		ctx := context.Background()
		_, err := repo.UpsertRun(ctx, achieve.KindPullShark, "Pull Shark", achieve.TierDefault, 2)
		if !errors.Is(err, repository.ErrNoUser) {
			t.Fatalf("expected ErrNoUser, got %v", err)
		}
		if err := repo.SwitchUser(ctx, ""); achieve.KindOf(err) != achieve.ErrConfiguration {
			t.Fatalf("empty username: expected configuration error, got %v", err)
		}
	})
}

func TestProgress_UpsertKeepsCompletedCount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.ProgressRepository) {
		ctx := context.Background()
		repo.SwitchUser(ctx, "octocat")

		run, err := repo.UpsertRun(ctx, achieve.KindPullShark, "Pull Shark", achieve.TierBronze, 16)
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if run.Status != achieve.StatusPending || run.CompletedCount != 0 {
			t.Fatalf("new run = %+v", run)
		}
		if err := repo.SetRunProgress(ctx, achieve.KindPullShark, 7); err != nil {
			t.Fatalf("set progress: %v", err)
		}

		run, err = repo.UpsertRun(ctx, achieve.KindPullShark, "Pull Shark", achieve.TierSilver, 128)
		if err != nil {
			t.Fatalf("re-upsert: %v", err)
		}
		if run.CompletedCount != 7 || run.TargetCount != 128 || run.Tier != achieve.TierSilver {
			t.Fatalf("re-upsert lost state: %+v", run)
		}

		run, _ = repo.UpsertRun(ctx, achieve.KindPullShark, "Pull Shark", achieve.TierDefault, 2)
		if run.CompletedCount != 2 {
			t.Fatalf("completed should clamp to target, got %d", run.CompletedCount)
		}

		if err := repo.SetRunProgress(ctx, achieve.KindPullShark, 50); err != nil {
			t.Fatalf("set progress: %v", err)
		}
		run, _ = repo.GetRun(ctx, achieve.KindPullShark)
		if run.CompletedCount != 2 {
			t.Fatalf("progress above target should clamp, got %d", run.CompletedCount)
		}
	})
}

func TestProgress_StatusTimestamps(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.ProgressRepository) {
		ctx := context.Background()
		repo.SwitchUser(ctx, "octocat")
		repo.UpsertRun(ctx, achieve.KindYOLO, "YOLO", achieve.TierDefault, 1)

		if err := repo.SetRunStatus(ctx, achieve.KindYOLO, achieve.StatusInProgress); err != nil {
			t.Fatalf("set status: %v", err)
		}
		run, _ := repo.GetRun(ctx, achieve.KindYOLO)
		if run.StartedAt == nil || run.FinishedAt != nil {
			t.Fatalf("in_progress timestamps = %v / %v", run.StartedAt, run.FinishedAt)
		}

		repo.SetRunStatus(ctx, achieve.KindYOLO, achieve.StatusFailed)
		run, _ = repo.GetRun(ctx, achieve.KindYOLO)
		if run.Status != achieve.StatusFailed || run.FinishedAt == nil {
			t.Fatalf("terminal run = %+v", run)
		}

		err := repo.SetRunStatus(ctx, achieve.KindQuickdraw, achieve.StatusFailed)
		if !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("unknown run: expected ErrNotFound, got %v", err)
		}
	})
}

func TestProgress_OperationLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.ProgressRepository) {
		ctx := context.Background()
		repo.SwitchUser(ctx, "octocat")
		repo.UpsertRun(ctx, achieve.KindPullShark, "Pull Shark", achieve.TierBronze, 16)

		first, err := repo.CreateOperation(ctx, achieve.KindPullShark, 1, achieve.OpPullRequest)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		err = repo.UpdateOperation(ctx, first, achieve.OperationUpdate{
			Status: achieve.StatusCompleted,
			Result: &achieve.StepResult{PRNumber: 42, Branch: "achieve/pull-shark-1"},
		})
		if err != nil {
			t.Fatalf("complete: %v", err)
		}

		failed, _ := repo.CreateOperation(ctx, achieve.KindPullShark, 2, achieve.OpPullRequest)
		repo.UpdateOperation(ctx, failed, achieve.OperationUpdate{Status: achieve.StatusFailed, Error: "boom"})

		// A failed sequence may be attempted again.
		retry, err := repo.CreateOperation(ctx, achieve.KindPullShark, 2, achieve.OpPullRequest)
		if err != nil {
			t.Fatalf("retry after failure: %v", err)
		}
		repo.UpdateOperation(ctx, retry, achieve.OperationUpdate{Status: achieve.StatusCompleted, Result: &achieve.StepResult{PRNumber: 43}})

		if _, err := repo.CreateOperation(ctx, achieve.KindPullShark, 1, achieve.OpPullRequest); achieve.KindOf(err) != achieve.ErrConflict {
			t.Fatalf("completed sequence: expected conflict, got %v", err)
		}

		done, err := repo.CompletedOperationNumbers(ctx, achieve.KindPullShark)
		if err != nil {
			t.Fatalf("completed numbers: %v", err)
		}
		if len(done) != 2 || !done[1] || !done[2] {
			t.Fatalf("completed = %v, want {1,2}", done)
		}
		if n, _ := repo.CountCompletedOperations(ctx, achieve.KindPullShark); n != 2 {
			t.Fatalf("count = %d, want 2", n)
		}

		ops, err := repo.OperationsForRun(ctx, achieve.KindPullShark)
		if err != nil {
			t.Fatalf("operations: %v", err)
		}
		if len(ops) != 3 {
			t.Fatalf("got %d operations, want 3", len(ops))
		}
		if ops[0].Sequence != 1 || ops[0].Result == nil || ops[0].Result.PRNumber != 42 {
			t.Fatalf("first operation = %+v", ops[0])
		}
		if ops[1].Status != achieve.StatusFailed || ops[1].Error != "boom" {
			t.Fatalf("failed operation = %+v", ops[1])
		}

		if err := repo.UpdateOperation(ctx, "op-missing", achieve.OperationUpdate{Status: achieve.StatusFailed}); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("missing op: expected ErrNotFound, got %v", err)
		}
	})
}

func TestProgress_ResetStuckOperations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.ProgressRepository) {
		ctx := context.Background()
		repo.SwitchUser(ctx, "octocat")
		repo.UpsertRun(ctx, achieve.KindGalaxyBrain, "Galaxy Brain", achieve.TierDefault, 2)

		repo.CreateOperation(ctx, achieve.KindGalaxyBrain, 1, achieve.OpDiscussionAnswer)
		repo.CreateOperation(ctx, achieve.KindGalaxyBrain, 2, achieve.OpDiscussionAnswer)

		n, err := repo.ResetStuckOperations(ctx, achieve.KindGalaxyBrain)
		if err != nil || n != 2 {
			t.Fatalf("reset = %d, %v; want 2", n, err)
		}
		ops, _ := repo.OperationsForRun(ctx, achieve.KindGalaxyBrain)
		for _, op := range ops {
			if op.Status != achieve.StatusPending {
				t.Fatalf("operation %d status = %s, want pending", op.Sequence, op.Status)
			}
		}
		if n, _ := repo.ResetStuckOperations(ctx, achieve.KindGalaxyBrain); n != 0 {
			t.Fatalf("second reset = %d, want 0", n)
		}
	})
}

func TestProgress_UserIsolationAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo repository.ProgressRepository) {
		ctx := context.Background()
		repo.SwitchUser(ctx, "alice")
		repo.UpsertRun(ctx, achieve.KindQuickdraw, "Quickdraw", achieve.TierDefault, 1)
		id, _ := repo.CreateOperation(ctx, achieve.KindQuickdraw, 1, achieve.OpIssue)
		repo.UpdateOperation(ctx, id, achieve.OperationUpdate{Status: achieve.StatusCompleted})

		repo.SwitchUser(ctx, "bob")
		runs, err := repo.ListRuns(ctx)
		if err != nil || len(runs) != 0 {
			t.Fatalf("bob sees %d runs (%v), want 0", len(runs), err)
		}
		if _, err := repo.CreateOperation(ctx, achieve.KindQuickdraw, 1, achieve.OpIssue); err != nil {
			t.Fatalf("bob's namespace should be independent: %v", err)
		}

		repo.SwitchUser(ctx, "alice")
		if err := repo.DeleteRun(ctx, achieve.KindQuickdraw); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := repo.GetRun(ctx, achieve.KindQuickdraw); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("deleted run: expected ErrNotFound, got %v", err)
		}
		ops, _ := repo.OperationsForRun(ctx, achieve.KindQuickdraw)
		if len(ops) != 0 {
			t.Fatalf("delete should remove operations, %d left", len(ops))
		}
		if err := repo.DeleteRun(ctx, achieve.KindQuickdraw); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("second delete: expected ErrNotFound, got %v", err)
		}
	})
}

func TestFileProgress_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	repo, _ := repository.NewFileProgressRepository(dir)
	repo.SwitchUser(ctx, "octocat")
	repo.UpsertRun(ctx, achieve.KindPairExtraordinaire, "Pair Extraordinaire", achieve.TierBronze, 10)
	for seq := 1; seq <= 3; seq++ {
		id, _ := repo.CreateOperation(ctx, achieve.KindPairExtraordinaire, seq, achieve.OpPairCommit)
		repo.UpdateOperation(ctx, id, achieve.OperationUpdate{Status: achieve.StatusCompleted})
	}
	// Simulates a crash mid-operation.
	repo.CreateOperation(ctx, achieve.KindPairExtraordinaire, 4, achieve.OpPairCommit)

	reopened, _ := repository.NewFileProgressRepository(dir)
	if err := reopened.SwitchUser(ctx, "octocat"); err != nil {
		t.Fatalf("switch user: %v", err)
	}
	done, _ := reopened.CompletedOperationNumbers(ctx, achieve.KindPairExtraordinaire)
	if len(done) != 3 {
		t.Fatalf("completed after restart = %v, want 3 entries", done)
	}
	if n, _ := reopened.ResetStuckOperations(ctx, achieve.KindPairExtraordinaire); n != 1 {
		t.Fatalf("stuck after restart = %d, want 1", n)
	}
	run, err := reopened.GetRun(ctx, achieve.KindPairExtraordinaire)
	if err != nil || run.TargetCount != 10 {
		t.Fatalf("run after restart = %+v, %v", run, err)
	}
}

func TestFileProgress_CorruptFileStartsEmpty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "octocat.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	repo, _ := repository.NewFileProgressRepository(dir)
	if err := repo.SwitchUser(ctx, "octocat"); err != nil {
		t.Fatalf("corrupt file should not fail SwitchUser: %v", err)
	}
	runs, _ := repo.ListRuns(ctx)
	if len(runs) != 0 {
		t.Fatalf("expected empty state, got %d runs", len(runs))
	}
	if _, err := repo.UpsertRun(ctx, achieve.KindYOLO, "YOLO", achieve.TierDefault, 1); err != nil {
		t.Fatalf("upsert after corrupt file: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "octocat.json"))
	if len(data) == 0 || data[0] != '{' {
		t.Fatalf("progress file was not rewritten: %q", data)
	}
}

func TestFileProgress_FailedWriteLeavesCacheUnchanged(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "progress")

	repo, err := repository.NewFileProgressRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	repo.SwitchUser(ctx, "octocat")
	repo.UpsertRun(ctx, achieve.KindPullShark, "Pull Shark", achieve.TierDefault, 2)
	id, err := repo.CreateOperation(ctx, achieve.KindPullShark, 1, achieve.OpPullRequest)
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	err = repo.UpdateOperation(ctx, id, achieve.OperationUpdate{Status: achieve.StatusCompleted})
	if achieve.KindOf(err) != achieve.ErrStorage {
		t.Fatalf("expected storage error, got %v", err)
	}
	done, _ := repo.CompletedOperationNumbers(ctx, achieve.KindPullShark)
	if len(done) != 0 {
		t.Fatalf("unsaved completion leaked into cache: %v", done)
	}
	ops, _ := repo.OperationsForRun(ctx, achieve.KindPullShark)
	if len(ops) != 1 || ops[0].Status != achieve.StatusInProgress {
		t.Fatalf("operations after failed write = %+v", ops)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateOperation(ctx, id, achieve.OperationUpdate{Status: achieve.StatusCompleted}); err != nil {
		t.Fatalf("update after dir restored: %v", err)
	}
	reopened, _ := repository.NewFileProgressRepository(dir)
	reopened.SwitchUser(ctx, "octocat")
	if n, _ := reopened.CountCompletedOperations(ctx, achieve.KindPullShark); n != 1 {
		t.Fatalf("completed on disk = %d, want 1", n)
	}
}
