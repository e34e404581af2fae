package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soochol/ghachieve/internal/achieve"
	memstore "github.com/soochol/ghachieve/internal/repository/memory"
)

var _ ProgressRepository = (*MemoryProgressRepository)(nil)

// namespace holds one user's runs (keyed by kind) and operations (keyed by
// id, grouped by kind).
type namespace struct {
	runs *memstore.Store[*achieve.Run]
	ops  *memstore.Store[*achieve.Operation]
}

func newNamespace() *namespace {
	return &namespace{
		runs: memstore.New(func(r *achieve.Run) string { return string(r.Kind) }, nil),
		ops: memstore.New(
			func(o *achieve.Operation) string { return o.ID },
			func(o *achieve.Operation) string { return string(o.Kind) },
		),
	}
}

// MemoryProgressRepository keeps progress in memory only. It is also the
// cache behind FileProgressRepository.
type MemoryProgressRepository struct {
	mu     sync.Mutex
	user   string
	spaces map[string]*namespace
	now    func() time.Time
}

// NewMemoryProgressRepository creates an empty repository.
func NewMemoryProgressRepository() *MemoryProgressRepository {
	return &MemoryProgressRepository{
		spaces: make(map[string]*namespace),
		now:    time.Now,
	}
}

func (r *MemoryProgressRepository) SwitchUser(_ context.Context, username string) error {
	if username == "" {
		return achieve.NewError(achieve.ErrConfiguration, "switch user", "username is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user = username
	if _, ok := r.spaces[username]; !ok {
		r.spaces[username] = newNamespace()
	}
	return nil
}

// current returns the active namespace. Caller holds mu.
func (r *MemoryProgressRepository) current() (*namespace, error) {
	if r.user == "" {
		return nil, achieve.WrapError(achieve.ErrStorage, "progress store", ErrNoUser)
	}
	return r.spaces[r.user], nil
}

func (r *MemoryProgressRepository) UpsertRun(ctx context.Context, kind achieve.Kind, displayName string, tier achieve.Tier, target int) (*achieve.Run, error) {
	if target <= 0 {
		return nil, achieve.NewError(achieve.ErrConfiguration, "upsert run", "target count must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, err := r.current()
	if err != nil {
		return nil, err
	}

	now := r.now()
	run, err := ns.runs.Get(ctx, string(kind))
	if errors.Is(err, memstore.ErrNotFound) {
		run = &achieve.Run{
			Kind:      kind,
			Status:    achieve.StatusPending,
			CreatedAt: now,
		}
	}
	run.DisplayName = displayName
	run.Tier = tier
	run.TargetCount = target
	if run.CompletedCount > target {
		run.CompletedCount = target
	}
	run.UpdatedAt = now
	ns.runs.Set(ctx, run)

	cp := *run
	return &cp, nil
}

func (r *MemoryProgressRepository) GetRun(ctx context.Context, kind achieve.Kind) (*achieve.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, err := r.current()
	if err != nil {
		return nil, err
	}
	run, err := ns.runs.Get(ctx, string(kind))
	if err != nil {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, kind)
	}
	cp := *run
	return &cp, nil
}

func (r *MemoryProgressRepository) ListRuns(ctx context.Context) ([]*achieve.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, err := r.current()
	if err != nil {
		return nil, err
	}
	runs := ns.runs.All(ctx)
	out := make([]*achieve.Run, len(runs))
	for i, run := range runs {
		cp := *run
		out[i] = &cp
	}
	return out, nil
}

func (r *MemoryProgressRepository) DeleteRun(ctx context.Context, kind achieve.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, err := r.current()
	if err != nil {
		return err
	}
	if err := ns.runs.Delete(ctx, string(kind)); err != nil {
		return fmt.Errorf("%w: run %s", ErrNotFound, kind)
	}
	ns.ops.DeleteGroup(ctx, string(kind))
	return nil
}

func (r *MemoryProgressRepository) SetRunStatus(ctx context.Context, kind achieve.Kind, status achieve.Status) error {
	return r.updateRun(ctx, kind, func(run *achieve.Run, now time.Time) {
		run.Status = status
		switch {
		case status == achieve.StatusInProgress:
			run.StartedAt = &now
			run.FinishedAt = nil
		case status.Terminal():
			run.FinishedAt = &now
		}
	})
}

func (r *MemoryProgressRepository) SetRunProgress(ctx context.Context, kind achieve.Kind, completed int) error {
	return r.updateRun(ctx, kind, func(run *achieve.Run, _ time.Time) {
		if completed < 0 {
			completed = 0
		}
		if completed > run.TargetCount {
			completed = run.TargetCount
		}
		run.CompletedCount = completed
	})
}

func (r *MemoryProgressRepository) updateRun(ctx context.Context, kind achieve.Kind, fn func(*achieve.Run, time.Time)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, err := r.current()
	if err != nil {
		return err
	}
	now := r.now()
	err = ns.runs.Update(ctx, string(kind), func(run *achieve.Run) (*achieve.Run, error) {
		fn(run, now)
		run.UpdatedAt = now
		return run, nil
	})
	if errors.Is(err, memstore.ErrNotFound) {
		return fmt.Errorf("%w: run %s", ErrNotFound, kind)
	}
	return err
}

func (r *MemoryProgressRepository) ResetStuckOperations(ctx context.Context, kind achieve.Kind) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, err := r.current()
	if err != nil {
		return 0, err
	}
	now := r.now()
	n := 0
	for _, op := range ns.ops.Group(ctx, string(kind)) {
		if op.Status == achieve.StatusInProgress {
			op.Status = achieve.StatusPending
			op.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *MemoryProgressRepository) CompletedOperationNumbers(ctx context.Context, kind achieve.Kind) (map[int]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, err := r.current()
	if err != nil {
		return nil, err
	}
	return completedSet(ctx, ns, kind), nil
}

func completedSet(ctx context.Context, ns *namespace, kind achieve.Kind) map[int]bool {
	out := make(map[int]bool)
	for _, op := range ns.ops.Group(ctx, string(kind)) {
		if op.Status == achieve.StatusCompleted {
			out[op.Sequence] = true
		}
	}
	return out
}

func (r *MemoryProgressRepository) CreateOperation(ctx context.Context, kind achieve.Kind, seq int, opKind achieve.OperationKind) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, err := r.current()
	if err != nil {
		return "", err
	}
	if completedSet(ctx, ns, kind)[seq] {
		return "", achieve.NewError(achieve.ErrConflict, "create operation", fmt.Sprintf("operation %d of %s already completed", seq, kind))
	}

	now := r.now()
	op := &achieve.Operation{
		ID:            achieve.GenerateID("op"),
		Kind:          kind,
		Sequence:      seq,
		OperationKind: opKind,
		Status:        achieve.StatusInProgress,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ns.ops.Set(ctx, op)
	return op.ID, nil
}

func (r *MemoryProgressRepository) UpdateOperation(ctx context.Context, id string, update achieve.OperationUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, err := r.current()
	if err != nil {
		return err
	}
	op, err := ns.ops.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if update.Status == achieve.StatusCompleted && op.Status != achieve.StatusCompleted && completedSet(ctx, ns, op.Kind)[op.Sequence] {
		return achieve.NewError(achieve.ErrConflict, "update operation", fmt.Sprintf("operation %d of %s already completed", op.Sequence, op.Kind))
	}

	op.Status = update.Status
	op.Error = update.Error
	if update.Status == achieve.StatusCompleted {
		op.Result = update.Result
		op.Error = ""
	}
	op.UpdatedAt = r.now()
	return nil
}

func (r *MemoryProgressRepository) CountCompletedOperations(ctx context.Context, kind achieve.Kind) (int, error) {
	set, err := r.CompletedOperationNumbers(ctx, kind)
	if err != nil {
		return 0, err
	}
	return len(set), nil
}

func (r *MemoryProgressRepository) OperationsForRun(ctx context.Context, kind achieve.Kind) ([]*achieve.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, err := r.current()
	if err != nil {
		return nil, err
	}
	ops := ns.ops.Group(ctx, string(kind))
	out := make([]*achieve.Operation, len(ops))
	for i, op := range ops {
		cp := *op
		out[i] = &cp
	}
	sortOperations(out)
	return out, nil
}

func (r *MemoryProgressRepository) Close() error { return nil }

func sortOperations(ops []*achieve.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Sequence != ops[j].Sequence {
			return ops[i].Sequence < ops[j].Sequence
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
}

// snapshot copies the active namespace for persistence. Caller holds mu.
func (r *MemoryProgressRepository) snapshot(ctx context.Context) (*progressDocument, error) {
	ns, err := r.current()
	if err != nil {
		return nil, err
	}
	runs := ns.runs.All(ctx)
	ops := ns.ops.All(ctx)
	doc := &progressDocument{Version: documentVersion, Username: r.user}
	for _, run := range runs {
		cp := *run
		doc.Runs = append(doc.Runs, &cp)
	}
	for _, op := range ops {
		cp := *op
		doc.Operations = append(doc.Operations, &cp)
	}
	sortOperations(doc.Operations)
	return doc, nil
}

// load replaces the namespace for doc.Username and selects it.
func (r *MemoryProgressRepository) load(ctx context.Context, username string, doc *progressDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns := newNamespace()
	if doc != nil {
		for _, run := range doc.Runs {
			ns.runs.Set(ctx, run)
		}
		for _, op := range doc.Operations {
			ns.ops.Set(ctx, op)
		}
	}
	r.spaces[username] = ns
	r.user = username
}
