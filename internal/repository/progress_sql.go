package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/db"
)

var _ ProgressRepository = (*SQLProgressRepository)(nil)

// SQLProgressRepository stores progress in PostgreSQL or SQLite. Users share
// the tables and are separated by a username column.
type SQLProgressRepository struct {
	db  *db.DB
	now func() time.Time

	mu   sync.RWMutex
	user string
}

// NewSQLProgressRepository wraps an open, migrated database.
func NewSQLProgressRepository(database *db.DB) *SQLProgressRepository {
	return &SQLProgressRepository{db: database, now: func() time.Time { return time.Now().UTC() }}
}

func (r *SQLProgressRepository) SwitchUser(_ context.Context, username string) error {
	if username == "" {
		return achieve.NewError(achieve.ErrConfiguration, "switch user", "username is required")
	}
	r.mu.Lock()
	r.user = username
	r.mu.Unlock()
	return nil
}

func (r *SQLProgressRepository) currentUser() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.user == "" {
		return "", achieve.WrapError(achieve.ErrStorage, "progress store", ErrNoUser)
	}
	return r.user, nil
}

func (r *SQLProgressRepository) UpsertRun(ctx context.Context, kind achieve.Kind, displayName string, tier achieve.Tier, target int) (*achieve.Run, error) {
	if target <= 0 {
		return nil, achieve.NewError(achieve.ErrConfiguration, "upsert run", "target count must be positive")
	}
	user, err := r.currentUser()
	if err != nil {
		return nil, err
	}
	run, err := r.db.UpsertRun(ctx, user, kind, displayName, tier, target, r.now())
	return run, sqlError("upsert run", err)
}

func (r *SQLProgressRepository) GetRun(ctx context.Context, kind achieve.Kind) (*achieve.Run, error) {
	user, err := r.currentUser()
	if err != nil {
		return nil, err
	}
	run, err := r.db.GetRun(ctx, user, kind)
	return run, sqlError("get run", err)
}

func (r *SQLProgressRepository) ListRuns(ctx context.Context) ([]*achieve.Run, error) {
	user, err := r.currentUser()
	if err != nil {
		return nil, err
	}
	runs, err := r.db.ListRuns(ctx, user)
	return runs, sqlError("list runs", err)
}

func (r *SQLProgressRepository) DeleteRun(ctx context.Context, kind achieve.Kind) error {
	user, err := r.currentUser()
	if err != nil {
		return err
	}
	return sqlError("delete run", r.db.DeleteRun(ctx, user, kind))
}

func (r *SQLProgressRepository) SetRunStatus(ctx context.Context, kind achieve.Kind, status achieve.Status) error {
	user, err := r.currentUser()
	if err != nil {
		return err
	}
	return sqlError("set run status", r.db.SetRunStatus(ctx, user, kind, status, r.now()))
}

func (r *SQLProgressRepository) SetRunProgress(ctx context.Context, kind achieve.Kind, completed int) error {
	user, err := r.currentUser()
	if err != nil {
		return err
	}
	return sqlError("set run progress", r.db.SetRunProgress(ctx, user, kind, completed, r.now()))
}

func (r *SQLProgressRepository) ResetStuckOperations(ctx context.Context, kind achieve.Kind) (int, error) {
	user, err := r.currentUser()
	if err != nil {
		return 0, err
	}
	n, err := r.db.ResetStuckOperations(ctx, user, kind, r.now())
	return n, sqlError("reset stuck operations", err)
}

func (r *SQLProgressRepository) CompletedOperationNumbers(ctx context.Context, kind achieve.Kind) (map[int]bool, error) {
	user, err := r.currentUser()
	if err != nil {
		return nil, err
	}
	set, err := r.db.CompletedOperationNumbers(ctx, user, kind)
	return set, sqlError("completed operations", err)
}

func (r *SQLProgressRepository) CreateOperation(ctx context.Context, kind achieve.Kind, seq int, opKind achieve.OperationKind) (string, error) {
	user, err := r.currentUser()
	if err != nil {
		return "", err
	}
	done, err := r.db.CompletedOperationNumbers(ctx, user, kind)
	if err != nil {
		return "", sqlError("create operation", err)
	}
	if done[seq] {
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
	if err := r.db.CreateOperation(ctx, user, op); err != nil {
		return "", sqlError("create operation", err)
	}
	return op.ID, nil
}

func (r *SQLProgressRepository) UpdateOperation(ctx context.Context, id string, update achieve.OperationUpdate) error {
	user, err := r.currentUser()
	if err != nil {
		return err
	}
	return sqlError("update operation", r.db.UpdateOperation(ctx, user, id, update, r.now()))
}

func (r *SQLProgressRepository) CountCompletedOperations(ctx context.Context, kind achieve.Kind) (int, error) {
	user, err := r.currentUser()
	if err != nil {
		return 0, err
	}
	n, err := r.db.CountCompletedOperations(ctx, user, kind)
	return n, sqlError("count completed operations", err)
}

func (r *SQLProgressRepository) OperationsForRun(ctx context.Context, kind achieve.Kind) ([]*achieve.Operation, error) {
	user, err := r.currentUser()
	if err != nil {
		return nil, err
	}
	ops, err := r.db.ListOperations(ctx, user, kind)
	return ops, sqlError("list operations", err)
}

func (r *SQLProgressRepository) Close() error {
	return r.db.Close()
}

// sqlError maps driver errors onto the repository's error vocabulary.
func sqlError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, db.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, err.Error())
	}
	if isUniqueViolation(err) {
		return achieve.WrapError(achieve.ErrConflict, op, err)
	}
	return storageError(op, err)
}

// isUniqueViolation matches both lib/pq ("duplicate key value") and
// modernc sqlite ("UNIQUE constraint failed") messages.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}
