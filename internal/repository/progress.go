package repository

import (
	"context"
	"errors"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/achieve/ports"
)

// ErrNotFound is returned when a run or operation does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoUser is returned when a repository is used before SwitchUser.
var ErrNoUser = errors.New("no user namespace selected")

// ProgressRepository persists achievement runs and their operations, isolated
// per GitHub username. Every mutation is durable when the call returns.
type ProgressRepository interface {
	ports.ProgressStore

	// SwitchUser selects the namespace used by all subsequent calls.
	SwitchUser(ctx context.Context, username string) error
	GetRun(ctx context.Context, kind achieve.Kind) (*achieve.Run, error)
	ListRuns(ctx context.Context) ([]*achieve.Run, error)
	// DeleteRun removes a run and its operations. Administrative only.
	DeleteRun(ctx context.Context, kind achieve.Kind) error
	CountCompletedOperations(ctx context.Context, kind achieve.Kind) (int, error)
	OperationsForRun(ctx context.Context, kind achieve.Kind) ([]*achieve.Operation, error)
	Close() error
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || achieve.KindOf(err) != achieve.ErrUnknown {
		return err
	}
	return achieve.WrapError(achieve.ErrStorage, op, err)
}
