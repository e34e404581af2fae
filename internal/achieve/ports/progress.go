package ports

import (
	"context"

	"github.com/soochol/ghachieve/internal/achieve"
)

// ProgressStore is the subset of the progress repository the workflow needs.
// Services should depend on this interface rather than a concrete backend.
type ProgressStore interface {
	UpsertRun(ctx context.Context, kind achieve.Kind, displayName string, tier achieve.Tier, target int) (*achieve.Run, error)
	SetRunStatus(ctx context.Context, kind achieve.Kind, status achieve.Status) error
	SetRunProgress(ctx context.Context, kind achieve.Kind, completed int) error
	ResetStuckOperations(ctx context.Context, kind achieve.Kind) (int, error)
	CompletedOperationNumbers(ctx context.Context, kind achieve.Kind) (map[int]bool, error)
	CreateOperation(ctx context.Context, kind achieve.Kind, seq int, opKind achieve.OperationKind) (string, error)
	UpdateOperation(ctx context.Context, id string, update achieve.OperationUpdate) error
}
