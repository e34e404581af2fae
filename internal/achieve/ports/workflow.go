package ports

import (
	"context"

	"github.com/soochol/ghachieve/internal/achieve"
)

// Recipe performs the achievement-specific GitHub calls for one operation.
// PerformStep must be safe to call concurrently for distinct sequence numbers.
type Recipe interface {
	OperationKind() achieve.OperationKind
	PerformStep(ctx context.Context, seq int) (*achieve.StepResult, error)
}

// RecipeFunc adapts a plain function to the Recipe interface.
type RecipeFunc struct {
	Kind achieve.OperationKind
	Fn   func(ctx context.Context, seq int) (*achieve.StepResult, error)
}

func (r RecipeFunc) OperationKind() achieve.OperationKind { return r.Kind }

func (r RecipeFunc) PerformStep(ctx context.Context, seq int) (*achieve.StepResult, error) {
	return r.Fn(ctx, seq)
}

// RateGate bounds concurrent and per-window API pressure. Every successful
// Acquire must be paired with exactly one Release.
type RateGate interface {
	Acquire(ctx context.Context) error
	Release()
}
