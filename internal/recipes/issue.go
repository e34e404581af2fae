package recipes

import (
	"context"
	"fmt"
	"sync"

	"github.com/soochol/ghachieve/internal/achieve"
)

// SingleIssue opens an issue and closes it straight away.
type SingleIssue struct {
	deps Deps
}

func (r *SingleIssue) OperationKind() achieve.OperationKind { return achieve.OpIssue }

func (r *SingleIssue) PerformStep(ctx context.Context, seq int) (*achieve.StepResult, error) {
	title := fmt.Sprintf("Quickdraw %s-%d", r.deps.RunTag, seq)
	n, err := r.deps.API.CreateIssue(ctx, r.deps.Repo, title, "Opened and closed right away.")
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	if err := r.deps.API.CloseIssue(ctx, r.deps.Repo, n); err != nil {
		return nil, fmt.Errorf("close issue #%d: %w", n, err)
	}
	return &achieve.StepResult{IssueNumber: n}, nil
}

// DiscussionQnA has the helper account ask a question in an answerable
// category, answers it from the main account and lets the helper accept the
// answer.
type DiscussionQnA struct {
	deps Deps

	mu         sync.Mutex
	repoID     string
	categoryID string
}

func (r *DiscussionQnA) OperationKind() achieve.OperationKind { return achieve.OpDiscussionAnswer }

func (r *DiscussionQnA) target(ctx context.Context) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.repoID != "" {
		return r.repoID, r.categoryID, nil
	}
	repoID, catID, err := r.deps.Helper.DiscussionTarget(ctx, r.deps.Repo, r.deps.DiscussionCategory)
	if err != nil {
		return "", "", err
	}
	r.repoID, r.categoryID = repoID, catID
	return repoID, catID, nil
}

func (r *DiscussionQnA) PerformStep(ctx context.Context, seq int) (*achieve.StepResult, error) {
	repoID, catID, err := r.target(ctx)
	if err != nil {
		return nil, fmt.Errorf("discussion target: %w", err)
	}

	title := fmt.Sprintf("Question %s-%d", r.deps.RunTag, seq)
	discussion, err := r.deps.Helper.CreateDiscussion(ctx, repoID, catID, title, "How does this work?")
	if err != nil {
		return nil, fmt.Errorf("create discussion: %w", err)
	}
	comment, err := r.deps.API.AddDiscussionComment(ctx, discussion, "Like this.")
	if err != nil {
		return nil, fmt.Errorf("answer discussion: %w", err)
	}
	if err := r.deps.Helper.MarkAnswer(ctx, comment); err != nil {
		return nil, fmt.Errorf("accept answer: %w", err)
	}
	return &achieve.StepResult{DiscussionID: discussion}, nil
}
