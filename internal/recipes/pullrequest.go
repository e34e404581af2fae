package recipes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/achieve/ports"
)

// prOptions varies the branch → commit → PR → merge sequence.
type prOptions struct {
	commitMessage string
	reviewers     []string
}

// mergeFlow creates a branch, commits one file, opens a pull request, merges
// it and deletes the branch. On failure before the merge the branch is
// removed so the next attempt starts clean.
func mergeFlow(ctx context.Context, d Deps, kind achieve.Kind, seq int, opts prOptions) (*achieve.StepResult, error) {
	api := d.API
	base, err := api.DefaultBranch(ctx, d.Repo)
	if err != nil {
		return nil, fmt.Errorf("default branch: %w", err)
	}
	sha, err := api.BranchSHA(ctx, d.Repo, base)
	if err != nil {
		return nil, fmt.Errorf("base sha: %w", err)
	}

	branch := branchName(kind, d.RunTag, seq)
	if err := api.CreateBranch(ctx, d.Repo, branch, sha); err != nil {
		// A retried create whose first attempt landed reports the ref as existing.
		if achieve.KindOf(err) != achieve.ErrConflict {
			return nil, fmt.Errorf("create branch: %w", err)
		}
		slog.Info("branch already exists, reusing", "branch", branch)
	}
	merged := false
	defer func() {
		if merged {
			return
		}
		if derr := api.DeleteBranch(context.WithoutCancel(ctx), d.Repo, branch); derr != nil {
			slog.Warn("could not clean up branch", "branch", branch, "err", derr)
		}
	}()

	commit, err := api.PutFile(ctx, d.Repo, ports.FileChange{
		Path:    notePath(kind, d.RunTag, seq),
		Branch:  branch,
		Message: opts.commitMessage,
		Content: noteContent(kind, seq),
	})
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	title := fmt.Sprintf("%s #%d", kind, seq)
	pr, err := api.CreatePullRequest(ctx, d.Repo, branch, base, title, "Automated change for "+string(kind)+".")
	if err != nil {
		return nil, fmt.Errorf("open pull request: %w", err)
	}
	if err := api.RequestReviewers(ctx, d.Repo, pr, opts.reviewers); err != nil {
		// A failed reviewer request does not block the merge.
		slog.Warn("could not request reviewers", "pr", pr, "err", err)
	}

	mergeSHA, err := api.MergePullRequest(ctx, d.Repo, pr, "")
	if err != nil {
		return nil, fmt.Errorf("merge pull request #%d: %w", pr, err)
	}
	merged = true

	if err := api.DeleteBranch(ctx, d.Repo, branch); err != nil {
		slog.Warn("could not delete merged branch", "branch", branch, "err", err)
	}
	if mergeSHA == "" {
		mergeSHA = commit
	}
	return &achieve.StepResult{PRNumber: pr, Branch: branch, CommitSHA: mergeSHA}, nil
}

// PullRequestOnly opens and merges one pull request per operation.
type PullRequestOnly struct {
	deps Deps
	kind achieve.Kind
}

func (r *PullRequestOnly) OperationKind() achieve.OperationKind { return achieve.OpPullRequest }

func (r *PullRequestOnly) PerformStep(ctx context.Context, seq int) (*achieve.StepResult, error) {
	return mergeFlow(ctx, r.deps, r.kind, seq, prOptions{
		commitMessage: fmt.Sprintf("Add %s note %d", r.kind, seq),
	})
}

// PairCommits merges a pull request whose commit carries a Co-authored-by trailer.
type PairCommits struct {
	deps Deps
}

func (r *PairCommits) OperationKind() achieve.OperationKind { return achieve.OpPairCommit }

func (r *PairCommits) PerformStep(ctx context.Context, seq int) (*achieve.StepResult, error) {
	msg := fmt.Sprintf("Add pairing note %d\n\nCo-authored-by: %s <%s>", seq, r.deps.CoAuthorName, r.deps.CoAuthorEmail)
	return mergeFlow(ctx, r.deps, achieve.KindPairExtraordinaire, seq, prOptions{commitMessage: msg})
}

// UnsupervisedMerge merges a pull request without waiting for review. Any
// configured reviewers are requested first and then bypassed.
type UnsupervisedMerge struct {
	deps Deps
}

func (r *UnsupervisedMerge) OperationKind() achieve.OperationKind { return achieve.OpUnsupervisedMerge }

func (r *UnsupervisedMerge) PerformStep(ctx context.Context, seq int) (*achieve.StepResult, error) {
	return mergeFlow(ctx, r.deps, achieve.KindYOLO, seq, prOptions{
		commitMessage: fmt.Sprintf("Add unreviewed note %d", seq),
		reviewers:     r.deps.Reviewers,
	})
}
