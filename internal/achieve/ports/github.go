package ports

import "context"

// FileChange is a single-file commit made through the contents API.
type FileChange struct {
	Path    string
	Branch  string
	Message string
	Content []byte
	// SHA of the blob being replaced; empty when creating the file.
	SHA string
}

// GitHubAPI is the set of GitHub calls the recipes need. repo is "owner/name".
// Implementations classify failures with achieve.ErrorKind and retry
// transient ones before returning.
type GitHubAPI interface {
	DefaultBranch(ctx context.Context, repo string) (string, error)
	BranchSHA(ctx context.Context, repo, branch string) (string, error)
	CreateBranch(ctx context.Context, repo, branch, sha string) error
	DeleteBranch(ctx context.Context, repo, branch string) error
	PutFile(ctx context.Context, repo string, change FileChange) (commitSHA string, err error)

	CreatePullRequest(ctx context.Context, repo, head, base, title, body string) (int, error)
	RequestReviewers(ctx context.Context, repo string, number int, reviewers []string) error
	MergePullRequest(ctx context.Context, repo string, number int, commitTitle string) (mergeSHA string, err error)

	CreateIssue(ctx context.Context, repo, title, body string) (int, error)
	CloseIssue(ctx context.Context, repo string, number int) error

	DiscussionTarget(ctx context.Context, repo, category string) (repoID, categoryID string, err error)
	CreateDiscussion(ctx context.Context, repoID, categoryID, title, body string) (string, error)
	AddDiscussionComment(ctx context.Context, discussionID, body string) (string, error)
	MarkAnswer(ctx context.Context, commentID string) error
}
