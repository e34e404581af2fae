package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/achieve/ports"
)

func repoPath(repo string) (string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", achieve.NewError(achieve.ErrConfiguration, "github", fmt.Sprintf("repository %q must be owner/name", repo))
	}
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name), nil
}

// DefaultBranch returns the repository's default branch name.
func (c *Client) DefaultBranch(ctx context.Context, repo string) (string, error) {
	p, err := repoPath(repo)
	if err != nil {
		return "", err
	}
	var out struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.rest(ctx, "get repository", http.MethodGet, p, nil, &out); err != nil {
		return "", err
	}
	return out.DefaultBranch, nil
}

// BranchSHA returns the commit SHA at the tip of branch.
func (c *Client) BranchSHA(ctx context.Context, repo, branch string) (string, error) {
	p, err := repoPath(repo)
	if err != nil {
		return "", err
	}
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := c.rest(ctx, "get branch", http.MethodGet, p+"/git/ref/heads/"+branch, nil, &out); err != nil {
		return "", err
	}
	return out.Object.SHA, nil
}

// CreateBranch points a new branch at sha.
func (c *Client) CreateBranch(ctx context.Context, repo, branch, sha string) error {
	p, err := repoPath(repo)
	if err != nil {
		return err
	}
	in := map[string]string{"ref": "refs/heads/" + branch, "sha": sha}
	return c.rest(ctx, "create branch", http.MethodPost, p+"/git/refs", in, nil)
}

// DeleteBranch removes a branch. A branch that is already gone is not an error.
func (c *Client) DeleteBranch(ctx context.Context, repo, branch string) error {
	p, err := repoPath(repo)
	if err != nil {
		return err
	}
	err = c.rest(ctx, "delete branch", http.MethodDelete, p+"/git/refs/heads/"+branch, nil, nil)
	if achieve.KindOf(err) == achieve.ErrNotFound || achieve.KindOf(err) == achieve.ErrValidation {
		return nil
	}
	return err
}

// PutFile creates or updates one file in a single commit and returns the
// commit SHA.
func (c *Client) PutFile(ctx context.Context, repo string, change ports.FileChange) (string, error) {
	p, err := repoPath(repo)
	if err != nil {
		return "", err
	}
	in := map[string]string{
		"message": change.Message,
		"content": base64.StdEncoding.EncodeToString(change.Content),
		"branch":  change.Branch,
	}
	if change.SHA != "" {
		in["sha"] = change.SHA
	}
	var out struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := c.rest(ctx, "put file", http.MethodPut, p+"/contents/"+change.Path, in, &out); err != nil {
		return "", err
	}
	return out.Commit.SHA, nil
}

// CreatePullRequest opens a pull request and returns its number.
func (c *Client) CreatePullRequest(ctx context.Context, repo, head, base, title, body string) (int, error) {
	p, err := repoPath(repo)
	if err != nil {
		return 0, err
	}
	in := map[string]string{"title": title, "head": head, "base": base, "body": body}
	var out struct {
		Number int `json:"number"`
	}
	if err := c.rest(ctx, "create pull request", http.MethodPost, p+"/pulls", in, &out); err != nil {
		return 0, err
	}
	return out.Number, nil
}

// RequestReviewers asks the given users to review a pull request.
func (c *Client) RequestReviewers(ctx context.Context, repo string, number int, reviewers []string) error {
	if len(reviewers) == 0 {
		return nil
	}
	p, err := repoPath(repo)
	if err != nil {
		return err
	}
	in := map[string][]string{"reviewers": reviewers}
	return c.rest(ctx, "request reviewers", http.MethodPost, fmt.Sprintf("%s/pulls/%d/requested_reviewers", p, number), in, nil)
}

// MergePullRequest merges with a merge commit and returns its SHA.
func (c *Client) MergePullRequest(ctx context.Context, repo string, number int, commitTitle string) (string, error) {
	p, err := repoPath(repo)
	if err != nil {
		return "", err
	}
	in := map[string]string{"merge_method": "merge"}
	if commitTitle != "" {
		in["commit_title"] = commitTitle
	}
	var out struct {
		SHA    string `json:"sha"`
		Merged bool   `json:"merged"`
	}
	if err := c.rest(ctx, "merge pull request", http.MethodPut, fmt.Sprintf("%s/pulls/%d/merge", p, number), in, &out); err != nil {
		return "", err
	}
	if !out.Merged {
		return "", achieve.NewError(achieve.ErrConflict, "merge pull request", fmt.Sprintf("pull request #%d was not merged", number))
	}
	return out.SHA, nil
}

// CreateIssue opens an issue and returns its number.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string) (int, error) {
	p, err := repoPath(repo)
	if err != nil {
		return 0, err
	}
	in := map[string]string{"title": title, "body": body}
	var out struct {
		Number int `json:"number"`
	}
	if err := c.rest(ctx, "create issue", http.MethodPost, p+"/issues", in, &out); err != nil {
		return 0, err
	}
	return out.Number, nil
}

// CloseIssue closes an issue as completed.
func (c *Client) CloseIssue(ctx context.Context, repo string, number int) error {
	p, err := repoPath(repo)
	if err != nil {
		return err
	}
	in := map[string]string{"state": "closed", "state_reason": "completed"}
	return c.rest(ctx, "close issue", http.MethodPatch, fmt.Sprintf("%s/issues/%d", p, number), in, nil)
}
