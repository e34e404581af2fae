package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/retry"
)

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// graphql runs a query and decodes its data into out. GraphQL-level errors
// arrive with status 200 and are classified separately from HTTP errors.
func (c *Client) graphql(ctx context.Context, op, query string, vars map[string]any, out any) error {
	_, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		var resp graphQLResponse
		if err := c.send(ctx, op, http.MethodPost, c.graphqlURL, graphQLRequest{Query: query, Variables: vars}, &resp); err != nil {
			return struct{}{}, err
		}
		if len(resp.Errors) > 0 {
			return struct{}{}, classifyGraphQL(op, resp.Errors)
		}
		if out == nil || len(resp.Data) == 0 {
			return struct{}{}, nil
		}
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return struct{}{}, achieve.WrapError(achieve.ErrServer, op, fmt.Errorf("decode data: %w", err))
		}
		return struct{}{}, nil
	}, c.retryOpts...)
	return err
}

const discussionTargetQuery = `query($owner: String!, $name: String!) {
  repository(owner: $owner, name: $name) {
    id
    hasDiscussionsEnabled
    discussionCategories(first: 25) { nodes { id name isAnswerable } }
  }
}`

// DiscussionTarget resolves the repository node ID and the ID of an
// answerable discussion category. An empty category selects the first
// answerable one.
func (c *Client) DiscussionTarget(ctx context.Context, repo, category string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", achieve.NewError(achieve.ErrConfiguration, "discussion target", fmt.Sprintf("repository %q must be owner/name", repo))
	}
	var out struct {
		Repository *struct {
			ID                    string `json:"id"`
			HasDiscussionsEnabled bool   `json:"hasDiscussionsEnabled"`
			DiscussionCategories  struct {
				Nodes []struct {
					ID           string `json:"id"`
					Name         string `json:"name"`
					IsAnswerable bool   `json:"isAnswerable"`
				} `json:"nodes"`
			} `json:"discussionCategories"`
		} `json:"repository"`
	}
	if err := c.graphql(ctx, "discussion target", discussionTargetQuery, map[string]any{"owner": owner, "name": name}, &out); err != nil {
		return "", "", err
	}
	r := out.Repository
	if r == nil {
		return "", "", achieve.NewError(achieve.ErrNotFound, "discussion target", "repository "+repo+" not found")
	}
	if !r.HasDiscussionsEnabled {
		return "", "", achieve.NewError(achieve.ErrConfiguration, "discussion target", "discussions are disabled on "+repo)
	}
	for _, cat := range r.DiscussionCategories.Nodes {
		if !cat.IsAnswerable {
			continue
		}
		if category == "" || strings.EqualFold(cat.Name, category) {
			return r.ID, cat.ID, nil
		}
	}
	return "", "", achieve.NewError(achieve.ErrConfiguration, "discussion target", fmt.Sprintf("no answerable category %q on %s", category, repo))
}

const createDiscussionMutation = `mutation($repo: ID!, $cat: ID!, $title: String!, $body: String!) {
  createDiscussion(input: {repositoryId: $repo, categoryId: $cat, title: $title, body: $body}) {
    discussion { id }
  }
}`

// CreateDiscussion opens a discussion and returns its node ID.
func (c *Client) CreateDiscussion(ctx context.Context, repoID, categoryID, title, body string) (string, error) {
	var out struct {
		CreateDiscussion struct {
			Discussion struct {
				ID string `json:"id"`
			} `json:"discussion"`
		} `json:"createDiscussion"`
	}
	vars := map[string]any{"repo": repoID, "cat": categoryID, "title": title, "body": body}
	if err := c.graphql(ctx, "create discussion", createDiscussionMutation, vars, &out); err != nil {
		return "", err
	}
	return out.CreateDiscussion.Discussion.ID, nil
}

const addCommentMutation = `mutation($id: ID!, $body: String!) {
  addDiscussionComment(input: {discussionId: $id, body: $body}) {
    comment { id }
  }
}`

// AddDiscussionComment replies to a discussion and returns the comment node ID.
func (c *Client) AddDiscussionComment(ctx context.Context, discussionID, body string) (string, error) {
	var out struct {
		AddDiscussionComment struct {
			Comment struct {
				ID string `json:"id"`
			} `json:"comment"`
		} `json:"addDiscussionComment"`
	}
	if err := c.graphql(ctx, "add discussion comment", addCommentMutation, map[string]any{"id": discussionID, "body": body}, &out); err != nil {
		return "", err
	}
	return out.AddDiscussionComment.Comment.ID, nil
}

const markAnswerMutation = `mutation($id: ID!) {
  markDiscussionCommentAsAnswer(input: {id: $id}) { discussion { id } }
}`

// MarkAnswer marks a comment as the accepted answer. Only the discussion
// author or a maintainer may do this.
func (c *Client) MarkAnswer(ctx context.Context, commentID string) error {
	return c.graphql(ctx, "mark answer", markAnswerMutation, map[string]any{"id": commentID}, nil)
}
