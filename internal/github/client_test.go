package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/achieve/ports"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Config{
		Token:   "test-token",
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Retry: achieve.RetryPolicy{
			MaxRetries:  2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			ResetBuffer: time.Millisecond,
		},
	})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Equal(t, achieve.ErrConfiguration, achieve.KindOf(err))
}

func TestClient_SendsAuthAndHeaders(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, apiVersion, r.Header.Get("X-GitHub-Api-Version"))
		assert.Equal(t, "/user", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]string{"login": "octocat"})
	}))

	login, err := c.AuthenticatedUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "octocat", login)
}

func TestClient_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		message string
		want    achieve.ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, nil, "Bad credentials", achieve.ErrAuthentication},
		{"forbidden", http.StatusForbidden, nil, "Resource not accessible by integration", achieve.ErrPermission},
		{"primary rate limit", http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0"}, "API rate limit exceeded", achieve.ErrRateLimited},
		{"secondary rate limit", http.StatusForbidden, nil, "You have exceeded a secondary rate limit", achieve.ErrRateLimited},
		{"not found", http.StatusNotFound, nil, "Not Found", achieve.ErrNotFound},
		{"conflict", http.StatusConflict, nil, "Head branch was modified", achieve.ErrConflict},
		{"already exists", http.StatusUnprocessableEntity, nil, "Reference already exists", achieve.ErrConflict},
		{"validation", http.StatusUnprocessableEntity, nil, "Validation Failed", achieve.ErrValidation},
		{"too many requests", http.StatusTooManyRequests, map[string]string{"Retry-After": "0"}, "slow down", achieve.ErrRateLimited},
		{"server", http.StatusBadGateway, nil, "", achieve.ErrServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				if tt.headers["X-RateLimit-Remaining"] == "0" {
					w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Unix(), 10))
				}
				writeJSON(w, tt.status, map[string]string{"message": tt.message})
			}))

			_, err := c.DefaultBranch(context.Background(), "octo/repo")
			require.Error(t, err)
			assert.Equal(t, tt.want, achieve.KindOf(err))

			wantCalls := int32(1)
			if achieve.IsRetryable(err) {
				wantCalls = 3
			}
			assert.Equal(t, wantCalls, calls.Load(), "transient errors are retried, others are not")
		})
	}
}

func TestClient_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "unavailable"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int{"number": 7})
	}))

	n, err := c.CreateIssue(context.Background(), "octo/repo", "title", "body")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_RateLimitCarriesResetTime(t *testing.T) {
	reset := time.Now().Add(-time.Second).Unix()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "API rate limit exceeded"})
	}))

	_, err := c.BranchSHA(context.Background(), "octo/repo", "main")
	got, ok := achieve.ResetTime(err)
	require.True(t, ok)
	assert.Equal(t, reset, got.Unix())
}

func TestClient_PutFileEncodesContent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/repos/octo/repo/contents/achievements/1.md", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		raw, _ := base64.StdEncoding.DecodeString(in["content"])
		assert.Equal(t, "hello", string(raw))
		assert.Equal(t, "feature", in["branch"])
		writeJSON(w, http.StatusCreated, map[string]any{"commit": map[string]string{"sha": "abc123"}})
	}))

	sha, err := c.PutFile(context.Background(), "octo/repo", ports.FileChange{
		Path: "achievements/1.md", Branch: "feature", Message: "add", Content: []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", sha)
}

func TestClient_MergeNotMergedIsConflict(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"merged": false, "sha": ""})
	}))
	_, err := c.MergePullRequest(context.Background(), "octo/repo", 3, "")
	assert.Equal(t, achieve.ErrConflict, achieve.KindOf(err))
}

func TestClient_DeleteMissingBranchIsNotAnError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Reference does not exist"})
	}))
	assert.NoError(t, c.DeleteBranch(context.Background(), "octo/repo", "gone"))
}

func TestClient_InvalidRepo(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.DefaultBranch(context.Background(), "not-a-repo")
	assert.Equal(t, achieve.ErrConfiguration, achieve.KindOf(err))
}

func TestClient_GraphQLDiscussionFlow(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/graphql", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req graphQLRequest
		require.NoError(t, json.Unmarshal(body, &req))

		switch {
		case req.Variables["owner"] == "octo":
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"repository": map[string]any{
				"id": "R_1", "hasDiscussionsEnabled": true,
				"discussionCategories": map[string]any{"nodes": []map[string]any{
					{"id": "C_general", "name": "General", "isAnswerable": false},
					{"id": "C_qa", "name": "Q&A", "isAnswerable": true},
				}},
			}}})
		case req.Variables["cat"] == "C_qa":
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"createDiscussion": map[string]any{"discussion": map[string]string{"id": "D_1"}},
			}})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"errors": []map[string]string{
				{"type": "FORBIDDEN", "message": "viewer cannot mark answers"},
			}})
		}
	}))
	ctx := context.Background()

	repoID, catID, err := c.DiscussionTarget(ctx, "octo/repo", "")
	require.NoError(t, err)
	assert.Equal(t, "R_1", repoID)
	assert.Equal(t, "C_qa", catID)

	id, err := c.CreateDiscussion(ctx, repoID, catID, "Question", "How?")
	require.NoError(t, err)
	assert.Equal(t, "D_1", id)

	err = c.MarkAnswer(ctx, "DC_1")
	assert.Equal(t, achieve.ErrPermission, achieve.KindOf(err))
	assert.Contains(t, err.Error(), "viewer cannot mark answers")
}
