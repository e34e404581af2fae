// Package github is a small REST and GraphQL client for the calls the
// achievement recipes make. Every call is retried on transient failures and
// every failure is classified into an achieve.ErrorKind.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/achieve/ports"
	"github.com/soochol/ghachieve/internal/retry"
)

var _ ports.GitHubAPI = (*Client)(nil)

const (
	defaultBaseURL = "https://api.github.com"
	defaultTimeout = 30 * time.Second
	apiVersion     = "2022-11-28"

	// maxErrorBody caps how much of an error response is read for its message.
	maxErrorBody = 64 * 1024
)

// Config configures a Client. Only Token is required.
type Config struct {
	Token      string
	BaseURL    string
	GraphQLURL string
	// Timeout bounds each individual HTTP request, not the retry loop.
	Timeout   time.Duration
	Retry     achieve.RetryPolicy
	UserAgent string
}

// Client talks to the GitHub API on behalf of one account.
type Client struct {
	http       *http.Client
	baseURL    string
	graphqlURL string
	timeout    time.Duration
	userAgent  string
	retryOpts  []retry.Option
	now        func() time.Time
}

// New creates a client authenticated with cfg.Token.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, achieve.NewError(achieve.ErrConfiguration, "github client", "token is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	gql := cfg.GraphQLURL
	if gql == "" {
		gql = base + "/graphql"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "ghachieve"
	}
	policy := cfg.Retry
	if policy == (achieve.RetryPolicy{}) {
		policy = achieve.DefaultRetryPolicy()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	return &Client{
		http:       oauth2.NewClient(ctx, ts),
		baseURL:    base,
		graphqlURL: gql,
		timeout:    timeout,
		userAgent:  ua,
		retryOpts: []retry.Option{
			retry.WithPolicy(policy),
			retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
				slog.Warn("github: retrying request", "attempt", attempt, "delay", delay, "err", err)
			}),
		},
		now: time.Now,
	}, nil
}

// rest performs a JSON request against the REST API. out may be nil.
func (c *Client) rest(ctx context.Context, op, method, path string, in, out any) error {
	_, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.send(ctx, op, method, c.baseURL+path, in, out)
	}, c.retryOpts...)
	return err
}

func (c *Client) send(ctx context.Context, op, method, url string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return achieve.WrapError(achieve.ErrValidation, op, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return achieve.WrapError(achieve.ErrConfiguration, op, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return achieve.WrapError(achieve.ErrNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyResponse(op, resp, data, c.now())
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return achieve.WrapError(achieve.ErrServer, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// AuthenticatedUser returns the login the token belongs to.
func (c *Client) AuthenticatedUser(ctx context.Context) (string, error) {
	var out struct {
		Login string `json:"login"`
	}
	if err := c.rest(ctx, "get user", http.MethodGet, "/user", nil, &out); err != nil {
		return "", err
	}
	return out.Login, nil
}

// RateLimit reports the core REST quota.
func (c *Client) RateLimit(ctx context.Context) (remaining int, reset time.Time, err error) {
	var out struct {
		Resources struct {
			Core struct {
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.rest(ctx, "get rate limit", http.MethodGet, "/rate_limit", nil, &out); err != nil {
		return 0, time.Time{}, err
	}
	return out.Resources.Core.Remaining, time.Unix(out.Resources.Core.Reset, 0), nil
}
