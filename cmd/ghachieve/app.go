package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/config"
	"github.com/soochol/ghachieve/internal/db"
	"github.com/soochol/ghachieve/internal/github"
	"github.com/soochol/ghachieve/internal/recipes"
	"github.com/soochol/ghachieve/internal/repository"
	"github.com/soochol/ghachieve/internal/services"
)

// app holds the long-lived components shared by commands.
type app struct {
	cfg     *config.Config
	store   repository.ProgressRepository
	limiter *services.RateLimiter
	client  *github.Client // nil for read-only commands without a token
	helper  *github.Client
}

// newApp opens the progress store and, when a token is configured, the
// GitHub clients. The store namespace is the configured or authenticated
// username.
func newApp(ctx context.Context, cfg *config.Config, requireGitHub bool) (*app, error) {
	a := &app{cfg: cfg}

	limiter, err := services.NewRateLimiter(cfg.Engine.RateLimit)
	if err != nil {
		return nil, err
	}
	a.limiter = limiter

	if cfg.GitHub.Token != "" {
		if a.client, err = newClient(ctx, cfg, cfg.GitHub.Token); err != nil {
			return nil, err
		}
		if cfg.GitHub.HelperToken != "" {
			if a.helper, err = newClient(ctx, cfg, cfg.GitHub.HelperToken); err != nil {
				return nil, err
			}
		}
	} else if requireGitHub {
		return nil, achieve.NewError(achieve.ErrAuthentication, "startup", "github.token (or GITHUB_TOKEN) is required")
	}

	username := cfg.GitHub.Username
	if username == "" && a.client != nil {
		if username, err = a.client.AuthenticatedUser(ctx); err != nil {
			return nil, fmt.Errorf("resolve github user: %w", err)
		}
		slog.Info("authenticated", "user", username)
	}
	if username == "" {
		return nil, achieve.NewError(achieve.ErrConfiguration, "startup", "github.username is required without a token")
	}

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	if err := a.store.SwitchUser(ctx, username); err != nil {
		a.store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func newClient(ctx context.Context, cfg *config.Config, token string) (*github.Client, error) {
	return github.New(ctx, github.Config{
		Token:      token,
		BaseURL:    cfg.GitHub.BaseURL,
		GraphQLURL: cfg.GitHub.GraphQLURL,
		Timeout:    cfg.GitHub.RequestTimeout,
		Retry:      cfg.Engine.Retry,
	})
}

func openStore(ctx context.Context, sc config.StoreConfig) (repository.ProgressRepository, error) {
	switch sc.Driver {
	case "memory":
		return repository.NewMemoryProgressRepository(), nil
	case "file":
		return repository.NewFileProgressRepository(filepath.Clean(sc.Dir))
	case db.DriverSQLite, db.DriverPostgres:
		database, err := db.New(ctx, sc.Driver, sc.DSN)
		if err != nil {
			return nil, achieve.WrapError(achieve.ErrStorage, "open store", err)
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, achieve.WrapError(achieve.ErrStorage, "migrate store", err)
		}
		slog.Info("progress store ready", "driver", sc.Driver)
		return repository.NewSQLProgressRepository(database), nil
	}
	return nil, achieve.NewError(achieve.ErrConfiguration, "open store", fmt.Sprintf("unknown driver %q", sc.Driver))
}

type workflowParams struct {
	kind        achieve.Kind
	tier        achieve.Tier
	target      int
	concurrency int
	delay       *time.Duration // nil keeps the configured delay
	onProgress  func(achieve.ProgressUpdate)
}

// buildWorkflow wires the recipe for p.kind to the shared store and limiter.
func (a *app) buildWorkflow(p workflowParams) (*services.Workflow, error) {
	if err := a.cfg.ValidateGitHub(p.kind); err != nil {
		return nil, err
	}
	deps := recipes.Deps{
		API:                a.client,
		Repo:               a.cfg.GitHub.Repo,
		CoAuthorName:       a.cfg.GitHub.CoAuthorName,
		CoAuthorEmail:      a.cfg.GitHub.CoAuthorEmail,
		Reviewers:          a.cfg.GitHub.Reviewers,
		DiscussionCategory: a.cfg.GitHub.DiscussionCategory,
	}
	if a.helper != nil {
		deps.Helper = a.helper
	}
	recipe, err := recipes.For(p.kind, deps)
	if err != nil {
		return nil, err
	}

	concurrency := p.concurrency
	if concurrency <= 0 {
		concurrency = a.cfg.Engine.Concurrency
	}
	opts := services.WorkflowOptions{
		Kind:        p.kind,
		Tier:        p.tier,
		TargetCount: p.target,
		Concurrency: concurrency,
		Delay:       a.cfg.Engine.Delay,
		Recipe:      recipe,
		Store:       a.store,
		Limiter:     a.limiter,
		OnProgress:  p.onProgress,
	}
	if p.delay != nil {
		opts.Delay = *p.delay
	}
	return services.NewWorkflow(opts)
}

// workflowFactory adapts buildWorkflow to the run manager.
func (a *app) workflowFactory() services.WorkflowFactory {
	return func(kind achieve.Kind, tier achieve.Tier, onProgress func(achieve.ProgressUpdate)) (*services.Workflow, error) {
		return a.buildWorkflow(workflowParams{kind: kind, tier: tier, onProgress: onProgress})
	}
}
