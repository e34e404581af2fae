// Package recipes holds the per-achievement GitHub call sequences. Each
// recipe performs the calls for one operation sequence number.
package recipes

import (
	"fmt"
	"strings"
	"time"

	"github.com/soochol/ghachieve/internal/achieve"
	"github.com/soochol/ghachieve/internal/achieve/ports"
)

// Deps carries what recipes need. Helper is a second account, required only
// for discussion answers since an account cannot accept its own answer.
type Deps struct {
	API    ports.GitHubAPI
	Helper ports.GitHubAPI
	Repo   string

	CoAuthorName       string
	CoAuthorEmail      string
	Reviewers          []string
	DiscussionCategory string

	// RunTag is folded into branch names so separate runs never collide.
	RunTag string
}

// For returns the recipe that unlocks kind.
func For(kind achieve.Kind, deps Deps) (ports.Recipe, error) {
	if deps.API == nil {
		return nil, achieve.NewError(achieve.ErrConfiguration, "recipe", "GitHub client is required")
	}
	if deps.Repo == "" {
		return nil, achieve.NewError(achieve.ErrConfiguration, "recipe", "repository is required")
	}
	if deps.RunTag == "" {
		deps.RunTag = time.Now().UTC().Format("20060102150405")
	}

	switch kind {
	case achieve.KindPullShark:
		return &PullRequestOnly{deps: deps, kind: kind}, nil
	case achieve.KindPairExtraordinaire:
		if deps.CoAuthorName == "" || deps.CoAuthorEmail == "" {
			return nil, achieve.NewError(achieve.ErrConfiguration, "recipe", "co-author name and email are required for "+string(kind))
		}
		return &PairCommits{deps: deps}, nil
	case achieve.KindYOLO:
		return &UnsupervisedMerge{deps: deps}, nil
	case achieve.KindQuickdraw:
		return &SingleIssue{deps: deps}, nil
	case achieve.KindGalaxyBrain:
		if deps.Helper == nil {
			return nil, achieve.NewError(achieve.ErrConfiguration, "recipe", "a helper account token is required for "+string(kind))
		}
		return &DiscussionQnA{deps: deps}, nil
	}
	return nil, achieve.NewError(achieve.ErrConfiguration, "recipe", fmt.Sprintf("no recipe for %q", kind))
}

func branchName(kind achieve.Kind, tag string, seq int) string {
	return fmt.Sprintf("achieve/%s-%s-%d", kind, strings.ToLower(tag), seq)
}

func notePath(kind achieve.Kind, tag string, seq int) string {
	return fmt.Sprintf(".achievements/%s/%s-%d.md", kind, tag, seq)
}

func noteContent(kind achieve.Kind, seq int) []byte {
	return []byte(fmt.Sprintf("# %s\n\nOperation %d recorded at %s.\n", kind, seq, time.Now().UTC().Format(time.RFC3339)))
}
