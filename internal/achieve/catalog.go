package achieve

import (
	"fmt"
	"sort"
)

// Achievement describes one unlockable badge and the number of operations
// each tier needs.
type Achievement struct {
	Kind          Kind          `json:"kind"`
	DisplayName   string        `json:"display_name"`
	Description   string        `json:"description"`
	OperationKind OperationKind `json:"operation_kind"`
	Targets       map[Tier]int  `json:"targets"`
}

// Target returns the operation count for tier.
func (a Achievement) Target(tier Tier) (int, error) {
	n, ok := a.Targets[tier]
	if !ok {
		return 0, NewError(ErrConfiguration, "catalog", fmt.Sprintf("%s has no %s tier", a.Kind, tier))
	}
	return n, nil
}

// AvailableTiers returns the tiers defined for the achievement in ascending order.
func (a Achievement) AvailableTiers() []Tier {
	var out []Tier
	for _, t := range Tiers {
		if _, ok := a.Targets[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

var catalog = map[Kind]Achievement{
	KindPullShark: {
		Kind:          KindPullShark,
		DisplayName:   "Pull Shark",
		Description:   "Opened pull requests that have been merged",
		OperationKind: OpPullRequest,
		Targets:       map[Tier]int{TierDefault: 2, TierBronze: 16, TierSilver: 128, TierGold: 1024},
	},
	KindPairExtraordinaire: {
		Kind:          KindPairExtraordinaire,
		DisplayName:   "Pair Extraordinaire",
		Description:   "Coauthored commits on merged pull requests",
		OperationKind: OpPairCommit,
		Targets:       map[Tier]int{TierDefault: 1, TierBronze: 10, TierSilver: 24, TierGold: 48},
	},
	KindGalaxyBrain: {
		Kind:          KindGalaxyBrain,
		DisplayName:   "Galaxy Brain",
		Description:   "Answered discussions with accepted answers",
		OperationKind: OpDiscussionAnswer,
		Targets:       map[Tier]int{TierDefault: 2, TierBronze: 8, TierSilver: 16, TierGold: 32},
	},
	KindQuickdraw: {
		Kind:          KindQuickdraw,
		DisplayName:   "Quickdraw",
		Description:   "Closed an issue or pull request within 5 minutes of opening",
		OperationKind: OpIssue,
		Targets:       map[Tier]int{TierDefault: 1},
	},
	KindYOLO: {
		Kind:          KindYOLO,
		DisplayName:   "YOLO",
		Description:   "Merged a pull request without code review",
		OperationKind: OpUnsupervisedMerge,
		Targets:       map[Tier]int{TierDefault: 1},
	},
}

// Lookup returns the catalog entry for kind.
func Lookup(kind Kind) (Achievement, error) {
	a, ok := catalog[kind]
	if !ok {
		return Achievement{}, NewError(ErrConfiguration, "catalog", fmt.Sprintf("unknown achievement %q", kind))
	}
	return a, nil
}

// Catalog returns every known achievement sorted by kind.
func Catalog() []Achievement {
	out := make([]Achievement, 0, len(catalog))
	for _, a := range catalog {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// ParseTier validates a tier name. An empty string selects the default tier.
func ParseTier(s string) (Tier, error) {
	if s == "" {
		return TierDefault, nil
	}
	for _, t := range Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", NewError(ErrConfiguration, "catalog", fmt.Sprintf("unknown tier %q", s))
}
