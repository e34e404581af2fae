package achieve

import (
	"fmt"
	"time"
)

// Kind identifies an achievement the engine knows how to unlock.
type Kind string

const (
	KindPullShark          Kind = "pull-shark"
	KindPairExtraordinaire Kind = "pair-extraordinaire"
	KindQuickdraw          Kind = "quickdraw"
	KindGalaxyBrain        Kind = "galaxy-brain"
	KindYOLO               Kind = "yolo"
)

// Tier is a target-operation-count bucket for an achievement.
type Tier string

const (
	TierDefault Tier = "default"
	TierBronze  Tier = "bronze"
	TierSilver  Tier = "silver"
	TierGold    Tier = "gold"
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierDefault, TierBronze, TierSilver, TierGold}

// Status is the lifecycle state shared by runs and operations.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// OperationKind names the unit of work a recipe performs for one sequence number.
type OperationKind string

const (
	OpPairCommit        OperationKind = "pair-commit"
	OpPullRequest       OperationKind = "pull-request"
	OpIssue             OperationKind = "issue"
	OpDiscussionAnswer  OperationKind = "discussion-answer"
	OpUnsupervisedMerge OperationKind = "unsupervised-merge"
)

// Run is one configured attempt at an achievement and tier. There is at most
// one run per kind for a user; it is upserted on every execution.
type Run struct {
	Kind           Kind       `json:"kind"`
	DisplayName    string     `json:"display_name"`
	Tier           Tier       `json:"tier"`
	TargetCount    int        `json:"target_count"`
	CompletedCount int        `json:"completed_count"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Remaining returns how many operations are still needed to reach the target.
func (r *Run) Remaining() int {
	if r.CompletedCount >= r.TargetCount {
		return 0
	}
	return r.TargetCount - r.CompletedCount
}

// Operation is one unit of work within a run, identified by its sequence
// number (1..TargetCount).
type Operation struct {
	ID            string        `json:"id"`
	Kind          Kind          `json:"kind"`
	Sequence      int           `json:"sequence"`
	OperationKind OperationKind `json:"operation_kind"`
	Status        Status        `json:"status"`
	Result        *StepResult   `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// StepResult is the opaque payload a recipe returns for a successful operation.
type StepResult struct {
	PRNumber     int    `json:"pr_number,omitempty"`
	Branch       string `json:"branch,omitempty"`
	CommitSHA    string `json:"commit_sha,omitempty"`
	IssueNumber  int    `json:"issue_number,omitempty"`
	DiscussionID string `json:"discussion_id,omitempty"`
}

// OperationUpdate carries the fields changed when an attempt finishes.
type OperationUpdate struct {
	Status Status
	Result *StepResult
	Error  string
}

// ProgressUpdate is emitted to callers while a run is executing.
type ProgressUpdate struct {
	Kind    Kind   `json:"kind"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Label   string `json:"label"`
	Status  Status `json:"status"`
}

// ExecuteResult is the aggregate outcome of one Execute call.
type ExecuteResult struct {
	Kind                Kind          `json:"kind"`
	Tier                Tier          `json:"tier"`
	Success             bool          `json:"success"`
	CompletedOperations int           `json:"completed_operations"`
	TotalOperations     int           `json:"total_operations"`
	Errors              []string      `json:"errors"`
	Duration            time.Duration `json:"duration"`
	PRNumbers           []int         `json:"pr_numbers,omitempty"`
}

// Summary renders a single line suitable for logs and notifications.
func (r *ExecuteResult) Summary() string {
	state := "completed"
	if !r.Success {
		state = "failed"
	}
	return fmt.Sprintf("%s (%s) %s: %d/%d operations in %s, %d errors",
		r.Kind, r.Tier, state, r.CompletedOperations, r.TotalOperations,
		r.Duration.Round(time.Second), len(r.Errors))
}
