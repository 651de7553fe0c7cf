// Package store is the typed persistent store for pull requests, builders
// and build statuses. All access goes through a single writer goroutine that
// owns the sqlite session.
package store

import (
	"strconv"
	"time"

	derrors "git.home.luguber.info/inful/prbuild/internal/errors"
)

// State is the per-(PR, builder) build lifecycle state. Negative values are
// internal queue states; non-negative values are executor terminal codes.
type State int

const (
	StateInQueue    State = -1
	StateScheduling State = -2
	StateScheduled  State = -3
	StateBuilding   State = -4

	// Executor terminal codes.
	StateSuccess   State = 0
	StateWarnings  State = 1
	StateFailure   State = 2
	StateSkipped   State = 3
	StateException State = 4
	StateRetry     State = 5
)

// Terminal reports whether s is an executor terminal code.
func (s State) Terminal() bool { return s >= StateSuccess }

// String returns the canonical lowercase state name.
func (s State) String() string {
	switch s {
	case StateInQueue:
		return "queued"
	case StateScheduling:
		return "scheduling"
	case StateScheduled:
		return "scheduled"
	case StateBuilding:
		return "building"
	case StateSuccess:
		return "success"
	case StateWarnings:
		return "warnings"
	case StateFailure:
		return "failure"
	case StateSkipped:
		return "skipped"
	case StateRetry:
		return "retry"
	case StateException:
		return "exception"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// PullRequest mirrors one open (or recently closed) pull request on the host.
// Status >= 0 means the PR is live and participates in scheduling.
type PullRequest struct {
	PRID        int64
	Branch      string
	Author      string
	Assignee    string
	HeadUser    string
	HeadRepo    string
	HeadBranch  string
	HeadSHA     string
	Title       string
	Description string
	Priority    int
	Status      int
	// Info is an opaque JSON blob. The "persistent" sub-key survives
	// head-SHA resets.
	Info      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Builder is one logical builder row reconciled from configuration at
// startup. Builders holds the executor builder names this logical builder
// targets; the first is canonical.
type Builder struct {
	BID          int64
	InternalName string
	Name         string
	Builders     []string
	Order        int
	Active       bool
	IsPerf       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanonicalBuilder returns the first executor builder name.
func (b *Builder) CanonicalBuilder() string {
	if len(b.Builders) == 0 {
		return ""
	}
	return b.Builders[0]
}

// Status records a single build attempt for a (PR, builder) pair. At most
// one active row exists per pair; HeadSHA never changes after creation.
type Status struct {
	SID         int64
	PRID        int64
	BID         int64
	HeadSHA     string
	BRID        int64 // executor build-request id, -1 when none
	BuildNumber int64 // executor build number, -1 when none
	State       State
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BuilderSpec is one configured logical builder handed to ReconcileBuilders.
type BuilderSpec struct {
	InternalName string
	Name         string
	Builders     []string
	Order        int
	IsPerf       bool
}

// Token renders an updated_at timestamp as the optimistic-concurrency token
// exposed to API clients: decimal UNIX seconds with insignificant zeros
// trimmed.
func Token(t time.Time) string {
	sec := float64(t.UnixMicro()) / 1e6
	return strconv.FormatFloat(sec, 'f', -1, 64)
}

// CheckToken compares a client-supplied token against the row's updated_at.
// An empty token always passes; a mismatch is a NeedUpdate error.
func CheckToken(updatedAt time.Time, token string) error {
	if token == "" {
		return nil
	}
	if Token(updatedAt) != token {
		return derrors.NeedUpdate("object state was changed")
	}
	return nil
}
