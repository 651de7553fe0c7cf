// Package host adapts the code-review host (GitHub or GitLab) to the two
// operations the core consumes: listing open pull requests and posting
// commit statuses.
package host

import (
	"context"

	"git.home.luguber.info/inful/prbuild/internal/config"
	derrors "git.home.luguber.info/inful/prbuild/internal/errors"
)

// PullRequest is the host-neutral descriptor of one open pull request.
type PullRequest struct {
	ID          int64
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
	Info        map[string]any
}

// CommitStatus is one commit status entry.
type CommitStatus struct {
	State       string `json:"state"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url"`
	Context     string `json:"context"`
}

// Client is the contract the core consumes.
type Client interface {
	// ListOpenPullRequests polls the host for all open pull requests.
	ListOpenPullRequests(ctx context.Context) ([]PullRequest, error)
	// SetCommitStatus posts a commit status. Implementations are idempotent:
	// they read existing statuses first and skip the write when state,
	// description and target URL already match for the context.
	SetCommitStatus(ctx context.Context, owner, repo, sha string, status CommitStatus) error
}

// New builds the configured host client.
func New(cfg *config.Config) (Client, error) {
	switch cfg.Host.Type {
	case config.HostGitHub:
		return NewGitHubClient(&cfg.Host, cfg.Retry)
	case config.HostGitLab:
		return NewGitLabClient(&cfg.Host, cfg.Retry)
	default:
		return nil, derrors.New(derrors.CategoryConfig, derrors.SeverityFatal, "unknown host type").
			WithContext("type", string(cfg.Host.Type))
	}
}
