package service

import (
	"context"
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/prbuild/internal/executor"
	"git.home.luguber.info/inful/prbuild/internal/host"
	"git.home.luguber.info/inful/prbuild/internal/logfields"
	"git.home.luguber.info/inful/prbuild/internal/store"
)

// defaultBuildFinished posts the build outcome back to the host as a commit
// status. SetCommitStatus is idempotent, so re-delivered events are harmless.
func (s *Service) defaultBuildFinished(ctx context.Context, prid, bid int64, builder string, build executor.Build, result int) {
	pr, err := s.store.GetPullRequest(ctx, prid)
	if err != nil || pr == nil {
		slog.Error("loading PR for commit status failed", logfields.PR(prid), logfields.Error(err))
		return
	}

	state, description := commitStatusFor(store.State(result), builder)
	cs := host.CommitStatus{
		State:       state,
		Description: description,
		TargetURL:   s.BuildURL(builder, build.Number),
		Context:     fmt.Sprintf("ci/%s/%s", s.cfg.Service.URLPath, builder),
	}
	if err := s.host.SetCommitStatus(ctx, s.cfg.Host.Owner, s.cfg.Host.Repo, pr.HeadSHA, cs); err != nil {
		slog.Error("posting commit status failed",
			logfields.PR(prid), logfields.HeadSHA(pr.HeadSHA), logfields.Error(err))
	}
}

// commitStatusFor maps an executor terminal code to the host's commit-status
// vocabulary.
func commitStatusFor(result store.State, builder string) (state, description string) {
	switch result {
	case store.StateSuccess:
		return "success", fmt.Sprintf("Build succeeded on %s", builder)
	case store.StateWarnings:
		return "success", fmt.Sprintf("Build succeeded with warnings on %s", builder)
	case store.StateFailure:
		return "failure", fmt.Sprintf("Build failed on %s", builder)
	case store.StateSkipped:
		return "error", fmt.Sprintf("Build skipped on %s", builder)
	default:
		return "error", fmt.Sprintf("Build errored on %s", builder)
	}
}
