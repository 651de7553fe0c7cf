package service

import (
	"context"
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/prbuild/internal/executor"
	"git.home.luguber.info/inful/prbuild/internal/logfields"
	"git.home.luguber.info/inful/prbuild/internal/store"
)

// TryScheduleForBuilder submits the next queued build for the executor
// builder, if any. At most one submission is outstanding per builder and one
// attempt runs at a time across the process.
func (s *Service) TryScheduleForBuilder(ctx context.Context, builderName string) error {
	if !s.allowScheduling.Load() {
		return nil
	}
	s.schedulerMu.Lock()
	defer s.schedulerMu.Unlock()

	internal, _, ok := s.logicalBuilder(builderName)
	if !ok {
		return fmt.Errorf("unknown builder: %s", builderName)
	}
	b, err := s.store.GetBuilderByName(ctx, internal)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("builder %s not reconciled", internal)
	}

	state, err := s.exec.GetBuilderState(ctx, builderName)
	if err != nil {
		s.rec.IncSchedule(internal, "failed")
		return err
	}
	if !state.Online {
		s.rec.IncSchedule(internal, "offline")
		return nil
	}
	if len(state.PendingRequests) > 0 {
		s.rec.IncSchedule(internal, "pending")
		return nil
	}

	st, err := s.store.PickNextForBuilder(ctx, b.BID)
	if err != nil {
		return err
	}
	if st == nil {
		s.rec.IncSchedule(internal, "empty")
		return nil
	}

	slog.Info("scheduling build", logfields.PR(st.PRID), logfields.Builder(builderName))

	st.State = store.StateScheduling
	if err := s.store.UpdateStatus(ctx, st); err != nil {
		return err
	}

	submitted, err := s.submit(ctx, st, b, builderName)
	if err != nil {
		slog.Error("submission failed", logfields.PR(st.PRID),
			logfields.Builder(builderName), logfields.Error(err))
		s.rec.IncSchedule(internal, "failed")
		st.State = store.StateException
		return s.store.UpdateStatus(ctx, st)
	}
	if !submitted {
		s.rec.IncSchedule(internal, "rejected")
		return nil
	}
	s.rec.IncSchedule(internal, "submitted")
	return nil
}

// submit builds the property set and hands the build set to the executor,
// recording the returned request id. A property failure marks the status
// FAILURE instead of EXCEPTION and reports submitted=false.
func (s *Service) submit(ctx context.Context, st *store.Status, b *store.Builder, builderName string) (submitted bool, err error) {
	pr, err := s.store.GetPullRequest(ctx, st.PRID)
	if err != nil {
		return false, err
	}
	if pr == nil {
		return false, fmt.Errorf("pull request %d vanished", st.PRID)
	}

	props, stamps, ok := s.BuildProperties(ctx, pr, b)
	if !ok {
		st.State = store.StateFailure
		return false, s.store.UpdateStatus(ctx, st)
	}

	sub, err := s.exec.SubmitBuildSet(ctx, executor.SubmitRequest{
		SourceStamps: stamps,
		Properties:   props,
		Builder:      builderName,
		Reason:       fmt.Sprintf("#%d (%s) on %s", pr.PRID, pr.HeadSHA, builderName),
		ExternalID:   fmt.Sprintf("PR #%d", pr.PRID),
	})
	if err != nil {
		return false, err
	}

	st.BRID = sub.BRID
	slog.Info("build set submitted", logfields.PR(pr.PRID),
		logfields.Builder(builderName), logfields.BRID(sub.BRID))
	return true, s.store.UpdateStatus(ctx, st)
}

// BuildProperties assembles the submission properties and source stamps for
// a PR on a builder. Returns ok=false when the build cannot be described
// (head verification failed); the caller turns that into FAILURE.
func (s *Service) BuildProperties(ctx context.Context, pr *store.PullRequest, b *store.Builder) (executor.Properties, []executor.SourceStamp, bool) {
	repoURL := s.headRepoURL(pr)

	if s.cfg.Scheduler.VerifyHead {
		reachable, err := s.headCheck(ctx, repoURL, pr.HeadSHA)
		if err != nil {
			slog.Warn("head verification errored, submitting anyway",
				logfields.PR(pr.PRID), logfields.Error(err))
		} else if !reachable {
			slog.Warn("head sha no longer reachable",
				logfields.PR(pr.PRID), logfields.HeadSHA(pr.HeadSHA))
			return nil, nil, false
		}
	}

	props := executor.Properties{
		executor.PropService:     s.cfg.Service.Name,
		executor.PropPullRequest: fmt.Sprintf("%d", pr.PRID),
		executor.PropHeadSHA:     pr.HeadSHA,
	}
	for _, p := range s.params {
		if v, ok := p.Extract(pr.Description); ok {
			props[p.Property] = v
		}
	}

	stamps := []executor.SourceStamp{{
		Repository: repoURL,
		Branch:     pr.HeadBranch,
		Revision:   pr.HeadSHA,
		Project:    s.cfg.Host.Repo,
	}}
	return props, stamps, true
}

// headRepoURL renders the clone URL of the PR's head repository.
func (s *Service) headRepoURL(pr *store.PullRequest) string {
	base := s.cfg.Host.BaseURL
	if base == "" {
		base = "https://github.com"
	}
	user, repo := pr.HeadUser, pr.HeadRepo
	if user == "" {
		user = s.cfg.Host.Owner
	}
	if repo == "" {
		repo = s.cfg.Host.Repo
	}
	return fmt.Sprintf("%s/%s/%s.git", base, user, repo)
}
