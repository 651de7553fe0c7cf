package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/prbuild/internal/host"
	"git.home.luguber.info/inful/prbuild/internal/logfields"
	"git.home.luguber.info/inful/prbuild/internal/store"
	"git.home.luguber.info/inful/prbuild/internal/util/sets"
)

// WatchLoop periodically reconciles the host's open pull requests into the
// store and kicks the scheduler afterwards.
type WatchLoop struct {
	svc   *Service
	sched gocron.Scheduler
}

// NewWatchLoop builds the loop; Start begins polling after a short initial
// delay.
func NewWatchLoop(svc *Service) (*WatchLoop, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	w := &WatchLoop{svc: svc, sched: sched}
	_, err = sched.NewJob(
		gocron.DurationJob(svc.cfg.Service.PollInterval),
		gocron.NewTask(w.tick),
		// A slow host must not pile up overlapping iterations.
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartDateTime(time.Now().Add(time.Second))),
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Start begins the polling schedule.
func (w *WatchLoop) Start() { w.sched.Start() }

// Stop shuts the schedule down, waiting for a running iteration.
func (w *WatchLoop) Stop() error { return w.sched.Shutdown() }

func (w *WatchLoop) tick() {
	ctx := context.Background()
	iteration := uuid.NewString()
	log := slog.With(logfields.Iteration(iteration))
	log.Debug("watch loop iteration starting")
	if err := w.svc.UpdatePullRequests(ctx); err != nil {
		w.svc.rec.IncPoll("error")
		log.Error("watch loop iteration failed", logfields.Error(err))
		return
	}
	w.svc.rec.IncPoll("ok")
}

// UpdatePullRequests is one reconciliation pass: list the host's open PRs,
// merge each into the store, retire PRs the host no longer reports, then let
// the scheduler fill idle builders. Sub-step errors are logged; the pass
// carries on.
func (s *Service) UpdatePullRequests(ctx context.Context) error {
	s.allowScheduling.Store(false)

	prs, err := s.host.ListOpenPullRequests(ctx)
	if err != nil {
		// Scheduling stays enabled even when the host is unreachable.
		s.enableScheduling(ctx)
		return err
	}
	s.rec.SetActivePullRequests(len(prs))

	processed := sets.New[int64]()
	for i := range prs {
		pr := &prs[i]
		if err := s.ReconcilePR(ctx, pr); err != nil {
			slog.Error("reconcile failed", logfields.PR(pr.ID), logfields.Error(err))
			continue
		}
		processed.Add(pr.ID)
	}

	if err := s.retireMissingPRs(ctx, processed); err != nil {
		slog.Error("retiring closed pull requests failed", logfields.Error(err))
	}

	s.enableScheduling(ctx)
	return nil
}

// enableScheduling re-opens the scheduling gate and attempts every active
// builder.
func (s *Service) enableScheduling(ctx context.Context) {
	s.allowScheduling.Store(true)
	builders, err := s.store.ListActiveBuilders(ctx)
	if err != nil {
		slog.Error("listing builders for scheduling failed", logfields.Error(err))
		return
	}
	for _, b := range builders {
		if err := s.TryScheduleForBuilder(ctx, b.CanonicalBuilder()); err != nil {
			slog.Error("scheduling attempt failed",
				logfields.Builder(b.InternalName), logfields.Error(err))
		}
	}
}

// retireMissingPRs marks PRs absent from the host's answer closed and cancels
// their outstanding builds.
func (s *Service) retireMissingPRs(ctx context.Context, processed sets.Set[int64]) error {
	active, err := s.store.ListActivePullRequests(ctx)
	if err != nil {
		return err
	}
	for _, pr := range active {
		if processed.Has(pr.PRID) {
			continue
		}
		slog.Info("pull request closed on host", logfields.PR(pr.PRID))
		pr.Status = -1
		if err := s.store.UpdatePullRequest(ctx, pr); err != nil {
			slog.Error("marking pull request closed failed", logfields.PR(pr.PRID), logfields.Error(err))
			continue
		}
		statuses, err := s.store.ListActiveStatusesForPR(ctx, pr.PRID)
		if err != nil {
			slog.Error("listing statuses of closed pull request failed", logfields.PR(pr.PRID), logfields.Error(err))
			continue
		}
		for _, st := range statuses {
			if err := s.CancelBuild(ctx, st, ""); err != nil {
				slog.Error("canceling build of closed pull request failed",
					logfields.PR(pr.PRID), logfields.BuilderID(st.BID), logfields.Error(err))
			}
			if err := s.deactivateStatus(ctx, st); err != nil {
				slog.Error("deactivating status of closed pull request failed",
					logfields.PR(pr.PRID), logfields.BuilderID(st.BID), logfields.Error(err))
			}
		}
	}
	return nil
}

func (s *Service) deactivateStatus(ctx context.Context, st *store.Status) error {
	return s.store.Run(ctx, func(se *store.Session) error {
		cur, err := se.GetActiveStatus(st.PRID, st.BID)
		if err != nil || cur == nil || cur.SID != st.SID {
			return err
		}
		cur.Active = false
		return se.UpdateStatus(cur)
	})
}

// ReconcilePR merges one host PR descriptor into the store and, when the
// head SHA moved, requeues builders. Runs as a step sequence on the store
// worker: the merge commits before any executor traffic happens.
func (s *Service) ReconcilePR(ctx context.Context, pr *host.PullRequest) error {
	var headSHAOld string
	var firstSeen bool

	return s.store.RunSteps(ctx,
		store.Step{
			DB: func(se *store.Session) error {
				current, err := se.GetPullRequest(pr.ID)
				if err != nil {
					return err
				}
				if current == nil {
					firstSeen = true
					return se.InsertPullRequest(newStorePR(pr))
				}
				headSHAOld = current.HeadSHA
				if mergePR(current, pr) {
					return se.UpdatePullRequest(current)
				}
				return nil
			},
		},
		store.Step{
			Await: func(ctx context.Context) error {
				if !firstSeen && headSHAOld == pr.HeadSHA {
					return nil
				}
				return s.queueBuildersForPR(ctx, pr, firstSeen)
			},
		},
		store.Step{
			Await: func(ctx context.Context) error {
				if s.hooks.OnUpdatePullRequest != nil {
					s.hooks.OnUpdatePullRequest(ctx, pr.ID)
				}
				return nil
			},
		},
	)
}

func newStorePR(pr *host.PullRequest) *store.PullRequest {
	info := pr.Info
	if info == nil {
		info = map[string]any{}
	}
	return &store.PullRequest{
		PRID:        pr.ID,
		Branch:      pr.Branch,
		Author:      pr.Author,
		Assignee:    pr.Assignee,
		HeadUser:    pr.HeadUser,
		HeadRepo:    pr.HeadRepo,
		HeadBranch:  pr.HeadBranch,
		HeadSHA:     pr.HeadSHA,
		Title:       pr.Title,
		Description: pr.Description,
		Priority:    pr.Priority,
		Status:      0,
		Info:        info,
	}
}

// mergePR copies host fields onto the stored row, reviving closed PRs.
// When anything changed the info blob is rebuilt from the persistent sub-key
// plus the host's info. Reports whether a write is needed.
func mergePR(current *store.PullRequest, pr *host.PullRequest) bool {
	changed := current.Status < 0
	if current.Status < 0 {
		current.Status = 0
	}
	set := func(dst *string, v string) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&current.Branch, pr.Branch)
	set(&current.Author, pr.Author)
	set(&current.Assignee, pr.Assignee)
	set(&current.HeadUser, pr.HeadUser)
	set(&current.HeadRepo, pr.HeadRepo)
	set(&current.HeadBranch, pr.HeadBranch)
	set(&current.HeadSHA, pr.HeadSHA)
	set(&current.Title, pr.Title)
	set(&current.Description, pr.Description)
	if current.Priority != pr.Priority {
		current.Priority = pr.Priority
		changed = true
	}
	if changed {
		info := map[string]any{}
		if p, ok := current.Info["persistent"]; ok {
			info["persistent"] = p
		}
		for k, v := range pr.Info {
			info[k] = v
		}
		current.Info = info
	}
	return changed
}

// queueBuildersForPR cancels superseded statuses and enqueues a fresh one
// per eligible builder after a head-SHA change.
func (s *Service) queueBuildersForPR(ctx context.Context, pr *host.PullRequest, firstSeen bool) error {
	slog.Info("requeueing builders", logfields.PR(pr.ID), logfields.HeadSHA(pr.HeadSHA))

	builders, err := s.store.ListActiveBuilders(ctx)
	if err != nil {
		return err
	}
	auto := s.automaticBuilders(pr)
	testFilter := s.ExtractRegressionFilter(pr.Description)
	trusted := s.trusted(pr)

	for _, b := range builders {
		existing, err := s.store.GetActiveStatus(ctx, pr.ID, b.BID)
		if err != nil {
			return err
		}
		if existing != nil {
			// Best effort: a failed cancel must not keep the row active.
			if err := s.CancelBuild(ctx, existing, ""); err != nil {
				slog.Error("canceling superseded build failed",
					logfields.PR(pr.ID), logfields.Builder(b.InternalName), logfields.Error(err))
			}
			if err := s.deactivateStatus(ctx, existing); err != nil {
				return err
			}
		}

		if auto != nil && !auto.Has(b.Name) && !auto.Has(b.InternalName) {
			continue
		}
		if b.IsPerf && testFilter == "" {
			continue
		}
		if s.trustedAuthors != nil && firstSeen && !trusted {
			slog.Info("untrusted pull request, not auto-enqueueing",
				logfields.PR(pr.ID), logfields.Builder(b.InternalName))
			continue
		}

		st := &store.Status{
			PRID:        pr.ID,
			BID:         b.BID,
			HeadSHA:     pr.HeadSHA,
			BRID:        -1,
			BuildNumber: -1,
			State:       store.StateInQueue,
		}
		if err := s.store.AppendStatus(ctx, st); err != nil {
			return err
		}
		slog.Info("build queued", logfields.PR(pr.ID), logfields.Builder(b.InternalName),
			logfields.HeadSHA(pr.HeadSHA))
	}
	return nil
}
