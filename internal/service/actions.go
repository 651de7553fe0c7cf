package service

import (
	"context"
	"log/slog"

	derrors "git.home.luguber.info/inful/prbuild/internal/errors"
	"git.home.luguber.info/inful/prbuild/internal/logfields"
	"git.home.luguber.info/inful/prbuild/internal/store"
)

// CancelBuild cancels whatever st currently represents: dequeue, pending
// request cancellation or a stop of the running build. expectedToken, when
// given, must match the row's updated_at or the call fails with NeedUpdate.
func (s *Service) CancelBuild(ctx context.Context, st *store.Status, expectedToken string) error {
	if err := store.CheckToken(st.UpdatedAt, expectedToken); err != nil {
		return err
	}

	b, err := s.store.GetBuilder(ctx, st.BID)
	if err != nil {
		return err
	}
	if b == nil {
		return derrors.NotFound("invalid builder id: %d", st.BID)
	}

	switch {
	case st.State == store.StateInQueue || st.State == store.StateScheduling:
		st.Active = false
		return s.store.UpdateStatus(ctx, st)

	case st.State == store.StateScheduled:
		slog.Info("canceling scheduled build", logfields.PR(st.PRID), logfields.BRID(st.BRID))
		st.Active = false
		if err := s.store.UpdateStatus(ctx, st); err != nil {
			return err
		}
		found := false
		for _, name := range b.Builders {
			state, err := s.exec.GetBuilderState(ctx, name)
			if err != nil {
				slog.Error("querying builder for cancel failed",
					logfields.Builder(name), logfields.Error(err))
				continue
			}
			for _, pending := range state.PendingRequests {
				if pending.BRID != st.BRID {
					continue
				}
				found = true
				if err := s.exec.CancelRequest(ctx, st.BRID); err != nil {
					return err
				}
			}
		}
		if !found {
			slog.Info("no pending request matched", logfields.PR(st.PRID), logfields.BRID(st.BRID))
		}
		return nil

	case st.State == store.StateBuilding:
		slog.Info("stopping running build", logfields.PR(st.PRID), logfields.BuildNumber(st.BuildNumber))
		for _, name := range b.Builders {
			if err := s.exec.StopBuild(ctx, name, st.BuildNumber, "canceled by PR service"); err != nil {
				slog.Error("stopping build failed", logfields.Builder(name),
					logfields.BuildNumber(st.BuildNumber), logfields.Error(err))
			}
		}
		return nil

	default: // terminal
		slog.Info("build already finished, nothing to cancel",
			logfields.PR(st.PRID), logfields.State(st.State.String()))
		return nil
	}
}

// RetryBuild cancels the current status for (prid, bid), deactivates it, and
// enqueues a fresh one. Returns the new status.
func (s *Service) RetryBuild(ctx context.Context, prid, bid int64, expectedToken string) (*store.Status, error) {
	st, err := s.store.GetActiveStatus(ctx, prid, bid)
	if err != nil {
		return nil, err
	}
	if st != nil {
		if err := s.CancelBuild(ctx, st, expectedToken); err != nil {
			if derrors.IsNeedUpdate(err) {
				return nil, err
			}
			slog.Error("canceling before retry failed", logfields.PR(prid), logfields.Error(err))
		}
		if err := s.deactivateStatus(ctx, st); err != nil {
			return nil, err
		}
	}

	pr, err := s.store.GetPullRequest(ctx, prid)
	if err != nil {
		return nil, err
	}
	if pr == nil {
		return nil, derrors.NotFound("invalid PR: %d", prid)
	}
	b, err := s.store.GetBuilder(ctx, bid)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, derrors.NotFound("invalid builder id: %d", bid)
	}
	if b.IsPerf && s.ExtractRegressionFilter(pr.Description) == "" {
		return nil, derrors.BadRequest("can't queue perf builder without regression filter")
	}

	fresh := &store.Status{
		PRID:        prid,
		BID:         bid,
		HeadSHA:     pr.HeadSHA,
		BRID:        -1,
		BuildNumber: -1,
		State:       store.StateInQueue,
	}
	if err := s.store.AppendStatus(ctx, fresh); err != nil {
		return nil, err
	}
	slog.Info("build requeued by user", logfields.PR(prid), logfields.Builder(b.InternalName))
	return fresh, nil
}

// StopBuild cancels the active status for (prid, bid).
func (s *Service) StopBuild(ctx context.Context, prid, bid int64, expectedToken string) error {
	st, err := s.store.GetActiveStatus(ctx, prid, bid)
	if err != nil {
		return err
	}
	if st == nil {
		return derrors.NotFound("no active build for PR %d on builder %d", prid, bid)
	}
	return s.CancelBuild(ctx, st, expectedToken)
}

// RevertBuild delegates to the configured hook; without one the action is
// not available.
func (s *Service) RevertBuild(ctx context.Context, prid, bid int64, expectedToken string) error {
	st, err := s.store.GetActiveStatus(ctx, prid, bid)
	if err != nil {
		return err
	}
	if st != nil {
		if err := store.CheckToken(st.UpdatedAt, expectedToken); err != nil {
			return err
		}
	}
	if s.hooks.OnRevertBuild == nil {
		return derrors.Conflict("revert is not configured")
	}
	return s.hooks.OnRevertBuild(ctx, prid, bid)
}
