package service

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/prbuild/internal/executor"
	"git.home.luguber.info/inful/prbuild/internal/logfields"
	"git.home.luguber.info/inful/prbuild/internal/store"
)

// Receiver applies executor lifecycle events to status rows. It implements
// executor.Listener; errors are logged and never propagated back to the
// event stream.
type Receiver struct {
	svc *Service
}

// NewReceiver returns the listener for svc.
func NewReceiver(svc *Service) *Receiver { return &Receiver{svc: svc} }

// resolve maps an executor builder name plus properties to the status
// coordinates, applying the service-name filter. ok=false means the event is
// not ours.
func (r *Receiver) resolve(props executor.Properties, builderName string) (prid, bid int64, ok bool) {
	if props.Service() != r.svc.Name() {
		return 0, 0, false
	}
	prid = props.PullRequest()
	if prid < 0 {
		return 0, 0, false
	}
	internal, _, found := r.svc.logicalBuilder(builderName)
	if !found {
		slog.Warn("event for unknown builder", logfields.Builder(builderName))
		return 0, 0, false
	}
	b, err := r.svc.store.GetBuilderByName(context.Background(), internal)
	if err != nil || b == nil {
		slog.Warn("builder not reconciled", logfields.Builder(internal), logfields.Error(err))
		return 0, 0, false
	}
	return prid, b.BID, true
}

// shaMatches enforces the head_sha filter: events for a superseded status
// are logged and dropped.
func shaMatches(st *store.Status, props executor.Properties, kind string) bool {
	if props.HeadSHA() == st.HeadSHA {
		return true
	}
	slog.Warn("event head sha does not match status, ignoring",
		logfields.State(kind), logfields.PR(st.PRID),
		logfields.HeadSHA(props.HeadSHA()))
	return false
}

// BuilderChangedState kicks the scheduler when a builder goes idle.
func (r *Receiver) BuilderChangedState(builder, state string) {
	r.svc.rec.IncCallback("builder_state")
	if state != "idle" {
		return
	}
	if err := r.svc.TryScheduleForBuilder(context.Background(), builder); err != nil {
		slog.Error("scheduling on idle builder failed",
			logfields.Builder(builder), logfields.Error(err))
	}
}

// RequestSubmitted records a build request the executor accepted. A request
// for an already-inactive status is cancelled right back.
func (r *Receiver) RequestSubmitted(req executor.Request) {
	r.svc.rec.IncCallback("request_submitted")
	ctx := context.Background()
	prid, bid, ok := r.resolve(req.Properties, req.Builder)
	if !ok {
		return
	}

	st, err := r.svc.store.GetStatusByRequest(ctx, prid, bid, req.BRID)
	if err != nil {
		slog.Error("request lookup failed", logfields.PR(prid), logfields.BRID(req.BRID), logfields.Error(err))
		return
	}
	if st == nil {
		// Submitted outside this process (executor restart, manual action).
		slog.Info("adopting externally submitted request",
			logfields.PR(prid), logfields.BRID(req.BRID))
		st = &store.Status{
			PRID:        prid,
			BID:         bid,
			HeadSHA:     req.Properties.HeadSHA(),
			BRID:        req.BRID,
			BuildNumber: -1,
			State:       store.StateScheduled,
		}
		if err := r.svc.store.AppendStatus(ctx, st); err != nil {
			slog.Error("adopting request failed", logfields.PR(prid), logfields.Error(err))
		}
		return
	}
	if !shaMatches(st, req.Properties, "request_submitted") {
		return
	}
	if st.Active {
		st.State = store.StateScheduled
		if err := r.svc.store.UpdateStatus(ctx, st); err != nil {
			slog.Error("marking status scheduled failed", logfields.PR(prid), logfields.Error(err))
		}
		return
	}
	slog.Info("canceling request for inactive status", logfields.PR(prid), logfields.BRID(req.BRID))
	if err := r.svc.exec.CancelRequest(ctx, req.BRID); err != nil {
		slog.Error("canceling request failed", logfields.BRID(req.BRID), logfields.Error(err))
	}
}

// RequestCancelled requeues the active status so the scheduler retries it.
func (r *Receiver) RequestCancelled(builder string, req executor.Request) {
	r.svc.rec.IncCallback("request_cancelled")
	ctx := context.Background()
	prid, bid, ok := r.resolve(req.Properties, builder)
	if !ok {
		return
	}

	st, err := r.svc.store.GetActiveStatus(ctx, prid, bid)
	if err != nil {
		slog.Error("status lookup failed", logfields.PR(prid), logfields.Error(err))
		return
	}
	if st == nil {
		return
	}
	if !shaMatches(st, req.Properties, "request_cancelled") {
		return
	}
	st.State = store.StateInQueue
	st.BuildNumber = -1
	st.BRID = -1
	if err := r.svc.store.UpdateStatus(ctx, st); err != nil {
		slog.Error("requeueing status failed", logfields.PR(prid), logfields.Error(err))
	}
}

// BuildStarted moves the status to BUILDING and records the build number.
// Builds of inactive statuses are stopped immediately.
func (r *Receiver) BuildStarted(builder string, build executor.Build) {
	r.svc.rec.IncCallback("build_started")
	ctx := context.Background()
	prid, bid, ok := r.resolve(build.Properties, builder)
	if !ok {
		return
	}

	st, err := r.svc.store.GetStatusByRequest(ctx, prid, bid, build.RequestID)
	if err != nil {
		slog.Error("request lookup failed", logfields.PR(prid), logfields.BRID(build.RequestID), logfields.Error(err))
		return
	}
	if st == nil {
		slog.Warn("build started for unknown request, ignoring",
			logfields.PR(prid), logfields.BRID(build.RequestID))
		return
	}
	if !shaMatches(st, build.Properties, "build_started") {
		return
	}
	slog.Info("build started", logfields.PR(prid), logfields.Builder(builder),
		logfields.BuildNumber(build.Number))
	st.State = store.StateBuilding
	st.BuildNumber = build.Number
	if err := r.svc.store.UpdateStatus(ctx, st); err != nil {
		slog.Error("marking status building failed", logfields.PR(prid), logfields.Error(err))
		return
	}
	if !st.Active {
		slog.Info("stopping build of inactive status",
			logfields.PR(prid), logfields.BuildNumber(build.Number))
		if err := r.svc.exec.StopBuild(ctx, builder, build.Number, "canceled by PR service (run inactive)"); err != nil {
			slog.Error("stopping build failed", logfields.BuildNumber(build.Number), logfields.Error(err))
		}
	}
}

// BuildFinished records the terminal result and fires the finished hook.
func (r *Receiver) BuildFinished(builder string, build executor.Build, result int) {
	r.svc.rec.IncCallback("build_finished")
	ctx := context.Background()
	prid, bid, ok := r.resolve(build.Properties, builder)
	if !ok {
		return
	}

	st, err := r.svc.store.GetStatusByBuildNumber(ctx, prid, bid, build.Number)
	if err != nil {
		slog.Error("build lookup failed", logfields.PR(prid), logfields.BuildNumber(build.Number), logfields.Error(err))
		return
	}
	if st == nil {
		slog.Warn("build finished for unknown build, ignoring",
			logfields.PR(prid), logfields.BuildNumber(build.Number))
		return
	}
	if !shaMatches(st, build.Properties, "build_finished") {
		return
	}
	slog.Info("build finished", logfields.PR(prid), logfields.Builder(builder),
		logfields.BuildNumber(build.Number), logfields.State(store.State(result).String()))
	st.State = store.State(result)
	if err := r.svc.store.UpdateStatus(ctx, st); err != nil {
		slog.Error("recording build result failed", logfields.PR(prid), logfields.Error(err))
		return
	}
	if r.svc.hooks.OnBuildFinished != nil {
		r.svc.hooks.OnBuildFinished(ctx, prid, bid, builder, build, result)
	}
}
