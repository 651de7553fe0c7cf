package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/prbuild/internal/executor"
	"git.home.luguber.info/inful/prbuild/internal/store"
)

func props(prid, sha string) executor.Properties {
	return executor.Properties{
		executor.PropService:     "widget-pr",
		executor.PropPullRequest: prid,
		executor.PropHeadSHA:     sha,
	}
}

// scheduledEnv drives one PR through submission so the receiver has a
// SCHEDULING status with brid 77 to act on.
func scheduledEnv(t *testing.T) (*testEnv, *Receiver) {
	t.Helper()
	env := newTestEnv(t, trustLists)
	queuePR(t, env, 10, "aaa")
	env.exec.setState("runtests", true)
	require.NoError(t, env.svc.TryScheduleForBuilder(context.Background(), "runtests"))
	return env, NewReceiver(env.svc)
}

func TestRequestSubmittedMarksScheduled(t *testing.T) {
	env, r := scheduledEnv(t)
	ctx := context.Background()

	r.RequestSubmitted(executor.Request{BRID: 77, Builder: "runtests", Properties: props("10", "aaa")})

	st, err := env.st.GetActiveStatus(ctx, 10, env.builderID(t, "runtests"))
	require.NoError(t, err)
	assert.Equal(t, store.StateScheduled, st.State)
}

func TestRequestSubmittedIgnoresOtherService(t *testing.T) {
	env, r := scheduledEnv(t)
	ctx := context.Background()

	p := props("10", "aaa")
	p[executor.PropService] = "someone-else"
	r.RequestSubmitted(executor.Request{BRID: 77, Builder: "runtests", Properties: p})

	st, err := env.st.GetActiveStatus(ctx, 10, env.builderID(t, "runtests"))
	require.NoError(t, err)
	assert.Equal(t, store.StateScheduling, st.State)
}

func TestRequestSubmittedIgnoresStaleSHA(t *testing.T) {
	env, r := scheduledEnv(t)
	ctx := context.Background()

	r.RequestSubmitted(executor.Request{BRID: 77, Builder: "runtests", Properties: props("10", "stale")})

	st, err := env.st.GetActiveStatus(ctx, 10, env.builderID(t, "runtests"))
	require.NoError(t, err)
	assert.Equal(t, store.StateScheduling, st.State)
}

func TestRequestSubmittedAdoptsUnknownRequest(t *testing.T) {
	env, r := scheduledEnv(t)
	ctx := context.Background()

	r.RequestSubmitted(executor.Request{BRID: 900, Builder: "runtests", Properties: props("10", "aaa")})

	bid := env.builderID(t, "runtests")
	st, err := env.st.GetStatusByRequest(ctx, 10, bid, 900)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.Active)
	assert.Equal(t, store.StateScheduled, st.State)
	assert.Equal(t, "aaa", st.HeadSHA)

	// The adoption displaced the prior active row for the pair.
	active, err := env.st.ListActiveStatusesForPR(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, st.SID, active[0].SID)
}

func TestRequestSubmittedCancelsInactive(t *testing.T) {
	env, r := scheduledEnv(t)
	ctx := context.Background()
	bid := env.builderID(t, "runtests")

	st, err := env.st.GetActiveStatus(ctx, 10, bid)
	require.NoError(t, err)
	st.Active = false
	require.NoError(t, env.st.UpdateStatus(ctx, st))

	r.RequestSubmitted(executor.Request{BRID: 77, Builder: "runtests", Properties: props("10", "aaa")})
	assert.Equal(t, []int64{77}, env.exec.cancelled)
}

func TestBuildStartedMarksBuilding(t *testing.T) {
	env, r := scheduledEnv(t)
	ctx := context.Background()

	r.BuildStarted("runtests", executor.Build{Number: 4, RequestID: 77, Properties: props("10", "aaa")})

	st, err := env.st.GetActiveStatus(ctx, 10, env.builderID(t, "runtests"))
	require.NoError(t, err)
	assert.Equal(t, store.StateBuilding, st.State)
	assert.Equal(t, int64(4), st.BuildNumber)
	assert.Empty(t, env.exec.stopped)
}

func TestBuildStartedStopsInactiveRun(t *testing.T) {
	env, r := scheduledEnv(t)
	ctx := context.Background()
	bid := env.builderID(t, "runtests")

	st, err := env.st.GetActiveStatus(ctx, 10, bid)
	require.NoError(t, err)
	st.Active = false
	require.NoError(t, env.st.UpdateStatus(ctx, st))

	r.BuildStarted("runtests", executor.Build{Number: 4, RequestID: 77, Properties: props("10", "aaa")})
	assert.Equal(t, []int64{4}, env.exec.stopped)
}

func TestBuildFinishedRecordsResultAndPostsCommitStatus(t *testing.T) {
	env, r := scheduledEnv(t)
	ctx := context.Background()

	build := executor.Build{Number: 4, RequestID: 77, Properties: props("10", "aaa")}
	r.BuildStarted("runtests", build)
	r.BuildFinished("runtests", build, executor.ResultSuccess)

	st, err := env.st.GetActiveStatus(ctx, 10, env.builderID(t, "runtests"))
	require.NoError(t, err)
	assert.Equal(t, store.StateSuccess, st.State)
	assert.True(t, st.State.Terminal())

	// The default hook posted a commit status for the head SHA.
	require.Len(t, env.host.statuses, 1)
	assert.Equal(t, "success", env.host.statuses[0].State)
}

func TestRequestCancelledRequeues(t *testing.T) {
	env, r := scheduledEnv(t)
	ctx := context.Background()

	r.RequestSubmitted(executor.Request{BRID: 77, Builder: "runtests", Properties: props("10", "aaa")})
	r.RequestCancelled("runtests", executor.Request{BRID: 77, Builder: "runtests", Properties: props("10", "aaa")})

	st, err := env.st.GetActiveStatus(ctx, 10, env.builderID(t, "runtests"))
	require.NoError(t, err)
	assert.Equal(t, store.StateInQueue, st.State)
	assert.Equal(t, int64(-1), st.BRID)
	assert.Equal(t, int64(-1), st.BuildNumber)
}

func TestIdleBuilderTriggersScheduling(t *testing.T) {
	env := newTestEnv(t, trustLists)
	queuePR(t, env, 10, "aaa")
	env.exec.setState("runtests", true)

	r := NewReceiver(env.svc)
	r.BuilderChangedState("runtests", "idle")
	require.Len(t, env.exec.submissions, 1)

	r.BuilderChangedState("runtests", "offline")
	require.Len(t, env.exec.submissions, 1)
}
