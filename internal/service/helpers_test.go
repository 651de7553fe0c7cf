package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/prbuild/internal/config"
	"git.home.luguber.info/inful/prbuild/internal/executor"
	"git.home.luguber.info/inful/prbuild/internal/host"
	"git.home.luguber.info/inful/prbuild/internal/metrics"
	"git.home.luguber.info/inful/prbuild/internal/store"
)

// recordingRecorder captures scheduling outcomes as "builder:outcome" pairs.
type recordingRecorder struct {
	metrics.NoopRecorder
	mu        sync.Mutex
	schedules []string
}

func (r *recordingRecorder) IncSchedule(builder, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules = append(r.schedules, builder+":"+outcome)
}

func (r *recordingRecorder) scheduleOutcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.schedules...)
}

type fakeHost struct {
	mu       sync.Mutex
	prs      []host.PullRequest
	listErr  error
	statuses []host.CommitStatus
}

func (f *fakeHost) ListOpenPullRequests(ctx context.Context) ([]host.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]host.PullRequest, len(f.prs))
	copy(out, f.prs)
	return out, nil
}

func (f *fakeHost) SetCommitStatus(ctx context.Context, owner, repo, sha string, status host.CommitStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

type fakeExec struct {
	mu          sync.Mutex
	states      map[string]*executor.BuilderState
	nextBRID    int64
	submissions []executor.SubmitRequest
	cancelled   []int64
	stopped     []int64
	submitErr   error
}

func newFakeExec() *fakeExec {
	return &fakeExec{states: map[string]*executor.BuilderState{}, nextBRID: 77}
}

func (f *fakeExec) setState(name string, online bool, pending ...executor.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = &executor.BuilderState{Online: online, PendingRequests: pending}
}

func (f *fakeExec) GetBuilderState(ctx context.Context, name string) (*executor.BuilderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[name]; ok {
		return st, nil
	}
	return &executor.BuilderState{Online: false}, nil
}

func (f *fakeExec) SubmitBuildSet(ctx context.Context, req executor.SubmitRequest) (*executor.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submissions = append(f.submissions, req)
	brid := f.nextBRID
	f.nextBRID++
	return &executor.Submission{BuildsetID: brid * 10, BRID: brid}, nil
}

func (f *fakeExec) CancelRequest(ctx context.Context, brid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, brid)
	return nil
}

func (f *fakeExec) StopBuild(ctx context.Context, builder string, buildNumber int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, buildNumber)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{
			Name:         "widget-pr",
			URLPath:      "pullrequests",
			DBName:       "test",
			PollInterval: time.Minute,
		},
		Host: config.HostConfig{
			Type:  config.HostGitHub,
			Owner: "inful",
			Repo:  "widget",
		},
		Executor: config.ExecutorConfig{APIURL: "http://executor.invalid"},
		Builders: map[string]config.Builder{
			"runtests": {Name: "tests", Builders: []string{"runtests"}, Order: 0},
			"perf":     {Name: "perf", Builders: []string{"perfcheck"}, Order: 100, IsPerf: true},
		},
		Parameters: []config.Parameter{
			{NameFilter: config.RegressionFilterName, Property: "regression_test_filter"},
		},
	}
}

type testEnv struct {
	svc  *Service
	host *fakeHost
	exec *fakeExec
	st   *store.Store
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fh := &fakeHost{}
	fe := newFakeExec()
	svc, err := New(cfg, st, fh, fe, nil, Hooks{})
	require.NoError(t, err)
	require.NoError(t, st.ReconcileBuilders(context.Background(), svc.BuilderSpecs()))
	return &testEnv{svc: svc, host: fh, exec: fe, st: st}
}

func (e *testEnv) builderID(t *testing.T, internal string) int64 {
	t.Helper()
	b, err := e.st.GetBuilderByName(context.Background(), internal)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b.BID
}

func trustedPR(id int64, sha string) host.PullRequest {
	return host.PullRequest{
		ID:         id,
		Branch:     "main",
		Author:     "alice",
		Assignee:   "bob",
		HeadUser:   "alice",
		HeadRepo:   "widget",
		HeadBranch: "feature",
		HeadSHA:    sha,
		Title:      "change",
	}
}
