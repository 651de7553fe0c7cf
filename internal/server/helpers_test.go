package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"git.home.luguber.info/inful/prbuild/internal/config"
	"git.home.luguber.info/inful/prbuild/internal/executor"
	"git.home.luguber.info/inful/prbuild/internal/host"
	"git.home.luguber.info/inful/prbuild/internal/service"
	"git.home.luguber.info/inful/prbuild/internal/store"
)

type fakeHost struct {
	mu  sync.Mutex
	prs []host.PullRequest
}

func (f *fakeHost) ListOpenPullRequests(ctx context.Context) ([]host.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]host.PullRequest, len(f.prs))
	copy(out, f.prs)
	return out, nil
}

func (f *fakeHost) SetCommitStatus(ctx context.Context, owner, repo, sha string, status host.CommitStatus) error {
	return nil
}

type fakeExec struct {
	mu        sync.Mutex
	nextBRID  int64
	cancelled []int64
	stopped   []int64
}

func (f *fakeExec) GetBuilderState(ctx context.Context, name string) (*executor.BuilderState, error) {
	return &executor.BuilderState{Online: true}, nil
}

func (f *fakeExec) SubmitBuildSet(ctx context.Context, req executor.SubmitRequest) (*executor.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextBRID++
	return &executor.Submission{BuildsetID: f.nextBRID * 10, BRID: f.nextBRID}, nil
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

func apiConfig() *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{
			Name:             "widget-pr",
			URLPath:          "pullrequests",
			DBName:           "test",
			PollInterval:     time.Minute,
			PullRequestURL:   "https://github.com/inful/widget/pull/{prid}",
			PerfReportURL:    "https://perf.example/report/{prid}",
			BuildURLTemplate: "https://bb.example/builders/{builder}/builds/{build_number}",
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
		Server: config.ServerConfig{Listen: ":0", MaxConns: 16},
	}
}

// writeAccountsFile writes an accounts file with two users: admin (all
// actions) and viewer (none). Both use the password "secret".
func writeAccountsFile(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "accounts")
	content := fmt.Sprintf(`# API accounts
admin:%s:Ops:forceBuild,prShowPerf,prRestartBuild,prStopBuild,prRevertBuild
viewer:%s:ReadOnly:
`, hash, hash)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type testEnv struct {
	svc  *service.Service
	st   *store.Store
	host *fakeHost
	exec *fakeExec
	srv  *httptest.Server
	base string
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := apiConfig()
	if mutate != nil {
		mutate(cfg)
	}
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fh := &fakeHost{}
	fe := &fakeExec{nextBRID: 76}
	svc, err := service.New(cfg, st, fh, fe, nil, service.Hooks{})
	require.NoError(t, err)
	require.NoError(t, st.ReconcileBuilders(context.Background(), svc.BuilderSpecs()))

	accounts, err := LoadAccounts(writeAccountsFile(t))
	require.NoError(t, err)

	s := New(svc, accounts, nil, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		svc:  svc,
		st:   st,
		host: fh,
		exec: fe,
		srv:  srv,
		base: srv.URL + "/" + cfg.Service.URLPath,
	}
}

// syncPR pushes one PR through the watch-loop reconciliation so the store
// holds a live row with a queued status.
func (e *testEnv) syncPR(t *testing.T, pr host.PullRequest) {
	t.Helper()
	e.host.mu.Lock()
	e.host.prs = []host.PullRequest{pr}
	e.host.mu.Unlock()
	require.NoError(t, e.svc.UpdatePullRequests(context.Background()))
}

func (e *testEnv) builderID(t *testing.T, internal string) int64 {
	t.Helper()
	b, err := e.st.GetBuilderByName(context.Background(), internal)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b.BID
}

// get performs a GET, optionally with basic auth, and decodes the JSON body.
func (e *testEnv) get(t *testing.T, path, user string) (int, map[string]any, http.Header) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	if user != "" {
		req.SetBasicAuth(user, "secret")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded), "body: %s", body)
	return resp.StatusCode, decoded, resp.Header
}

func openPR(id int64, sha string) host.PullRequest {
	return host.PullRequest{
		ID:          id,
		Branch:      "main",
		Author:      "alice",
		Assignee:    "bob",
		HeadUser:    "alice",
		HeadRepo:    "widget",
		HeadBranch:  "feature",
		HeadSHA:     sha,
		Title:       "change",
		Description: "does a *thing*",
	}
}
