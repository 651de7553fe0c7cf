package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/prbuild/internal/store"
)

func TestIndexListsBuildersAndPullRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))

	code, body, headers := env.get(t, "/pullrequests", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "*", headers.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "no-cache", headers.Get("Pragma"))

	builders, ok := body["builders"].(map[string]any)
	require.True(t, ok)
	// The perf builder is hidden from anonymous callers.
	require.Len(t, builders, 1)
	entry := builders["0"].(map[string]any)
	assert.Equal(t, "tests", entry["name"])
	assert.Equal(t, "runtests", entry["short_name"])
	assert.Equal(t, strconv.FormatInt(env.builderID(t, "runtests"), 10), entry["id"])
	assert.Equal(t, "active", entry["status"])

	prs := body["pullrequests"].(map[string]any)
	require.Contains(t, prs, "10")
}

func TestIndexShowsPerfBuilderWithPermission(t *testing.T) {
	env := newTestEnv(t, nil)
	code, body, _ := env.get(t, "/pullrequests", "admin")
	require.Equal(t, http.StatusOK, code)
	builders := body["builders"].(map[string]any)
	require.Len(t, builders, 2)
	assert.Contains(t, builders, "100")
}

func TestPullRequestInfoShape(t *testing.T) {
	env := newTestEnv(t, nil)
	pr := openPR(10, "aaa")
	pr.Description = "does a *thing*\ncheck_regression=suite1"
	env.syncPR(t, pr)

	code, body, _ := env.get(t, "/pullrequests/10", "")
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, float64(10), body["id"])
	assert.Equal(t, "alice", body["author"])
	assert.Equal(t, "aaa", body["head_sha"])
	assert.Equal(t, "https://github.com/inful/widget/pull/10", body["url"])
	assert.Equal(t, "https://perf.example/report/10", body["url_perf_report"])
	assert.Contains(t, body["description_html"], "<em>thing</em>")

	buildstatus := body["buildstatus"].(map[string]any)
	bid := strconv.FormatInt(env.builderID(t, "runtests"), 10)
	st := buildstatus[bid].(map[string]any)
	assert.Equal(t, "queued", st["status"])
	assert.NotNil(t, st["updated_at"])
	assert.NotNil(t, st["last_update"])
}

func TestPullRequestNotFoundEnvelope(t *testing.T) {
	env := newTestEnv(t, nil)
	code, body, _ := env.get(t, "/pullrequests/999", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, float64(http.StatusNotFound), body["_httpCode"])
	assert.Contains(t, body["message"], "999")
}

func TestPullRequestStatusShortForm(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))
	bid := env.builderID(t, "runtests")
	ctx := context.Background()

	st, err := env.st.GetActiveStatus(ctx, 10, bid)
	require.NoError(t, err)
	st.State = store.StateBuilding
	st.BuildNumber = 7
	require.NoError(t, env.st.UpdateStatus(ctx, st))

	code, body, _ := env.get(t, "/pullrequests/10/status", "")
	require.Equal(t, http.StatusOK, code)

	buildstatus := body["buildstatus"].(map[string]any)
	// Keyed by display name; perf never appears on the public form.
	require.Len(t, buildstatus, 1)
	tests := buildstatus["tests"].(map[string]any)
	assert.Equal(t, "building", tests["status"])
	assert.Contains(t, tests, "last_update")
	assert.NotContains(t, tests, "build_number")
}

func TestPerfStatusHiddenWithoutRegressionFilter(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))
	perfBID := env.builderID(t, "perf")

	// Even with prShowPerf, a PR that did not opt in has no perf entry.
	_, body, _ := env.get(t, "/pullrequests/10", "admin")
	buildstatus := body["buildstatus"].(map[string]any)
	assert.NotContains(t, buildstatus, strconv.FormatInt(perfBID, 10))

	code, _, _ := env.get(t, fmt.Sprintf("/pullrequests/10/%d", perfBID), "admin")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPerfStatusShownForOptedInPR(t *testing.T) {
	env := newTestEnv(t, nil)
	pr := openPR(11, "bbb")
	pr.Description = "check_regression=suite1"
	env.syncPR(t, pr)
	perfBID := env.builderID(t, "perf")

	_, body, _ := env.get(t, "/pullrequests/11", "admin")
	buildstatus := body["buildstatus"].(map[string]any)
	require.Contains(t, buildstatus, strconv.FormatInt(perfBID, 10))

	code, st, _ := env.get(t, fmt.Sprintf("/pullrequests/11/%d", perfBID), "admin")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "queued", st["status"])

	// The public short form stays free of perf even for opted-in PRs.
	_, short, _ := env.get(t, "/pullrequests/11/status", "")
	shortStatus := short["buildstatus"].(map[string]any)
	assert.NotContains(t, shortStatus, "perf")
}

func TestBuildStatusOperationsVisibility(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))
	bid := env.builderID(t, "runtests")
	path := fmt.Sprintf("/pullrequests/10/%d", bid)

	_, anon, _ := env.get(t, path, "")
	assert.Equal(t, "queued", anon["status"])
	assert.NotContains(t, anon, "operations")

	_, admin, _ := env.get(t, path, "admin")
	ops, ok := admin["operations"].([]any)
	require.True(t, ok)
	// A queued build can be stopped but not restarted.
	assert.Contains(t, ops, "stop")
	assert.NotContains(t, ops, "restart")
	assert.Equal(t, fmt.Sprintf("/pullrequests/10/%d", bid), admin["operations_url"])
}

func TestBuildStatusShowsBuildURL(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))
	bid := env.builderID(t, "runtests")
	ctx := context.Background()

	st, err := env.st.GetActiveStatus(ctx, 10, bid)
	require.NoError(t, err)
	st.State = store.StateBuilding
	st.BuildNumber = 7
	require.NoError(t, env.st.UpdateStatus(ctx, st))

	_, body, _ := env.get(t, fmt.Sprintf("/pullrequests/10/%d", bid), "")
	assert.Equal(t, "building", body["status"])
	assert.Equal(t, float64(7), body["build_number"])
	assert.Equal(t, "https://bb.example/builders/runtests/builds/7", body["build_url"])
}

func TestTerminalOddResultsRenderException(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))
	bid := env.builderID(t, "runtests")
	ctx := context.Background()

	st, err := env.st.GetActiveStatus(ctx, 10, bid)
	require.NoError(t, err)
	st.State = store.StateRetry
	require.NoError(t, env.st.UpdateStatus(ctx, st))

	_, body, _ := env.get(t, fmt.Sprintf("/pullrequests/10/%d", bid), "")
	assert.Equal(t, "exception", body["status"])
}

func TestRestartRequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))
	bid := env.builderID(t, "runtests")
	path := fmt.Sprintf("/pullrequests/10/%d/restart", bid)

	code, _, headers := env.get(t, path, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Contains(t, headers.Get("WWW-Authenticate"), "Basic")

	// viewer authenticates but lacks prRestartBuild.
	code, _, _ = env.get(t, path, "viewer")
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRestartQueuesFreshBuild(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))
	bid := env.builderID(t, "runtests")
	ctx := context.Background()

	st, err := env.st.GetActiveStatus(ctx, 10, bid)
	require.NoError(t, err)
	st.State = store.StateFailure
	require.NoError(t, env.st.UpdateStatus(ctx, st))

	code, body, _ := env.get(t, fmt.Sprintf("/pullrequests/10/%d/restart", bid), "admin")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "queued", body["status"])

	after, err := env.st.GetActiveStatus(ctx, 10, bid)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.NotEqual(t, st.SID, after.SID)
}

func TestStopRequiresUpdatedAt(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))
	bid := env.builderID(t, "runtests")

	code, body, _ := env.get(t, fmt.Sprintf("/pullrequests/10/%d/stop", bid), "admin")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["message"], "updated_at")
}

func TestStopWithStaleTokenIsGone(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))
	bid := env.builderID(t, "runtests")
	ctx := context.Background()

	// The status moved on after the client read it.
	code, body, _ := env.get(t, fmt.Sprintf("/pullrequests/10/%d/stop?updated_at=123.456", bid), "admin")
	assert.Equal(t, http.StatusGone, code)
	assert.Equal(t, float64(http.StatusGone), body["_httpCode"])

	st, err := env.st.GetActiveStatus(ctx, 10, bid)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, store.StateInQueue, st.State)
}

func TestStopWithFreshTokenDeactivates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))
	bid := env.builderID(t, "runtests")
	ctx := context.Background()

	st, err := env.st.GetActiveStatus(ctx, 10, bid)
	require.NoError(t, err)
	token := store.Token(st.UpdatedAt)

	code, body, _ := env.get(t, fmt.Sprintf("/pullrequests/10/%d/stop?updated_at=%s", bid, token), "admin")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "not_queued", body["status"])

	after, err := env.st.GetActiveStatus(ctx, 10, bid)
	require.NoError(t, err)
	assert.Nil(t, after)
}

func TestRevertUnconfiguredConflicts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))
	bid := env.builderID(t, "runtests")
	ctx := context.Background()

	st, err := env.st.GetActiveStatus(ctx, 10, bid)
	require.NoError(t, err)
	token := store.Token(st.UpdatedAt)

	code, body, _ := env.get(t, fmt.Sprintf("/pullrequests/10/%d/revert?updated_at=%s", bid, token), "admin")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["message"], "revert")
}

func TestAuthInfo(t *testing.T) {
	env := newTestEnv(t, nil)

	code, _, _ := env.get(t, "/authinfo", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body, _ := env.get(t, "/authinfo", "admin")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "admin", body["user"])
}

func TestCompactAndAsFileRendering(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncPR(t, openPR(10, "aaa"))

	resp, err := http.Get(env.srv.URL + "/pullrequests?compact=1&as_file=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	assert.NotContains(t, string(body), "\n  ")

	resp2, err := http.Get(env.srv.URL + "/pullrequests")
	require.NoError(t, err)
	defer resp2.Body.Close()
	pretty, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(pretty), "\n  ")
	assert.Empty(t, resp2.Header.Get("Content-Disposition"))
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	code, body, _ := env.get(t, "/health", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "widget-pr", body["service"])
}
