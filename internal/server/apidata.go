package server

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/yuin/goldmark"

	derrors "git.home.luguber.info/inful/prbuild/internal/errors"
	"git.home.luguber.info/inful/prbuild/internal/service"
	"git.home.luguber.info/inful/prbuild/internal/store"
)

// apiData is a per-request snapshot of the store plus the caller's
// permissions. All endpoint payloads are rendered from one snapshot so a
// response never mixes state from different points in time.
type apiData struct {
	svc      *service.Service
	builders []*store.Builder
	prs      map[int64]*store.PullRequest
	// statuses holds the active status per (prid, bid).
	statuses map[int64]map[int64]*store.Status
	now      time.Time

	user           string
	showOperations bool
	showPerf       bool
	showRevert     bool
}

func newAPIData(ctx context.Context, svc *service.Service, accounts *Accounts, r *http.Request) (*apiData, error) {
	d := &apiData{
		svc: svc,
		prs: map[int64]*store.PullRequest{},
		now: time.Now(),
	}
	if accounts != nil && r != nil {
		d.user = accounts.identify(r)
		d.showOperations = accounts.Allowed(d.user, ActionForceBuild)
		d.showPerf = accounts.Allowed(d.user, ActionShowPerf)
		d.showRevert = accounts.Allowed(d.user, ActionRevertBuild)
	}

	st := svc.Store()
	builders, err := st.ListActiveBuilders(ctx)
	if err != nil {
		return nil, err
	}
	d.builders = builders

	prs, err := st.ListActivePullRequests(ctx)
	if err != nil {
		return nil, err
	}
	for _, pr := range prs {
		d.prs[pr.PRID] = pr
	}

	statuses, err := st.ListActiveStatuses(ctx)
	if err != nil {
		return nil, err
	}
	d.statuses = map[int64]map[int64]*store.Status{}
	for _, s := range statuses {
		byBuilder := d.statuses[s.PRID]
		if byBuilder == nil {
			byBuilder = map[int64]*store.Status{}
			d.statuses[s.PRID] = byBuilder
		}
		byBuilder[s.BID] = s
	}
	return d, nil
}

// visibleBuilders filters perf builders out for callers without the
// prShowPerf action.
func (d *apiData) visibleBuilders() []*store.Builder {
	out := make([]*store.Builder, 0, len(d.builders))
	for _, b := range d.builders {
		if b.IsPerf && !d.showPerf {
			continue
		}
		out = append(out, b)
	}
	return out
}

// perfApplies reports whether a builder's status is rendered for pr. Perf
// builders only run for PRs that opt in with a regression filter in the
// description, so without one there is no status to show.
func (d *apiData) perfApplies(b *store.Builder, pr *store.PullRequest) bool {
	if !b.IsPerf {
		return true
	}
	return d.svc.ExtractRegressionFilter(pr.Description) != ""
}

// buildersList renders the builder table keyed by display order.
func (d *apiData) buildersList() map[string]any {
	out := map[string]any{}
	for _, b := range d.visibleBuilders() {
		out[strconv.Itoa(b.Order)] = map[string]any{
			"id":         strconv.FormatInt(b.BID, 10),
			"name":       b.Name,
			"short_name": b.InternalName,
			"order":      b.Order,
			"status":     "active",
		}
	}
	return out
}

// index renders the toplevel listing: all builders plus all live PRs.
func (d *apiData) index() map[string]any {
	prs := map[string]any{}
	for prid, pr := range d.prs {
		prs[strconv.FormatInt(prid, 10)] = d.prInfoFor(pr)
	}
	return map[string]any{
		"builders":     d.buildersList(),
		"pullrequests": prs,
	}
}

// prInfo renders one PR, or NotFound when it is absent or retired.
func (d *apiData) prInfo(prid int64) (map[string]any, error) {
	pr, ok := d.prs[prid]
	if !ok {
		return nil, derrors.NotFound("no such pullrequest '%d'", prid)
	}
	return d.prInfoFor(pr), nil
}

func (d *apiData) prInfoFor(pr *store.PullRequest) map[string]any {
	info := map[string]any{
		"id":               pr.PRID,
		"branch":           pr.Branch,
		"author":           pr.Author,
		"assignee":         pr.Assignee,
		"head_user":        pr.HeadUser,
		"head_repo":        pr.HeadRepo,
		"head_branch":      pr.HeadBranch,
		"head_sha":         pr.HeadSHA,
		"title":            pr.Title,
		"description":      pr.Description,
		"description_html": renderMarkdown(pr.Description),
		"priority":         pr.Priority,
		"created_at":       unixSeconds(pr.CreatedAt),
		"updated_at":       unixSeconds(pr.UpdatedAt),
	}
	if url := d.svc.PullRequestURL(pr.PRID); url != "" {
		info["url"] = url
	}
	if d.svc.ExtractRegressionFilter(pr.Description) != "" {
		if url := d.svc.PerfReportURL(pr.PRID); url != "" {
			info["url_perf_report"] = url
		}
	}

	buildstatus := map[string]any{}
	for _, b := range d.visibleBuilders() {
		if !d.perfApplies(b, pr) {
			continue
		}
		buildstatus[strconv.FormatInt(b.BID, 10)] = d.statusDict(pr.PRID, b)
	}
	info["buildstatus"] = buildstatus
	return info
}

// prStatusShort renders the reduced per-builder status map consumed by the
// merge service, keyed by builder display name.
func (d *apiData) prStatusShort(prid int64) (map[string]any, error) {
	pr, ok := d.prs[prid]
	if !ok {
		return nil, derrors.NotFound("no such pullrequest '%d'", prid)
	}
	buildstatus := map[string]any{}
	for _, b := range d.visibleBuilders() {
		if !d.perfApplies(b, pr) {
			continue
		}
		st := d.activeStatus(prid, b.BID)
		short := map[string]any{"status": statusString(st)}
		if st != nil {
			short["last_update"] = int64(d.now.Sub(st.UpdatedAt).Seconds())
		}
		buildstatus[b.Name] = short
	}
	return map[string]any{"buildstatus": buildstatus}, nil
}

// prStatus renders the full status object for one (PR, builder) pair.
func (d *apiData) prStatus(prid, bid int64) (map[string]any, error) {
	pr, ok := d.prs[prid]
	if !ok {
		return nil, derrors.NotFound("no such pullrequest '%d'", prid)
	}
	for _, b := range d.visibleBuilders() {
		if b.BID == bid && d.perfApplies(b, pr) {
			return d.statusDict(prid, b), nil
		}
	}
	return nil, derrors.NotFound("no such builder '%d'", bid)
}

func (d *apiData) activeStatus(prid, bid int64) *store.Status {
	if byBuilder, ok := d.statuses[prid]; ok {
		return byBuilder[bid]
	}
	return nil
}

func (d *apiData) statusDict(prid int64, b *store.Builder) map[string]any {
	st := d.activeStatus(prid, b.BID)
	out := map[string]any{"status": statusString(st)}
	if st != nil {
		out["created_at"] = unixSeconds(st.CreatedAt)
		out["updated_at"] = unixSeconds(st.UpdatedAt)
		out["last_update"] = int64(d.now.Sub(st.UpdatedAt).Seconds())
		if st.BuildNumber >= 0 {
			out["build_number"] = st.BuildNumber
			if url := d.svc.BuildURL(b.CanonicalBuilder(), st.BuildNumber); url != "" {
				out["build_url"] = url
			}
		}
	}
	if ops := d.operations(st); ops != nil {
		out["operations"] = ops
		out["operations_url"] = fmt.Sprintf("/%s/%d/%d", d.svc.Config().Service.URLPath, prid, b.BID)
	}
	return out
}

// operations lists the user actions available on a status for callers with
// the forceBuild action, or nil.
func (d *apiData) operations(st *store.Status) []string {
	if !d.showOperations {
		return nil
	}
	ops := []string{}
	if st == nil || st.State != store.StateInQueue {
		ops = append(ops, "restart")
	}
	if st != nil && !st.State.Terminal() {
		ops = append(ops, "stop")
	}
	if st != nil && st.State.Terminal() && d.showRevert {
		ops = append(ops, "revert")
	}
	return ops
}

// statusString maps a status row to its UI name. Terminal codes outside the
// three UI results all render as exception, absent rows as not_queued.
func statusString(st *store.Status) string {
	if st == nil {
		return "not_queued"
	}
	switch st.State {
	case store.StateInQueue, store.StateScheduling, store.StateScheduled, store.StateBuilding,
		store.StateSuccess, store.StateWarnings, store.StateFailure:
		return st.State.String()
	default:
		return "exception"
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func renderMarkdown(src string) string {
	if src == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		slog.Warn("markdown rendering failed", slog.String("error", err.Error()))
		return ""
	}
	return buf.String()
}
