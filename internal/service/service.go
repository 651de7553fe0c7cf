// Package service is the orchestrator core: it reconciles pull requests from
// the host into the store, schedules builds on the executor and applies
// executor callbacks to the per-(PR, builder) status rows.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/text/cases"

	"git.home.luguber.info/inful/prbuild/internal/config"
	"git.home.luguber.info/inful/prbuild/internal/executor"
	"git.home.luguber.info/inful/prbuild/internal/host"
	"git.home.luguber.info/inful/prbuild/internal/metrics"
	"git.home.luguber.info/inful/prbuild/internal/store"
	"git.home.luguber.info/inful/prbuild/internal/util/sets"
)

// Hooks are the optional extension points of the service. Nil members fall
// back to the defaults installed by New.
type Hooks struct {
	// OnUpdatePullRequest runs after a PR has been reconciled into the store.
	OnUpdatePullRequest func(ctx context.Context, prid int64)
	// OnBuildFinished runs after a build reached a terminal state. The
	// default posts a commit status back to the host.
	OnBuildFinished func(ctx context.Context, prid, bid int64, builder string, build executor.Build, result int)
	// OnRevertBuild implements the revert action. Without it the action
	// answers Conflict.
	OnRevertBuild func(ctx context.Context, prid, bid int64) error
}

// Service owns the orchestration state shared by the watch loop, the
// scheduler, the status receiver and the JSON API.
type Service struct {
	cfg   *config.Config
	store *store.Store
	host  host.Client
	exec  executor.Client
	rec   metrics.Recorder
	hooks Hooks

	// allowScheduling gates TryScheduleForBuilder while a watch-loop
	// iteration mutates statuses.
	allowScheduling atomic.Bool
	// schedulerMu serializes scheduling attempts across the whole process.
	schedulerMu sync.Mutex

	params         []*Parameter
	trustedAuthors sets.Set[string]
	reviewers      sets.Set[string]
	fold           cases.Caser

	// headCheck verifies a head revision before submission; tests stub it.
	headCheck func(ctx context.Context, repoURL, sha string) (bool, error)
}

// New wires a service from its dependencies. A nil recorder falls back to
// the noop recorder; nil hook members get their defaults.
func New(cfg *config.Config, st *store.Store, hc host.Client, ec executor.Client, rec metrics.Recorder, hooks Hooks) (*Service, error) {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	s := &Service{
		cfg:       cfg,
		store:     st,
		host:      hc,
		exec:      ec,
		rec:       rec,
		hooks:     hooks,
		fold:      cases.Fold(),
		headCheck: headReachable,
	}
	s.allowScheduling.Store(true)

	for _, p := range cfg.Parameters {
		cp, err := CompileParameter(p)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.NameFilter, err)
		}
		s.params = append(s.params, cp)
	}

	// Host usernames are case-insensitive; fold both sides once.
	if cfg.Trust.TrustedAuthors != nil && cfg.Trust.Reviewers != nil {
		s.trustedAuthors = sets.New[string]()
		for _, a := range cfg.Trust.TrustedAuthors {
			s.trustedAuthors.Add(s.fold.String(a))
		}
		s.reviewers = sets.New[string]()
		for _, r := range cfg.Trust.Reviewers {
			s.reviewers.Add(s.fold.String(r))
		}
	}

	if s.hooks.OnBuildFinished == nil {
		s.hooks.OnBuildFinished = s.defaultBuildFinished
	}
	return s, nil
}

// Name is the service identity carried in the pullrequest_service property.
func (s *Service) Name() string { return s.cfg.Service.Name }

// Config exposes the loaded configuration to the HTTP layer.
func (s *Service) Config() *config.Config { return s.cfg }

// Store exposes the typed store to the HTTP layer.
func (s *Service) Store() *store.Store { return s.store }

// BuilderSpecs renders the configured builders for startup reconciliation.
func (s *Service) BuilderSpecs() []store.BuilderSpec {
	specs := make([]store.BuilderSpec, 0, len(s.cfg.Builders))
	for internal, b := range s.cfg.Builders {
		specs = append(specs, store.BuilderSpec{
			InternalName: internal,
			Name:         b.Name,
			Builders:     b.Builders,
			Order:        b.Order,
			IsPerf:       b.IsPerf,
		})
	}
	return specs
}

// trusted reports whether the PR may auto-enqueue on first sight. With no
// trust lists configured everything is trusted.
func (s *Service) trusted(pr *host.PullRequest) bool {
	if s.trustedAuthors == nil {
		return true
	}
	return s.trustedAuthors.Has(s.fold.String(pr.Author)) && s.reviewers.Has(s.fold.String(pr.Assignee))
}

// automaticBuilders returns the builder names eligible for auto-enqueue, or
// nil when no builder opts out (meaning no limitation).
func (s *Service) automaticBuilders(pr *host.PullRequest) sets.Set[string] {
	limited := false
	auto := sets.New[string]()
	for internal, b := range s.cfg.Builders {
		if b.Automatic != nil && !*b.Automatic {
			limited = true
			continue
		}
		auto.Add(internal)
		auto.Add(b.Name)
	}
	if !limited {
		return nil
	}
	return auto
}

// logicalBuilder resolves an executor builder name or internal name to the
// configured logical builder.
func (s *Service) logicalBuilder(name string) (string, *config.Builder, bool) {
	if b, ok := s.cfg.Builders[name]; ok {
		return name, &b, true
	}
	for internal, b := range s.cfg.Builders {
		for _, execName := range b.Builders {
			if execName == name {
				b := b
				return internal, &b, true
			}
		}
	}
	return "", nil, false
}

// ExtractRegressionFilter returns the regression filter value from a PR
// description, or empty when not opted in.
func (s *Service) ExtractRegressionFilter(description string) string {
	for _, p := range s.params {
		if p.Property == "regression_test_filter" {
			if v, ok := p.Extract(description); ok {
				return v
			}
		}
	}
	return ""
}

// PullRequestURL renders the UI link for a PR, or empty when unconfigured.
func (s *Service) PullRequestURL(prid int64) string {
	return expandPRID(s.cfg.Service.PullRequestURL, prid)
}

// PerfReportURL renders the perf-report link for a PR, or empty.
func (s *Service) PerfReportURL(prid int64) string {
	return expandPRID(s.cfg.Service.PerfReportURL, prid)
}

// BuildURL renders the executor build link, or empty when unconfigured.
func (s *Service) BuildURL(builder string, buildNumber int64) string {
	if s.cfg.Service.BuildURLTemplate == "" || buildNumber < 0 {
		return ""
	}
	url := strings.ReplaceAll(s.cfg.Service.BuildURLTemplate, "{builder}", builder)
	return strings.ReplaceAll(url, "{build_number}", fmt.Sprintf("%d", buildNumber))
}

func expandPRID(template string, prid int64) string {
	if template == "" {
		return ""
	}
	return strings.ReplaceAll(template, "{prid}", fmt.Sprintf("%d", prid))
}
