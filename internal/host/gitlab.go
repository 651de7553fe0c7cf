package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"git.home.luguber.info/inful/prbuild/internal/config"
	derrors "git.home.luguber.info/inful/prbuild/internal/errors"
	"git.home.luguber.info/inful/prbuild/internal/retry"
)

// GitLabClient implements Client for GitLab using PRIVATE-TOKEN auth.
type GitLabClient struct {
	cfg        *config.HostConfig
	httpClient *http.Client
	apiURL     string
	token      string
	policy     retry.Policy
}

// NewGitLabClient creates a new GitLab client. APIURL must point at the v4
// API root of the instance.
func NewGitLabClient(cfg *config.HostConfig, rc config.RetryConfig) (*GitLabClient, error) {
	if cfg.Type != config.HostGitLab {
		return nil, fmt.Errorf("invalid host type for GitLab client: %s", cfg.Type)
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("GitLab client requires an api_url")
	}
	return &GitLabClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		apiURL: cfg.APIURL,
		token:  cfg.Token,
		policy: retry.NewPolicy(retry.BackoffMode(rc.Mode), rc.Initial, rc.Max, rc.MaxRetries),
	}, nil
}

func (c *GitLabClient) project() string {
	return url.PathEscape(c.cfg.Owner + "/" + c.cfg.Repo)
}

// gitlabMR is the subset of the GitLab merge request object we read.
type gitlabMR struct {
	IID    int64  `json:"iid"`
	Title  string `json:"title"`
	Body   string `json:"description"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
	Assignee *struct {
		Username string `json:"username"`
	} `json:"assignee"`
	TargetBranch string   `json:"target_branch"`
	SourceBranch string   `json:"source_branch"`
	SHA          string   `json:"sha"`
	Labels       []string `json:"labels"`
}

// ListOpenPullRequests lists opened merge requests of the configured project.
func (c *GitLabClient) ListOpenPullRequests(ctx context.Context) ([]PullRequest, error) {
	var out []PullRequest
	page := 1
	perPage := 100
	for {
		endpoint := fmt.Sprintf("/projects/%s/merge_requests?state=opened&per_page=%d&page=%d",
			c.project(), perPage, page)
		req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		var mrs []gitlabMR
		if err := c.doRequest(req, &mrs); err != nil {
			return nil, err
		}
		for _, mr := range mrs {
			pr := PullRequest{
				ID:          mr.IID,
				Branch:      mr.TargetBranch,
				Author:      mr.Author.Username,
				HeadUser:    mr.Author.Username,
				HeadRepo:    c.cfg.Repo,
				HeadBranch:  mr.SourceBranch,
				HeadSHA:     mr.SHA,
				Title:       mr.Title,
				Description: mr.Body,
				Info:        map[string]any{},
			}
			if mr.Assignee != nil {
				pr.Assignee = mr.Assignee.Username
			}
			if len(mr.Labels) > 0 {
				pr.Info["labels"] = mr.Labels
			}
			out = append(out, pr)
		}
		if len(mrs) < perPage {
			break
		}
		page++
	}
	return out, nil
}

// gitlabStatus is one commit status entry as GitLab reports it.
type gitlabStatus struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url"`
}

// SetCommitStatus posts a status, skipping the write when the latest status
// for the context already matches.
func (c *GitLabClient) SetCommitStatus(ctx context.Context, owner, repo, sha string, status CommitStatus) error {
	project := url.PathEscape(owner + "/" + repo)
	endpoint := fmt.Sprintf("/projects/%s/repository/commits/%s/statuses", project, sha)
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	var existing []gitlabStatus
	if err := c.doRequest(req, &existing); err != nil {
		return err
	}
	for _, e := range existing {
		if e.Name != status.Context {
			continue
		}
		if e.Status == status.State && e.Description == status.Description && e.TargetURL == status.TargetURL {
			slog.Debug("commit status unchanged, skipping write",
				slog.String("context", status.Context), slog.String("sha", sha))
			return nil
		}
		break
	}

	endpoint = fmt.Sprintf("/projects/%s/statuses/%s", project, sha)
	body := map[string]string{
		"state":       status.State,
		"name":        status.Context,
		"description": status.Description,
		"target_url":  status.TargetURL,
	}
	req, err = c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}

func (c *GitLabClient) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	// Project paths carry an escaped slash (owner%2Frepo); going through
	// url.Parse on the full string keeps RawPath intact.
	full := strings.TrimRight(c.apiURL, "/") + endpoint

	var req *http.Request
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequestWithContext(ctx, method, full, strings.NewReader(string(jsonBody)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		var err error
		req, err = http.NewRequestWithContext(ctx, method, full, nil)
		if err != nil {
			return nil, err
		}
	}

	req.Header.Set("PRIVATE-TOKEN", c.token)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	return req, nil
}

func (c *GitLabClient) doRequest(req *http.Request, result any) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		r := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return err
			}
			r.Body = body
		}
		lastErr = c.doOnce(r, result)
		if lastErr == nil {
			return nil
		}
		if !derrors.IsRetryable(lastErr) || attempt >= c.policy.MaxRetries {
			return lastErr
		}
		select {
		case <-time.After(c.policy.Delay(attempt + 1)):
		case <-req.Context().Done():
			return req.Context().Err()
		}
	}
}

func (c *GitLabClient) doOnce(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return derrors.Wrap(err, derrors.CategoryHost, "GitLab request failed").WithRetryable(true)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return derrors.NotFound("GitLab: %s not found", req.URL.Path)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return derrors.New(derrors.CategoryHost, derrors.SeverityError,
			fmt.Sprintf("GitLab API error: %s", resp.Status)).WithRetryable(true)
	case resp.StatusCode >= 400:
		return derrors.New(derrors.CategoryHost, derrors.SeverityError,
			fmt.Sprintf("GitLab API error: %s", resp.Status))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return derrors.Wrap(err, derrors.CategoryHost, "decode GitLab response")
		}
	}
	return nil
}
