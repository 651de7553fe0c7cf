package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/prbuild/internal/config"
	derrors "git.home.luguber.info/inful/prbuild/internal/errors"
	"git.home.luguber.info/inful/prbuild/internal/retry"
)

// GitHubClient implements Client for GitHub.
type GitHubClient struct {
	cfg        *config.HostConfig
	httpClient *http.Client
	apiURL     string
	token      string
	policy     retry.Policy

	// Conditional-request state for the PR list endpoint.
	etag       string
	lastPRs    []PullRequest
	rlRemain   int
	rlLimit    int
}

// NewGitHubClient creates a new GitHub client.
func NewGitHubClient(cfg *config.HostConfig, rc config.RetryConfig) (*GitHubClient, error) {
	if cfg.Type != config.HostGitHub {
		return nil, fmt.Errorf("invalid host type for GitHub client: %s", cfg.Type)
	}
	c := &GitHubClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			// ProxyFromEnvironment honors http_proxy/https_proxy with
			// CONNECT tunneling for HTTPS.
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		apiURL:   cfg.APIURL,
		token:    cfg.Token,
		policy:   retry.NewPolicy(retry.BackoffMode(rc.Mode), rc.Initial, rc.Max, rc.MaxRetries),
		rlRemain: -1,
		rlLimit:  -1,
	}
	if c.apiURL == "" {
		c.apiURL = "https://api.github.com"
	}
	return c, nil
}

// githubUser is the subset of the GitHub user object we read.
type githubUser struct {
	Login string `json:"login"`
}

// githubPull is the subset of the GitHub pull object we read.
type githubPull struct {
	Number   int64       `json:"number"`
	Title    string      `json:"title"`
	Body     string      `json:"body"`
	User     githubUser  `json:"user"`
	Assignee *githubUser `json:"assignee"`
	Base     struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Head struct {
		Ref  string     `json:"ref"`
		SHA  string     `json:"sha"`
		User githubUser `json:"user"`
		Repo *struct {
			Name string `json:"name"`
		} `json:"repo"`
	} `json:"head"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// ListOpenPullRequests returns all open pull requests of the configured
// repository. With reuse_etag enabled a 304 answer replays the previous
// result without spending rate limit.
func (c *GitHubClient) ListOpenPullRequests(ctx context.Context) ([]PullRequest, error) {
	var out []PullRequest
	page := 1
	perPage := 100
	first := true
	for {
		endpoint := fmt.Sprintf("/repos/%s/%s/pulls?state=open&per_page=%d&page=%d",
			c.cfg.Owner, c.cfg.Repo, perPage, page)
		req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		// Only the first page participates in the ETag cache; pagination
		// makes per-page tags more trouble than they are worth.
		if first && c.cfg.ReuseETag && c.etag != "" {
			req.Header.Set("If-None-Match", c.etag)
		}

		var pulls []githubPull
		status, etag, err := c.doRequest(req, &pulls)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotModified {
			slog.Debug("pull request list not modified, reusing cached result")
			return c.lastPRs, nil
		}
		if first && etag != "" {
			c.etag = etag
		}
		first = false

		for _, p := range pulls {
			out = append(out, c.convertPull(&p))
		}
		if len(pulls) < perPage {
			break
		}
		page++
	}
	c.lastPRs = out
	return out, nil
}

func (c *GitHubClient) convertPull(p *githubPull) PullRequest {
	pr := PullRequest{
		ID:          p.Number,
		Branch:      p.Base.Ref,
		Author:      p.User.Login,
		HeadUser:    p.Head.User.Login,
		HeadBranch:  p.Head.Ref,
		HeadSHA:     p.Head.SHA,
		Title:       p.Title,
		Description: p.Body,
		Info:        map[string]any{},
	}
	if p.Assignee != nil {
		pr.Assignee = p.Assignee.Login
	}
	if p.Head.Repo != nil {
		pr.HeadRepo = p.Head.Repo.Name
	}
	if len(p.Labels) > 0 {
		labels := make([]string, 0, len(p.Labels))
		for _, l := range p.Labels {
			labels = append(labels, l.Name)
		}
		pr.Info["labels"] = labels
	}
	return pr
}

// SetCommitStatus posts a status for sha, skipping the write when an equal
// status is already the latest for the context.
func (c *GitHubClient) SetCommitStatus(ctx context.Context, owner, repo, sha string, status CommitStatus) error {
	endpoint := fmt.Sprintf("/repos/%s/%s/commits/%s/statuses", owner, repo, sha)
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	var existing []CommitStatus
	if _, _, err := c.doRequest(req, &existing); err != nil {
		return err
	}
	for _, e := range existing {
		if e.Context != status.Context {
			continue
		}
		// Statuses are newest-first; only the latest entry per context counts.
		if e.State == status.State && e.Description == status.Description && e.TargetURL == status.TargetURL {
			slog.Debug("commit status unchanged, skipping write",
				slog.String("context", status.Context), slog.String("sha", sha))
			return nil
		}
		break
	}

	endpoint = fmt.Sprintf("/repos/%s/%s/statuses/%s", owner, repo, sha)
	req, err = c.newRequest(ctx, http.MethodPost, endpoint, status)
	if err != nil {
		return err
	}
	_, _, err = c.doRequest(req, nil)
	return err
}

// RateLimit returns the last observed remaining/limit values (-1 unknown).
func (c *GitHubClient) RateLimit() (remaining, limit int) {
	return c.rlRemain, c.rlLimit
}

func (c *GitHubClient) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(endpoint, "?", 2)
	u.Path = path.Join(u.Path, parts[0])
	if len(parts) == 2 {
		u.RawQuery = parts[1]
	}

	var req *http.Request
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequestWithContext(ctx, method, u.String(), strings.NewReader(string(jsonBody)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		var err error
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return nil, err
		}
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	return req, nil
}

// doRequest performs req with retries for transient failures, decoding the
// JSON body into result when given. Returns the HTTP status and ETag.
func (c *GitHubClient) doRequest(req *http.Request, result any) (int, string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		r := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return 0, "", err
			}
			r.Body = body
		}
		status, etag, err := c.doOnce(r, result)
		if err == nil {
			return status, etag, nil
		}
		lastErr = err
		if !derrors.IsRetryable(err) || attempt >= c.policy.MaxRetries {
			return 0, "", lastErr
		}
		select {
		case <-time.After(c.policy.Delay(attempt + 1)):
		case <-req.Context().Done():
			return 0, "", req.Context().Err()
		}
	}
}

func (c *GitHubClient) doOnce(req *http.Request, result any) (int, string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", derrors.Wrap(err, derrors.CategoryHost, "GitHub request failed").WithRetryable(true)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.rlRemain = n
		}
	}
	if v := resp.Header.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.rlLimit = n
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return resp.StatusCode, "", nil
	case resp.StatusCode == http.StatusNotFound:
		return 0, "", derrors.NotFound("GitHub: %s not found", req.URL.Path)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return 0, "", derrors.New(derrors.CategoryHost, derrors.SeverityError,
			fmt.Sprintf("GitHub API error: %s", resp.Status)).WithRetryable(true)
	case resp.StatusCode >= 400:
		return 0, "", derrors.New(derrors.CategoryHost, derrors.SeverityError,
			fmt.Sprintf("GitHub API error: %s", resp.Status))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return 0, "", derrors.Wrap(err, derrors.CategoryHost, "decode GitHub response")
		}
	}
	return resp.StatusCode, resp.Header.Get("ETag"), nil
}
