package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"git.home.luguber.info/inful/prbuild/internal/config"
	derrors "git.home.luguber.info/inful/prbuild/internal/errors"
	"git.home.luguber.info/inful/prbuild/internal/retry"
)

// BuildbotClient implements Client against the executor's REST API.
type BuildbotClient struct {
	cfg        *config.ExecutorConfig
	httpClient *http.Client
	apiURL     string
	policy     retry.Policy
}

// NewBuildbotClient creates a REST client for the executor at cfg.APIURL.
func NewBuildbotClient(cfg *config.ExecutorConfig, rc config.RetryConfig) (*BuildbotClient, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("executor client requires an api_url")
	}
	return &BuildbotClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		apiURL: cfg.APIURL,
		policy: retry.NewPolicy(retry.BackoffMode(rc.Mode), rc.Initial, rc.Max, rc.MaxRetries),
	}, nil
}

// GetBuilderState reports online state and pending requests for one builder.
func (c *BuildbotClient) GetBuilderState(ctx context.Context, name string) (*BuilderState, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/builders/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	var state BuilderState
	if err := c.doRequest(req, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SubmitBuildSet creates a source stamp set and submits a build set on it.
// The executor answers with the buildset id and the build request id.
func (c *BuildbotClient) SubmitBuildSet(ctx context.Context, sr SubmitRequest) (*Submission, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/buildsets", sr)
	if err != nil {
		return nil, err
	}
	var sub Submission
	if err := c.doRequest(req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// CancelRequest cancels a pending build request.
func (c *BuildbotClient) CancelRequest(ctx context.Context, brid int64) error {
	endpoint := fmt.Sprintf("/buildrequests/%d/cancel", brid)
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}

// StopBuild interrupts a running build on the named builder.
func (c *BuildbotClient) StopBuild(ctx context.Context, builder string, buildNumber int64, reason string) error {
	endpoint := fmt.Sprintf("/builders/%s/builds/%d/stop", url.PathEscape(builder), buildNumber)
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}

func (c *BuildbotClient) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, err
	}
	u.Path = path.Join(u.Path, endpoint)

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
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *BuildbotClient) doRequest(req *http.Request, result any) error {
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

func (c *BuildbotClient) doOnce(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return derrors.Wrap(err, derrors.CategoryExecutor, "executor request failed").WithRetryable(true)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return derrors.NotFound("executor: %s not found", req.URL.Path)
	case resp.StatusCode >= 500:
		return derrors.New(derrors.CategoryExecutor, derrors.SeverityError,
			fmt.Sprintf("executor API error: %s", resp.Status)).WithRetryable(true)
	case resp.StatusCode >= 400:
		return derrors.New(derrors.CategoryExecutor, derrors.SeverityError,
			fmt.Sprintf("executor API error: %s", resp.Status))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return derrors.Wrap(err, derrors.CategoryExecutor, "decode executor response")
		}
	}
	return nil
}
