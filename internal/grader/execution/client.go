package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codegrader/internal/common/metrics"
	"codegrader/internal/grader/model"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultPollInitial     = 2000 * time.Millisecond
	defaultPollMax         = 3000 * time.Millisecond
	defaultMinPollAttempts = 15
	maxErrorBody           = 512
)

// ExecuteRequest is one synchronous sandbox run.
type ExecuteRequest struct {
	Code           string
	LanguageID     int
	Input          string
	ExpectedOutput string
}

// BatchCase is one stdin/expected pair inside a batch.
type BatchCase struct {
	Input          string
	ExpectedOutput string
}

// Executor runs code in the sandbox.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (model.TestCaseResult, error)
	BatchExecute(ctx context.Context, languageID int, code string, cases []BatchCase) ([]model.TestCaseResult, error)
}

// Config holds sandbox client settings.
type Config struct {
	BaseURL string
	// APIKey is sent in AuthHeader when set.
	APIKey     string
	AuthHeader string
	// APIHost is sent as X-RapidAPI-Host for hosted deployments.
	APIHost string

	Timeout         time.Duration
	PollInitial     time.Duration
	PollMax         time.Duration
	MinPollAttempts int
	Limits          LimitTable

	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	// Sleep waits between polls; tests swap it for a no-op.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client talks to a Judge0-compatible sandbox over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient validates cfg and fills defaults.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, appErr.ValidationError("judge0.baseUrl", "required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, appErr.ValidationError("judge0.baseUrl", "invalid")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "X-RapidAPI-Key"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = defaultPollInitial
	}
	if cfg.PollMax <= 0 {
		cfg.PollMax = defaultPollMax
	}
	if cfg.MinPollAttempts <= 0 {
		cfg.MinPollAttempts = defaultMinPollAttempts
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// Execute runs one case synchronously with wait=true.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (model.TestCaseResult, error) {
	body := c.buildSubmission(req.LanguageID, req.Code, req.Input, req.ExpectedOutput)

	var resp submissionResponse
	err := c.do(ctx, http.MethodPost, "/submissions?base64_encoded=true&wait=true", body, &resp)
	c.cfg.Metrics.SandboxCall("execute", err)
	if err != nil {
		return model.TestCaseResult{}, err
	}
	return resp.toResult(), nil
}

// BatchExecute submits all cases at once and polls until every token settles.
// Results come back in the order of cases regardless of response order.
func (c *Client) BatchExecute(ctx context.Context, languageID int, code string, cases []BatchCase) ([]model.TestCaseResult, error) {
	if len(cases) == 0 {
		return nil, nil
	}
	req := batchRequest{Submissions: make([]submissionRequest, 0, len(cases))}
	for _, tc := range cases {
		req.Submissions = append(req.Submissions, c.buildSubmission(languageID, code, tc.Input, tc.ExpectedOutput))
	}

	var tokens []tokenResponse
	err := c.do(ctx, http.MethodPost, "/submissions/batch?base64_encoded=true", req, &tokens)
	c.cfg.Metrics.SandboxCall("batch_submit", err)
	if err != nil {
		return nil, err
	}
	if len(tokens) != len(cases) {
		return nil, appErr.TransportError(nil, "sandbox returned %d tokens for %d submissions", len(tokens), len(cases))
	}

	index := make(map[string]int, len(tokens))
	ordered := make([]string, len(tokens))
	for i, t := range tokens {
		if t.Token == "" {
			return nil, appErr.New(appErr.SandboxRejected).WithMessagef("sandbox rejected submission %d of batch", i)
		}
		index[t.Token] = i
		ordered[i] = t.Token
	}

	return c.pollBatch(ctx, ordered, index)
}

func (c *Client) pollBatch(ctx context.Context, tokens []string, index map[string]int) ([]model.TestCaseResult, error) {
	budget := c.cfg.MinPollAttempts
	if len(tokens) > budget {
		budget = len(tokens)
	}
	path := fmt.Sprintf("/submissions/batch?tokens=%s&base64_encoded=true&fields=%s",
		url.QueryEscape(strings.Join(tokens, ",")), resultFields)

	for attempt := 1; attempt <= budget; attempt++ {
		if err := c.cfg.Sleep(ctx, c.PollInterval(attempt)); err != nil {
			return nil, appErr.TransportError(err, "batch polling interrupted")
		}

		var resp batchResponse
		err := c.do(ctx, http.MethodGet, path, nil, &resp)
		c.cfg.Metrics.SandboxCall("batch_poll", err)
		if err != nil {
			logger.Warn(ctx, "batch poll failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("budget", budget),
				zap.Error(err),
			)
			continue
		}

		results, done := collect(resp.Submissions, index)
		if done {
			c.cfg.Metrics.PollAttempts(attempt)
			return results, nil
		}
	}
	return nil, appErr.Newf(appErr.BatchPollTimeout, "batch of %d submissions still running after %d polls", len(tokens), budget)
}

// collect maps a poll response back to submission order. done is false while any token is in flight or missing.
func collect(subs []submissionResponse, index map[string]int) ([]model.TestCaseResult, bool) {
	results := make([]model.TestCaseResult, len(index))
	seen := 0
	for _, s := range subs {
		i, ok := index[s.Token]
		if !ok {
			continue
		}
		if s.inFlight() {
			return nil, false
		}
		results[i] = s.toResult()
		seen++
	}
	return results, seen == len(index)
}

// PollInterval grows linearly by a fifth of the initial interval per attempt, capped at PollMax.
func (c *Client) PollInterval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.cfg.PollInitial + time.Duration(attempt-1)*c.cfg.PollInitial/5
	if d > c.cfg.PollMax {
		return c.cfg.PollMax
	}
	return d
}

func (c *Client) buildSubmission(languageID int, code, input, expected string) submissionRequest {
	limits := c.cfg.Limits.For(languageID)
	req := submissionRequest{
		SourceCode:    encode(code),
		LanguageID:    languageID,
		Stdin:         encode(input),
		CPUTimeLimit:  limits.CPU.Seconds(),
		WallTimeLimit: limits.Wall().Seconds(),
	}
	if expected != "" {
		req.ExpectedOutput = encode(expected)
	}
	return req
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return appErr.Wrapf(err, appErr.InternalServerError, "encode sandbox request failed")
		}
		reader = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "build sandbox request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.AuthHeader, c.cfg.APIKey)
	}
	if c.cfg.APIHost != "" {
		req.Header.Set("X-RapidAPI-Host", c.cfg.APIHost)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return appErr.TransportError(err, "sandbox %s %s failed", method, stripQuery(path))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return appErr.TransportError(err, "read sandbox response failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return appErr.TransportError(nil, "sandbox %s %s returned %d: %s", method, stripQuery(path), resp.StatusCode, snippet).
			WithDetail("status", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return appErr.TransportError(err, "decode sandbox response failed")
	}
	return nil
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
