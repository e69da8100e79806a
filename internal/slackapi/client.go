// Package slackapi is a small Slack Web API client: a retrying method
// executor, typed helpers for the methods mail2slack uses, and the
// three-phase external file upload.
package slackapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/slack-go/slack"
)

// DefaultBaseURL is the Slack Web API root.
const DefaultBaseURL = "https://slack.com/api/"

const (
	defaultMaxAttempts   = 3
	defaultTimeout       = 30 * time.Second
	defaultBackoffStep   = 1 * time.Second
	defaultRetryAfterMin = 1 * time.Second
	defaultRetryAfterMax = 10 * time.Second
)

// Error codes produced by the client itself rather than by Slack.
const (
	CodeRetriesExhausted = "retries_exhausted"
	CodeNonJSONResponse  = "non_json_response"
	CodeRequestFailed    = "request_failed"
	CodeCancelled        = "request_cancelled"
	CodeNotConfigured    = "not_configured"
)

// transientCodes are platform error codes worth another attempt.
var transientCodes = map[string]bool{
	"ratelimited":         true,
	"rate_limited":        true,
	"request_timeout":     true,
	"internal_error":      true,
	"service_unavailable": true,
	"fatal_error":         true,
}

// Encoding selects how a method payload is sent.
type Encoding int

const (
	// EncodingJSON sends the payload as a JSON document.
	EncodingJSON Encoding = iota
	// EncodingForm sends a Form as multipart/form-data.
	EncodingForm
)

// Form is a flat set of form fields.
type Form map[string]string

// Config holds the settings for creating a Client.
type Config struct {
	Token       string
	BaseURL     string
	MaxAttempts int
	Timeout     time.Duration
}

// Response is the uniform result of one API method call. A failed call has
// OK false and a non-empty Error; transport problems are reported the same way.
type Response struct {
	OK         bool
	Error      string
	HTTPStatus int
	Metadata   slack.ResponseMetadata
	Body       json.RawMessage
}

// Decode unmarshals the raw response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// Client executes Slack Web API methods with bounded retries.
// @MX:ANCHOR: [AUTO] External system integration point for the Slack Web API
// @MX:REASON: Notifications, archive uploads and target resolution all go through Call
type Client struct {
	token       string
	baseURL     string
	httpClient  *http.Client
	maxAttempts int

	backoffStep   time.Duration
	retryAfterMin time.Duration
	retryAfterMax time.Duration
}

// New creates a Client. Zero values in cfg fall back to the defaults.
func New(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		token:         cfg.Token,
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: timeout},
		maxAttempts:   attempts,
		backoffStep:   defaultBackoffStep,
		retryAfterMin: defaultRetryAfterMin,
		retryAfterMax: defaultRetryAfterMax,
	}
}

// Configured reports whether the client has a token to call Slack with.
func (c *Client) Configured() bool {
	return c != nil && c.token != ""
}

// envelope is the part of every Slack response the client inspects.
type envelope struct {
	slack.SlackResponse
}

// errRetry marks an attempt the schedule should repeat.
var errRetry = errors.New("retryable slack response")

// Call invokes method with payload and returns the classified response. It
// never returns nil.
func (c *Client) Call(ctx context.Context, method string, payload any, enc Encoding) *Response {
	if !c.Configured() {
		return &Response{Error: CodeNotConfigured}
	}

	body, contentType, err := encodePayload(payload, enc)
	if err != nil {
		slog.Error("failed to encode slack payload", "method", method, "error", err)
		return &Response{Error: CodeRequestFailed}
	}

	schedule := &retrySchedule{step: c.backoffStep}
	policy := backoff.WithContext(backoff.WithMaxRetries(schedule, uint64(c.maxAttempts-1)), ctx)

	var (
		result  *attemptResult
		attempt int
	)
	op := func() error {
		attempt++
		resp, retry := c.attempt(ctx, method, body, contentType)
		result = resp
		if !retry {
			return backoff.Permanent(errors.New(resp.Error))
		}
		if resp.HTTPStatus == http.StatusTooManyRequests {
			schedule.hint = c.clampRetryAfter(resp.retryAfter)
		}
		return errRetry
	}
	notify := func(_ error, wait time.Duration) {
		slog.Warn("retrying slack API request",
			"method", method,
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"error", result.Error,
			"http_status", result.HTTPStatus,
			"wait", wait,
		)
	}

	err = backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil || !errors.Is(err, errRetry) && ctx.Err() == nil:
		return &result.Response
	case ctx.Err() != nil:
		return &Response{Error: CodeCancelled, HTTPStatus: result.statusOrZero()}
	default:
		slog.Warn("slack API retries exhausted",
			"method", method,
			"attempts", attempt,
			"last_error", result.Error,
		)
		return &Response{Error: CodeRetriesExhausted, HTTPStatus: result.HTTPStatus}
	}
}

// attemptResult carries the Retry-After hint alongside the response.
type attemptResult struct {
	Response
	retryAfter time.Duration
}

func (r *attemptResult) statusOrZero() int {
	if r == nil {
		return 0
	}
	return r.HTTPStatus
}

// attempt performs one HTTP round trip and reports whether it may be retried.
func (c *Client) attempt(ctx context.Context, method string, body []byte, contentType string) (*attemptResult, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, bytes.NewReader(body))
	if err != nil {
		return &attemptResult{Response: Response{Error: CodeRequestFailed}}, false
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &attemptResult{Response: Response{Error: CodeRequestFailed}}, ctx.Err() == nil
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &attemptResult{Response: Response{Error: CodeRequestFailed, HTTPStatus: resp.StatusCode}}, true
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &attemptResult{
			Response:   Response{Error: "ratelimited", HTTPStatus: resp.StatusCode},
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}, true
	}

	// Non-JSON 5xx bodies are retried. Any other non-JSON body is final.
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Warn("slack returned a non-JSON response",
			"method", method,
			"http_status", resp.StatusCode,
		)
		return &attemptResult{Response: Response{Error: CodeNonJSONResponse, HTTPStatus: resp.StatusCode}},
			resp.StatusCode >= http.StatusInternalServerError
	}

	out := &attemptResult{Response: Response{
		OK:         env.Ok,
		Error:      env.Error,
		HTTPStatus: resp.StatusCode,
		Metadata:   env.ResponseMetadata,
		Body:       json.RawMessage(raw),
	}}
	if out.OK {
		out.Error = ""
		return out, false
	}
	if out.Error == "" {
		out.Error = "unknown_error"
	}
	return out, transientCodes[out.Error]
}

func (c *Client) clampRetryAfter(d time.Duration) time.Duration {
	if d < c.retryAfterMin {
		return c.retryAfterMin
	}
	if d > c.retryAfterMax {
		return c.retryAfterMax
	}
	return d
}

// parseRetryAfter reads a Retry-After header given in whole seconds.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func encodePayload(payload any, enc Encoding) ([]byte, string, error) {
	switch enc {
	case EncodingForm:
		form, ok := payload.(Form)
		if !ok {
			return nil, "", fmt.Errorf("form encoding needs a slackapi.Form, got %T", payload)
		}
		return encodeForm(form)
	default:
		if payload == nil {
			payload = struct{}{}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		return data, "application/json; charset=utf-8", nil
	}
}

func encodeForm(form Form) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := w.WriteField(k, form[k]); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// retrySchedule is a backoff.BackOff that waits attempt*step between tries,
// or a one-shot hint taken from a Retry-After header.
type retrySchedule struct {
	step    time.Duration
	retries int
	hint    time.Duration
}

func (s *retrySchedule) NextBackOff() time.Duration {
	s.retries++
	if s.hint > 0 {
		d := s.hint
		s.hint = 0
		return d
	}
	return time.Duration(s.retries) * s.step
}

func (s *retrySchedule) Reset() {
	s.retries = 0
	s.hint = 0
}
