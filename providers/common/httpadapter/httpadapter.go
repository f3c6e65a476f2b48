// Package httpadapter provides the shared JSON-over-HTTP invocation path for
// provider adapters: endpoint config, API-key injection, per-call timeouts,
// and failure classification through the provider contracts.
package httpadapter

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

	"github.com/tiger/voice-turn-pipeline/internal/runtime/provider/contracts"
)

const (
	// DefaultTimeout bounds unary provider calls.
	DefaultTimeout = 10 * time.Second

	maxErrorBodyBytes = 2048
)

// Config configures a JSON-over-HTTP provider client.
type Config struct {
	Provider         string
	Endpoint         string
	Method           string
	APIKey           string
	APIKeyHeader     string
	APIKeyPrefix     string
	QueryAPIKeyParam string
	StaticHeaders    map[string]string
	Timeout          time.Duration
	Client           *http.Client
}

// Client issues provider HTTP calls and normalizes failures.
type Client struct {
	cfg  Config
	http *http.Client
}

// Request is one provider HTTP call.
type Request struct {
	// Path is appended to the configured endpoint when set.
	Path string
	// Query carries per-call query parameters.
	Query url.Values
	// Model is stamped onto classified failures.
	Model string
	// Body is JSON-marshaled into the request payload.
	Body any
	// Header carries per-call headers such as Accept.
	Header map[string]string
}

// New validates the config and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("provider is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("endpoint must include scheme and host")
	}
	cfg.Endpoint = parsed.String()
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// Provider returns the identity stamped on classified failures.
func (c *Client) Provider() string {
	return c.cfg.Provider
}

// DoJSON executes a unary call and decodes the 2xx response body into out.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, req.Model); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &contracts.Failure{
			Class:    contracts.FailureServiceUnavailable,
			Provider: c.cfg.Provider,
			Model:    req.Model,
			Reason:   "malformed response body",
			Err:      err,
		}
	}
	return nil
}

// DoBytes executes a unary call and returns the raw 2xx response body with
// its content type. Synthesis adapters use this path for audio payloads.
func (c *Client) DoBytes(ctx context.Context, req Request) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, req.Model); err != nil {
		return nil, "", err
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", contracts.ClassifyTransportError(c.cfg.Provider, req.Model, err)
	}
	return payload, resp.Header.Get("Content-Type"), nil
}

// DoStream executes a call and hands back the open 2xx response body for
// incremental reads. No overall timeout applies; the caller's context bounds
// the stream lifetime and the caller closes the body.
func (c *Client) DoStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus(resp, req.Model); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, req Request) (*http.Response, error) {
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, &contracts.Failure{
			Class:    contracts.FailureRequestInvalid,
			Provider: c.cfg.Provider,
			Model:    req.Model,
			Reason:   "marshal request body",
			Err:      err,
		}
	}

	endpoint, err := c.requestURL(req.Path, req.Query)
	if err != nil {
		return nil, &contracts.Failure{
			Class:    contracts.FailureRequestInvalid,
			Provider: c.cfg.Provider,
			Model:    req.Model,
			Reason:   "build request url",
			Err:      err,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, c.cfg.Method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &contracts.Failure{
			Class:    contracts.FailureRequestInvalid,
			Provider: c.cfg.Provider,
			Model:    req.Model,
			Reason:   "build request",
			Err:      err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKeyHeader != "" && c.cfg.APIKey != "" {
		httpReq.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKeyPrefix+c.cfg.APIKey)
	}
	for key, value := range c.cfg.StaticHeaders {
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.Header {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, contracts.ClassifyTransportError(c.cfg.Provider, req.Model, err)
	}
	return resp, nil
}

func (c *Client) requestURL(callPath string, query url.Values) (string, error) {
	if callPath == "" && len(query) == 0 && c.cfg.QueryAPIKeyParam == "" {
		return c.cfg.Endpoint, nil
	}
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	if callPath != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(callPath, "/")
	}
	q := u.Query()
	for key, values := range query {
		for _, value := range values {
			q.Add(key, value)
		}
	}
	if c.cfg.QueryAPIKeyParam != "" && c.cfg.APIKey != "" {
		q.Set(c.cfg.QueryAPIKeyParam, c.cfg.APIKey)
	}
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// checkStatus classifies non-2xx responses, folding a bounded body sample
// into the failure reason.
func (c *Client) checkStatus(resp *http.Response, model string) error {
	failure := contracts.ClassifyHTTPStatus(c.cfg.Provider, model, resp.StatusCode, resp.Header.Get("Retry-After"))
	if failure == nil {
		return nil
	}
	if sample := readErrorSample(resp.Body); sample != "" {
		failure.Reason = failure.Reason + ": " + sample
	}
	return failure
}

func readErrorSample(reader io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(reader, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
