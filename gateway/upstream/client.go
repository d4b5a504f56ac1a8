// Package upstream forwards JSON-RPC calls that survived the pipeline to the
// node behind the gateway.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultTimeout = 15 * time.Second
	// maxResponseBytes bounds how much of an upstream reply is buffered.
	maxResponseBytes = 32 << 20
)

// ErrUnavailable reports a transport level failure talking to the node.
var ErrUnavailable = errors.New("upstream unavailable")

type Config struct {
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	Timeout  time.Duration     `yaml:"timeout" toml:"timeout"`
	Headers  map[string]string `yaml:"headers" toml:"headers"`
}

// RemoteError is an error object relayed verbatim from the node.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

type Client struct {
	endpoint string
	headers  http.Header
	client   *http.Client
	nextID   atomic.Uint64
}

// New returns a client posting to cfg.Endpoint through an instrumented
// transport.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("upstream endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse upstream endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("upstream endpoint %q must use http or https", endpoint)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	return &Client{
		endpoint: parsed.String(),
		headers:  headers,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (c *Client) Endpoint() string { return c.endpoint }

type request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *RemoteError    `json:"error"`
}

// Call performs a single JSON-RPC call. Node side errors are returned as
// *RemoteError; transport failures wrap ErrUnavailable.
func (c *Client) Call(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	if params == nil {
		params = []json.RawMessage{}
	}
	payload, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, v := range c.headers {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if httpResp.StatusCode >= 400 && len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, httpResp.StatusCode)
	}
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		if httpResp.StatusCode >= 400 {
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, httpResp.StatusCode)
		}
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if len(resp.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result, nil
}
