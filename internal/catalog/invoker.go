package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/flowplane/pkg/schema"
)

// InvokeRequest identifies one external action call and its arguments.
type InvokeRequest struct {
	Tool           string         `json:"tool"`
	Action         string         `json:"action"`
	ConnectionID   string         `json:"connection_id,omitempty"`
	Arguments      map[string]any `json:"arguments"`
	TimeoutMs      int64          `json:"timeout_ms,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// InvokeResult is the successful outcome of an invocation.
type InvokeResult struct {
	Result     map[string]any `json:"result"`
	StatusCode int            `json:"status_code,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Invoker executes one external action and returns its result or a
// classified error. Retriable failures carry ErrCodeExecution or
// ErrCodeRateLimited; fatal failures carry ErrCodeNonRetryable.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

// HTTPInvokerConfig configures the HTTP invoker.
type HTTPInvokerConfig struct {
	BaseURL         string
	APIKey          string
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultInvokeTimeout   = 30 * time.Second
)

// HTTPInvoker calls a remote execution endpoint over HTTP. One POST per
// invocation at {base}/v1/tools/{tool}/actions/{action}/execute.
type HTTPInvoker struct {
	config HTTPInvokerConfig
	client *http.Client
}

// NewHTTPInvoker creates an HTTPInvoker for the given endpoint.
func NewHTTPInvoker(cfg HTTPInvokerConfig) *HTTPInvoker {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultInvokeTimeout
	}
	return &HTTPInvoker{
		config: cfg,
		client: &http.Client{},
	}
}

// Invoke executes the request and classifies transport and status failures.
func (inv *HTTPInvoker) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if req.Tool == "" || req.Action == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "invoke request missing tool or action")
	}

	timeout := inv.config.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := map[string]any{
		"connection_id": req.ConnectionID,
		"arguments":     req.Arguments,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "failed to encode invocation arguments").WithCause(err)
	}

	url := fmt.Sprintf("%s/v1/tools/%s/actions/%s/execute",
		strings.TrimRight(inv.config.BaseURL, "/"), req.Tool, req.Action)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "failed to build invocation request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if inv.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+inv.config.APIKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	start := time.Now()
	resp, err := inv.client.Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "invocation of %s.%s timed out after %s", req.Tool, req.Action, timeout).WithCause(err)
		}
		// Network failures are retriable.
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "invocation of %s.%s failed: %v", req.Tool, req.Action, err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, inv.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "failed to read invocation response").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(req, resp.StatusCode, bodyBytes)
	}

	var result map[string]any
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, &result); err != nil {
			result = map[string]any{"raw": string(bodyBytes)}
		}
	}
	return &InvokeResult{
		Result:     result,
		StatusCode: resp.StatusCode,
		DurationMs: durationMs,
	}, nil
}

// classifyStatus maps an HTTP error status to a retriable or fatal error.
// 429 and 5xx are retriable; other 4xx are fatal.
func classifyStatus(req InvokeRequest, status int, body []byte) error {
	msg := fmt.Sprintf("%s.%s returned %d", req.Tool, req.Action, status)
	details := map[string]any{"status": status}
	if len(body) > 0 {
		details["body"] = truncate(string(body), 512)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return schema.NewError(schema.ErrCodeRateLimited, msg).WithDetails(details)
	case status >= 500:
		return schema.NewError(schema.ErrCodeExecution, msg).WithDetails(details)
	default:
		return schema.NewError(schema.ErrCodeNonRetryable, msg).WithDetails(details)
	}
}

// IsRetriable reports whether an invocation error may be retried.
func IsRetriable(err error) bool {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Code {
	case schema.ErrCodeExecution, schema.ErrCodeRateLimited, schema.ErrCodeTimeout:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
