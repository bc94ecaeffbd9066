package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rendis/flowplane/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPInvoker_Success(t *testing.T) {
	var gotPath, gotIdem string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIdem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","ok":true}`))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{BaseURL: srv.URL})
	out, err := inv.Invoke(context.Background(), InvokeRequest{
		Tool:           "github",
		Action:         "create_issue",
		ConnectionID:   "conn-1",
		Arguments:      map[string]any{"title": "hello"},
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/tools/github/actions/create_issue/execute", gotPath)
	assert.Equal(t, "idem-1", gotIdem)
	assert.Equal(t, "conn-1", gotBody["connection_id"])
	assert.Equal(t, "x", out.Result["id"])
	assert.Equal(t, http.StatusOK, out.StatusCode)
}

func TestHTTPInvoker_RateLimitIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{BaseURL: srv.URL})
	_, err := inv.Invoke(context.Background(), InvokeRequest{Tool: "t", Action: "a"})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeRateLimited, fe.Code)
	assert.True(t, IsRetriable(err))
}

func TestHTTPInvoker_ServerErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{BaseURL: srv.URL})
	_, err := inv.Invoke(context.Background(), InvokeRequest{Tool: "t", Action: "a"})
	require.Error(t, err)
	assert.True(t, IsRetriable(err))
}

func TestHTTPInvoker_ClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad title"}`))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{BaseURL: srv.URL})
	_, err := inv.Invoke(context.Background(), InvokeRequest{Tool: "t", Action: "a"})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeNonRetryable, fe.Code)
	assert.False(t, IsRetriable(err))
}

func TestHTTPInvoker_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{BaseURL: srv.URL})
	_, err := inv.Invoke(context.Background(), InvokeRequest{
		Tool:      "t",
		Action:    "a",
		TimeoutMs: 20,
	})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeTimeout, fe.Code)
	assert.True(t, IsRetriable(err))
}

func TestHTTPInvoker_MissingToolOrAction(t *testing.T) {
	inv := NewHTTPInvoker(HTTPInvokerConfig{BaseURL: "http://localhost:1"})

	_, err := inv.Invoke(context.Background(), InvokeRequest{Action: "a"})
	assert.Error(t, err)
	_, err = inv.Invoke(context.Background(), InvokeRequest{Tool: "t"})
	assert.Error(t, err)
}

func TestHTTPInvoker_AuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{BaseURL: srv.URL, APIKey: "sk-test"})
	_, err := inv.Invoke(context.Background(), InvokeRequest{Tool: "t", Action: "a"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}
