package plan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/internal/handbook"
	"github.com/helmsman-ai/helmsman/internal/types"
)

func registryHandbook(baseURL string) *handbook.Handbook {
	return &handbook.Handbook{
		Name: "retail",
		Services: []handbook.Service{
			{
				Name:    "sales",
				BaseURL: baseURL,
				Operations: []handbook.Operation{
					{ID: "sales.list", Method: "GET", Path: "/v1/sales", Entity: "sale"},
					{ID: "sales.aggregate", Method: "POST", Path: "/v1/sales/aggregate", Entity: "sale"},
					{ID: "customers.get", Method: "GET", Path: "/v1/customers/{id}", Entity: "customer"},
				},
			},
		},
	}
}

func TestBuildRegistry(t *testing.T) {
	r := BuildRegistry(registryHandbook("http://localhost"))

	assert.Equal(t, 3, r.Size())
	_, ok := r.Resolve("sales.list")
	assert.True(t, ok)
	_, ok = r.Resolve("ghost.op")
	assert.False(t, ok)
}

func TestHTTPInvoker_GetWithQueryParams(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/sales", r.URL.Path)
		gotQuery = r.URL.Query().Get("region")
		_ = json.NewEncoder(w).Encode(map[string]any{"total": 42})
	}))
	defer srv.Close()

	r := BuildRegistry(registryHandbook(srv.URL))
	inv, ok := r.Resolve("sales.list")
	require.True(t, ok)

	out, err := inv.Invoke(context.Background(), map[string]any{"region": "west"})
	require.NoError(t, err)
	assert.Equal(t, "west", gotQuery)
	assert.Equal(t, float64(42), out["total"])
}

func TestHTTPInvoker_PostWithJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "region", body["group_by"])

		_ = json.NewEncoder(w).Encode(map[string]any{"groups": []any{"west", "east"}})
	}))
	defer srv.Close()

	r := BuildRegistry(registryHandbook(srv.URL))
	inv, ok := r.Resolve("sales.aggregate")
	require.True(t, ok)

	out, err := inv.Invoke(context.Background(), map[string]any{"group_by": "region"})
	require.NoError(t, err)
	assert.Len(t, out["groups"], 2)
}

func TestHTTPInvoker_PathParamSubstitution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers/c-17", r.URL.Path)
		// The consumed path param must not leak into the query.
		assert.Empty(t, r.URL.Query().Get("id"))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "c-17", "name": "Acme"})
	}))
	defer srv.Close()

	r := BuildRegistry(registryHandbook(srv.URL))
	inv, ok := r.Resolve("customers.get")
	require.True(t, ok)

	out, err := inv.Invoke(context.Background(), map[string]any{"id": "c-17"})
	require.NoError(t, err)
	assert.Equal(t, "Acme", out["name"])
}

func TestHTTPInvoker_MissingPathParam(t *testing.T) {
	r := BuildRegistry(registryHandbook("http://localhost"))
	inv, ok := r.Resolve("customers.get")
	require.True(t, ok)

	_, err := inv.Invoke(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Equal(t, types.EXEC_OPERATION_FAILED, types.CodeOf(err))
	assert.Contains(t, err.Error(), "customers.get")
	assert.Contains(t, err.Error(), `missing path parameter "id"`)
}

func TestHTTPInvoker_ErrorStatuses(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	r := BuildRegistry(registryHandbook(srv.URL))
	inv, ok := r.Resolve("sales.list")
	require.True(t, ok)

	t.Run("client error is terminal", func(t *testing.T) {
		status = http.StatusNotFound
		_, err := inv.Invoke(context.Background(), nil)
		require.Error(t, err)
		assert.Equal(t, types.EXEC_OPERATION_FAILED, types.CodeOf(err))
		assert.False(t, types.IsRetryable(err))
	})

	t.Run("server error is retryable", func(t *testing.T) {
		status = http.StatusBadGateway
		_, err := inv.Invoke(context.Background(), nil)
		require.Error(t, err)
		assert.Equal(t, types.EXEC_OPERATION_FAILED, types.CodeOf(err))
		assert.True(t, types.IsRetryable(err))
	})
}

func TestHTTPInvoker_TransportFailureRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := srv.URL
	srv.Close()

	r := BuildRegistry(registryHandbook(baseURL))
	inv, ok := r.Resolve("sales.list")
	require.True(t, ok)

	_, err := inv.Invoke(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, types.EXEC_OPERATION_FAILED, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err))
	assert.Contains(t, err.Error(), "sales.list")
}

func TestDecodeOutput(t *testing.T) {
	tests := []struct {
		name string
		body string
		want map[string]any
	}{
		{"object", `{"a":1}`, map[string]any{"a": float64(1)}},
		{"array wrapped", `[1,2]`, map[string]any{"result": []any{float64(1), float64(2)}}},
		{"scalar wrapped", `7`, map[string]any{"result": float64(7)}},
		{"empty body", ``, map[string]any{}},
		{"non-json wrapped", `plain text`, map[string]any{"result": "plain text"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := decodeOutput([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}
