package plan

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

	"github.com/helmsman-ai/helmsman/internal/handbook"
	"github.com/helmsman-ai/helmsman/internal/types"
)

// DefaultInvokeTimeout bounds a single operation invocation.
const DefaultInvokeTimeout = 30 * time.Second

// Invoker executes one operation with resolved arguments and returns its
// decoded output.
type Invoker interface {
	Invoke(ctx context.Context, vars map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, vars map[string]any) (map[string]any, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, vars map[string]any) (map[string]any, error) {
	return f(ctx, vars)
}

// Registry maps operation ids to their invokers.
type Registry struct {
	invokers map[string]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register binds an operation id to an invoker, replacing any previous
// binding.
func (r *Registry) Register(id string, inv Invoker) {
	r.invokers[id] = inv
}

// Resolve returns the invoker for an operation id.
func (r *Registry) Resolve(id string) (Invoker, bool) {
	inv, ok := r.invokers[id]
	return inv, ok
}

// Size returns the number of registered operations.
func (r *Registry) Size() int {
	return len(r.invokers)
}

// RegistryOption is a functional option for BuildRegistry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	client  *http.Client
	timeout time.Duration
}

// WithHTTPClient sets the HTTP client shared by all built invokers.
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(c *registryConfig) {
		c.client = client
	}
}

// WithInvokeTimeout sets the per-invocation deadline.
func WithInvokeTimeout(d time.Duration) RegistryOption {
	return func(c *registryConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// BuildRegistry creates a registry with one HTTP invoker per handbook
// operation, bound to the owning service's base URL.
func BuildRegistry(hb *handbook.Handbook, opts ...RegistryOption) *Registry {
	cfg := &registryConfig{
		client:  http.DefaultClient,
		timeout: DefaultInvokeTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := NewRegistry()
	for _, svc := range hb.Services {
		for _, op := range svc.Operations {
			r.Register(op.ID, &HTTPInvoker{
				client:  cfg.client,
				timeout: cfg.timeout,
				opID:    op.ID,
				method:  strings.ToUpper(op.Method),
				baseURL: strings.TrimRight(svc.BaseURL, "/"),
				path:    op.Path,
			})
		}
	}
	return r
}

// HTTPInvoker calls one REST operation. Path parameters of the form {name}
// are substituted from vars and consumed; the remaining vars travel as query
// parameters on GET and as a JSON body otherwise.
type HTTPInvoker struct {
	client  *http.Client
	timeout time.Duration
	opID    string
	method  string
	baseURL string
	path    string
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, vars map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	path, remaining, err := h.expandPath(vars)
	if err != nil {
		return nil, err
	}

	req, err := h.buildRequest(ctx, path, remaining)
	if err != nil {
		return nil, types.WrapError(types.EXEC_OPERATION_FAILED,
			fmt.Sprintf("operation %s: build request", h.opID), err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, types.WrapRetryableError(types.EXEC_OPERATION_FAILED,
			fmt.Sprintf("operation %s: request failed", h.opID), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.WrapRetryableError(types.EXEC_OPERATION_FAILED,
			fmt.Sprintf("operation %s: read response", h.opID), err)
	}

	if resp.StatusCode >= 500 {
		return nil, types.NewRetryableError(types.EXEC_OPERATION_FAILED,
			fmt.Sprintf("operation %s: status %d", h.opID, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, types.NewError(types.EXEC_OPERATION_FAILED,
			fmt.Sprintf("operation %s: status %d: %s", h.opID, resp.StatusCode, truncate(body, 256)))
	}

	return decodeOutput(body)
}

// expandPath substitutes {name} segments from vars and returns the expanded
// path together with the vars that were not consumed.
func (h *HTTPInvoker) expandPath(vars map[string]any) (string, map[string]any, error) {
	remaining := make(map[string]any, len(vars))
	for k, v := range vars {
		remaining[k] = v
	}

	path := h.path
	for {
		open := strings.Index(path, "{")
		if open < 0 {
			break
		}
		end := strings.Index(path[open:], "}")
		if end < 0 {
			return "", nil, types.NewError(types.EXEC_OPERATION_FAILED,
				fmt.Sprintf("operation %s: unterminated path parameter in %q", h.opID, h.path))
		}
		name := path[open+1 : open+end]

		value, ok := remaining[name]
		if !ok {
			return "", nil, types.NewError(types.EXEC_OPERATION_FAILED,
				fmt.Sprintf("operation %s: missing path parameter %q", h.opID, name))
		}
		delete(remaining, name)

		path = path[:open] + url.PathEscape(fmt.Sprint(value)) + path[open+end+1:]
	}

	return path, remaining, nil
}

func (h *HTTPInvoker) buildRequest(ctx context.Context, path string, vars map[string]any) (*http.Request, error) {
	target := h.baseURL + path

	if h.method == http.MethodGet || h.method == http.MethodDelete {
		req, err := http.NewRequestWithContext(ctx, h.method, target, nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		for k, v := range vars {
			q.Set(k, fmt.Sprint(v))
		}
		req.URL.RawQuery = q.Encode()
		return req, nil
	}

	payload, err := json.Marshal(vars)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, h.method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// decodeOutput normalizes a response body to a map. Non-object JSON and
// empty bodies are wrapped under "result" so downstream interpolation always
// sees a map.
func decodeOutput(body []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}

	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return map[string]any{"result": string(trimmed)}, nil
	}
	if obj, ok := value.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{"result": value}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
