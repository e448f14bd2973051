package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL of the backend, e.g. https://sync.example.com
	BaseURL string
	// Token is sent as a bearer token when set
	Token string
	// Routes maps entity types to RPC names (default: DefaultRoutes)
	Routes *Routes
	// Timeout bounds every call (default: 30s)
	Timeout time.Duration
	// HTTP overrides the client (tests)
	HTTP   *http.Client
	Logger *slog.Logger
}

// HTTPClient talks to an RPC-style JSON backend.
//
//	POST {base}/rpc/{name}              deliver one mutation
//	GET  {base}/collections/{name}      list a collection
//	POST {base}/collections/schedules   bulk upsert schedules
//	GET  {base}/meta                    {"schema_version": "v1.2.0"}
//	GET  {base}/health                  reachability
type HTTPClient struct {
	baseURL string
	token   string
	routes  Routes
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a client for cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	routes := DefaultRoutes()
	if cfg.Routes != nil {
		routes = *cfg.Routes
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		routes:  routes,
		http:    cfg.HTTP,
		logger:  cfg.Logger.With("component", "remote"),
	}, nil
}

// Apply implements Applier by calling the entity's RPC.
func (c *HTTPClient) Apply(ctx context.Context, req Request) error {
	route, rpc, err := c.routes.Lookup(req.EntityType, req.Operation)
	if err != nil {
		return err
	}

	body := map[string]any{
		"mutation_id":      req.MutationID,
		"client_id":        req.ClientID,
		"operation":        string(req.Operation),
		route.IDParam:      req.EntityID,
		"client_timestamp": req.ClientTimestamp.UnixMilli(),
	}
	if len(req.Payload) > 0 {
		body[route.DataParam] = req.Payload
	}

	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey()}
	if err := c.do(ctx, http.MethodPost, "/rpc/"+rpc, body, nil, headers); err != nil {
		return err
	}

	c.logger.Debug("mutation applied", "id", req.MutationID, "rpc", rpc)
	return nil
}

// FetchSchedules implements Store.
func (c *HTTPClient) FetchSchedules(ctx context.Context) ([]schema.Schedule, error) {
	var out []schema.Schedule
	if err := c.do(ctx, http.MethodGet, "/collections/schedules", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchHabits implements Store.
func (c *HTTPClient) FetchHabits(ctx context.Context) ([]schema.Habit, error) {
	var out []schema.Habit
	if err := c.do(ctx, http.MethodGet, "/collections/habits", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchArchivedHabits implements Store.
func (c *HTTPClient) FetchArchivedHabits(ctx context.Context) ([]schema.ArchivedHabit, error) {
	var out []schema.ArchivedHabit
	if err := c.do(ctx, http.MethodGet, "/collections/archived_habits", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// PushSchedules implements Store.
func (c *HTTPClient) PushSchedules(ctx context.Context, schedules []schema.Schedule) error {
	return c.do(ctx, http.MethodPost, "/collections/schedules", schedules, nil, nil)
}

// SchemaVersion implements Store.
func (c *HTTPClient) SchemaVersion(ctx context.Context) (string, error) {
	var meta struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := c.do(ctx, http.MethodGet, "/meta", nil, &meta, nil); err != nil {
		return "", err
	}
	return meta.SchemaVersion, nil
}

// Ping implements Remote.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// Close implements Remote.
func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any, headers map[string]string) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &syncerr.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return &syncerr.TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if err := classify(op, resp.StatusCode, data); err != nil {
		return err
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return nil
}

// classify maps a response to the error taxonomy. Missing tables or RPCs
// are schema errors; every other failure is a retryable transport error.
func classify(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}

	if status == http.StatusNotFound || status == http.StatusFailedDependency || syncerr.LooksLikeMissingSchema(msg) {
		return &syncerr.SchemaError{Object: op, Err: errors.New(msg)}
	}
	return &syncerr.TransportError{Op: op, StatusCode: status, Err: errors.New(msg)}
}
