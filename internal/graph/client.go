package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	cerrors "github.com/codegraph-dev/codegraph/internal/errors"
	"github.com/codegraph-dev/codegraph/internal/logging"
)

// ClientConfig holds the store connection settings.
type ClientConfig struct {
	URI      string
	User     string
	Password string
	Database string
	Timeout  time.Duration
}

// QueryResult is the uniform return shape for a single statement.
type QueryResult struct {
	Rows []map[string]any
	Err  error
}

// Client wraps the Neo4j driver: connectivity fallback, param
// sanitization, transient retry, and sequential batch execution.
type Client struct {
	mu        sync.RWMutex
	cfg       ClientConfig
	driver    neo4j.DriverWithContext
	logger    *slog.Logger
	connected bool

	// set true after ensureBM25Index succeeds; the retriever still
	// requires a served query before trusting native mode
	bm25IndexKnownToExist bool
}

// NewClient constructs a disconnected client. Call Connect or rely on
// autoConnect inside the query methods.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Database == "" {
		cfg.Database = "neo4j"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logging.Component("graph.client"),
	}
}

// Connected reports whether a verified driver is held.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect verifies connectivity with a trivial query. When the configured
// host is unresolvable and not already localhost, it falls back once to
// localhost on the same port: compose-internal hostnames like "memgraph"
// or "neo4j" do not resolve from outside the container network.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	err := c.connectLocked(ctx, c.cfg.URI)
	if err == nil {
		return nil
	}

	if isHostUnresolvable(err) {
		if fallback, ok := localhostURI(c.cfg.URI); ok {
			c.logger.Warn("store host unresolvable, retrying against localhost",
				"uri", c.cfg.URI, "fallback", fallback, "error", err)
			if ferr := c.connectLocked(ctx, fallback); ferr == nil {
				c.cfg.URI = fallback
				return nil
			}
		}
	}
	return cerrors.Wrap(cerrors.CodeStoreUnavailable, "failed to connect to graph store", err).
		WithHint("check that the graph store is running and the URI is reachable")
}

func (c *Client) connectLocked(ctx context.Context, uri string) error {
	driver, err := neo4j.NewDriverWithContext(uri,
		neo4j.BasicAuth(c.cfg.User, c.cfg.Password, ""),
		func(config *neo4j.Config) {
			config.MaxConnectionPoolSize = 50
			config.ConnectionAcquisitionTimeout = 60 * time.Second
			config.MaxConnectionLifetime = time.Hour
			config.SocketConnectTimeout = 5 * time.Second
			config.SocketKeepalive = true
		})
	if err != nil {
		return err
	}

	verify := func() error {
		vctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return driver.VerifyConnectivity(vctx)
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 2)
	if err := backoff.Retry(verify, backoff.WithContext(policy, ctx)); err != nil {
		driver.Close(ctx)
		return err
	}

	c.driver = driver
	c.connected = true
	c.logger.Info("graph store connected", "uri", uri, "database", c.cfg.Database)
	return nil
}

// Close releases the driver.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.driver == nil {
		return nil
	}
	err := c.driver.Close(ctx)
	c.driver = nil
	c.connected = false
	return err
}

// autoConnect attempts connection on first use. Failures come back as an
// error value, never a panic.
func (c *Client) autoConnect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	return c.Connect(ctx)
}

// sanitizeParams maps nil-prone values to store-safe ones.
func sanitizeParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return sanitizeParams(t)
	case []any:
		list := make([]any, len(t))
		for i, e := range t {
			list[i] = sanitizeValue(e)
		}
		return list
	case time.Time:
		return t.UnixMilli()
	default:
		return v
	}
}

// ExecuteQuery runs one statement. Transient failures (service
// unavailable, connection reset) are retried exactly once with a fresh
// session; non-transient failures surface immediately.
func (c *Client) ExecuteQuery(ctx context.Context, query string, params map[string]any) QueryResult {
	if err := c.autoConnect(ctx); err != nil {
		return QueryResult{Err: err}
	}

	rows, err := c.runOnce(ctx, query, params)
	if err != nil && isTransient(err) {
		c.logger.Warn("transient store error, retrying once", "error", err)
		rows, err = c.runOnce(ctx, query, params)
	}
	if err != nil {
		return QueryResult{Err: cerrors.Wrap(cerrors.CodeStoreUnavailable, "query failed", err)}
	}
	return QueryResult{Rows: rows}
}

func (c *Client) runOnce(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	c.mu.RLock()
	driver := c.driver
	database := c.cfg.Database
	timeout := c.cfg.Timeout
	c.mu.RUnlock()
	if driver == nil {
		return nil, fmt.Errorf("not connected")
	}

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := neo4j.ExecuteQuery(qctx, driver, query, sanitizeParams(params),
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(database))
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]any, 0, len(result.Records))
	for _, rec := range result.Records {
		row := make(map[string]any, len(rec.Keys))
		for _, key := range rec.Keys {
			val, _ := rec.Get(key)
			row[key] = flattenValue(val)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// flattenValue unwraps driver node/relationship types into plain maps so
// callers never import driver types.
func flattenValue(v any) any {
	switch t := v.(type) {
	case neo4j.Node:
		props := make(map[string]any, len(t.Props)+1)
		for k, p := range t.Props {
			props[k] = p
		}
		if len(t.Labels) > 0 {
			props["_label"] = t.Labels[0]
		}
		return props
	case neo4j.Relationship:
		props := make(map[string]any, len(t.Props)+1)
		for k, p := range t.Props {
			props[k] = p
		}
		props["_type"] = t.Type
		return props
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = flattenValue(e)
		}
		return out
	default:
		return v
	}
}

// ExecuteBatch runs statements sequentially. A per-statement failure is
// recorded in its slot and execution continues; results map 1:1 to the
// input order.
func (c *Client) ExecuteBatch(ctx context.Context, statements []Statement) []QueryResult {
	results := make([]QueryResult, len(statements))
	if err := c.autoConnect(ctx); err != nil {
		for i := range results {
			results[i] = QueryResult{Err: err}
		}
		return results
	}
	for i, st := range statements {
		if ctx.Err() != nil {
			results[i] = QueryResult{Err: ctx.Err()}
			continue
		}
		results[i] = c.ExecuteQuery(ctx, st.Query, st.Params)
	}
	return results
}

func isHostUnresolvable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "name resolution") ||
		strings.Contains(msg, "server name resolution") ||
		strings.Contains(msg, "lookup ")
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if neo4j.IsConnectivityError(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "serviceunavailable") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "transient")
}

// localhostURI swaps the host for localhost, keeping scheme and port.
func localhostURI(uri string) (string, bool) {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Hostname() == "" || parsed.Hostname() == "localhost" {
		return "", false
	}
	port := parsed.Port()
	if port == "" {
		port = "7687"
	}
	parsed.Host = "localhost:" + port
	return parsed.String(), true
}
