package provider

import (
	"context"
	"sync"
	"time"
)

// EndpointConfig describes one RPC endpoint for a chain.
type EndpointConfig struct {
	URL      string `yaml:"url"`
	Priority int    `yaml:"priority"`
}

// rpcConn is the minimal JSON-RPC client surface an endpoint needs.
// *rpc.Client from go-ethereum satisfies it; tests substitute fakes.
type rpcConn interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// DialFunc establishes an RPC connection to a URL.
type DialFunc func(ctx context.Context, url string) (rpcConn, error)

// Endpoint is one RPC URL for one chain with its rolling health state.
// Health is never persisted; it is rebuilt from static config at startup.
type Endpoint struct {
	URL      string
	Chain    string
	Priority int

	dial DialFunc

	mu                  sync.Mutex
	conn                rpcConn
	healthy             bool
	consecutiveFailures int
	lastLatency         time.Duration
	lastCheckedAt       time.Time
}

func newEndpoint(chain string, cfg EndpointConfig, dial DialFunc) *Endpoint {
	return &Endpoint{
		URL:      cfg.URL,
		Chain:    chain,
		Priority: cfg.Priority,
		dial:     dial,
		healthy:  true,
	}
}

// call executes one RPC call against this endpoint, dialing lazily on first
// use, and records the outcome in the rolling health state.
func (e *Endpoint) call(ctx context.Context, threshold int, result interface{}, method string, args ...interface{}) error {
	conn, err := e.connect(ctx)
	if err != nil {
		e.recordFailure(threshold)
		return err
	}

	start := time.Now()
	err = conn.CallContext(ctx, result, method, args...)
	latency := time.Since(start)

	if err != nil {
		e.recordFailure(threshold)
		return err
	}

	e.recordSuccess(latency)
	return nil
}

func (e *Endpoint) connect(ctx context.Context) (rpcConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn, nil
	}

	conn, err := e.dial(ctx, e.URL)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return conn, nil
}

func (e *Endpoint) recordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = true
	e.consecutiveFailures = 0
	e.lastLatency = latency
	e.lastCheckedAt = time.Now()
}

func (e *Endpoint) recordFailure(threshold int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures++
	e.lastCheckedAt = time.Now()
	if e.consecutiveFailures >= threshold {
		e.healthy = false
	}
	// A failed dial may leave a dead connection behind; drop it so the next
	// attempt re-dials.
	if e.conn != nil && !e.healthy {
		e.conn.Close()
		e.conn = nil
	}
}

// IsHealthy reports the endpoint's current health flag.
func (e *Endpoint) IsHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// Health returns a point-in-time copy of the endpoint health state.
func (e *Endpoint) Health() EndpointHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EndpointHealth{
		URL:                 e.URL,
		Priority:            e.Priority,
		IsHealthy:           e.healthy,
		ConsecutiveFailures: e.consecutiveFailures,
		LastLatency:         e.lastLatency,
		LastCheckedAt:       e.lastCheckedAt,
	}
}

func (e *Endpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}

// EndpointHealth is a snapshot of one endpoint's rolling health.
type EndpointHealth struct {
	URL                 string        `json:"url"`
	Priority            int           `json:"priority"`
	IsHealthy           bool          `json:"isHealthy"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastLatency         time.Duration `json:"lastLatencyMs"`
	LastCheckedAt       time.Time     `json:"lastCheckedAt"`
}
