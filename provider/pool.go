// Package provider implements the RPC provider pool: ranked endpoints per
// chain, a shared per-chain token bucket, automatic failover and background
// health probing.
package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds pool-wide tuning knobs.
type Config struct {
	// RequestsPerSecond is the per-chain token bucket rate. Requests beyond
	// the bucket queue rather than fail.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the token bucket burst size.
	Burst int `yaml:"burst"`

	// CallTimeout bounds every RPC call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// ProbeInterval is how often the background prober checks every
	// endpoint, regardless of recent use.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// UnhealthyThreshold is the consecutive-failure count after which an
	// endpoint is skipped until the next successful probe.
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerSecond:  10,
		Burst:              20,
		CallTimeout:        60 * time.Second,
		ProbeInterval:      60 * time.Second,
		UnhealthyThreshold: 3,
	}
}

// probeMethod is the cheap liveness call issued by the health prober.
const probeMethod = "eth_blockNumber"

// Pool holds the configured endpoints for one or more chains and executes
// calls against the best available endpoint with automatic failover.
type Pool struct {
	config    *Config
	endpoints map[string][]*Endpoint // per chain, sorted by priority
	limiters  map[string]*rate.Limiter
	dial      DialFunc
	logger    *zap.Logger
	metrics   *Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	proberW sync.WaitGroup
	closed  bool
}

// NewPool creates a pool for all configured chains.
func NewPool(config *Config, chains map[string][]EndpointConfig, logger *zap.Logger) (*Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		config:    config,
		endpoints: make(map[string][]*Endpoint, len(chains)),
		limiters:  make(map[string]*rate.Limiter, len(chains)),
		dial:      dialRPC,
		logger:    logger.Named("provider"),
	}

	for chain, cfgs := range chains {
		if err := p.addChain(chain, cfgs); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// NewPoolForChain creates a pool initialized for a single chain's endpoints
// only. Initializing providers for chains a session will never touch is pure
// startup waste.
func NewPoolForChain(config *Config, chain string, endpoints []EndpointConfig, logger *zap.Logger) (*Pool, error) {
	return NewPool(config, map[string][]EndpointConfig{chain: endpoints}, logger)
}

func (p *Pool) addChain(chain string, cfgs []EndpointConfig) error {
	if len(cfgs) == 0 {
		return ErrNoEndpoints
	}

	eps := make([]*Endpoint, 0, len(cfgs))
	for _, cfg := range cfgs {
		eps = append(eps, newEndpoint(chain, cfg, p.dialEndpoint))
	}
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority < eps[j].Priority })

	p.endpoints[chain] = eps
	p.limiters[chain] = rate.NewLimiter(rate.Limit(p.config.RequestsPerSecond), p.config.Burst)

	p.logger.Info("chain endpoints registered",
		zap.String("chain", chain),
		zap.Int("endpoints", len(eps)),
	)
	return nil
}

// dialEndpoint indirects through p.dial so tests can substitute transports.
func (p *Pool) dialEndpoint(ctx context.Context, url string) (rpcConn, error) {
	return p.dial(ctx, url)
}

func dialRPC(ctx context.Context, url string) (rpcConn, error) {
	return rpc.DialContext(ctx, url)
}

// SetMetrics enables Prometheus metrics collection. Optional.
func (p *Pool) SetMetrics(m *Metrics) {
	p.metrics = m
}

// Chains returns the chains this pool serves.
func (p *Pool) Chains() []string {
	chains := make([]string, 0, len(p.endpoints))
	for chain := range p.endpoints {
		chains = append(chains, chain)
	}
	sort.Strings(chains)
	return chains
}

// CallContext executes method against the chain's ranked endpoint list.
// Admission goes through the chain's shared token bucket first; the call then
// tries endpoints in priority order, skipping unhealthy ones, and fails only
// after the list is exhausted.
func (p *Pool) CallContext(ctx context.Context, chain string, result interface{}, method string, args ...interface{}) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	eps, ok := p.endpoints[chain]
	if !ok {
		return ErrUnknownChain
	}

	if err := p.limiters[chain].Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	tried, skipped := 0, 0

	for _, ep := range eps {
		if !ep.IsHealthy() {
			skipped++
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, p.config.CallTimeout)
		start := time.Now()
		err := ep.call(callCtx, p.config.UnhealthyThreshold, result, method, args...)
		cancel()
		tried++

		if p.metrics != nil {
			p.metrics.ObserveCall(chain, method, err == nil, time.Since(start))
		}

		if err == nil {
			return nil
		}

		lastErr = err
		p.logger.Warn("endpoint call failed, trying next",
			zap.String("chain", chain),
			zap.String("endpoint", ep.URL),
			zap.String("method", method),
			zap.Error(err),
		)

		// Caller cancellation is not an endpoint fault; stop failing over.
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if p.metrics != nil {
		p.metrics.RecordExhausted(chain)
	}

	return &ExhaustedError{
		Chain:   chain,
		Method:  method,
		Tried:   tried,
		Skipped: skipped,
		LastErr: lastErr,
	}
}

// Start launches the background health prober.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil || p.closed {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.proberW.Add(1)
	go p.probeLoop(ctx)
}

// Stop terminates the prober and closes all endpoint connections.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.proberW.Wait()

	for _, eps := range p.endpoints {
		for _, ep := range eps {
			ep.close()
		}
	}

	p.logger.Info("provider pool stopped")
}

func (p *Pool) probeLoop(ctx context.Context) {
	defer p.proberW.Done()

	ticker := time.NewTicker(p.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// probeAll issues the liveness call against every endpoint regardless of
// recent use. A successful probe clears the unhealthy flag.
func (p *Pool) probeAll(ctx context.Context) {
	for chain, eps := range p.endpoints {
		for _, ep := range eps {
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			var head string
			err := ep.call(probeCtx, p.config.UnhealthyThreshold, &head, probeMethod)
			cancel()

			if err != nil {
				p.logger.Warn("health probe failed",
					zap.String("chain", chain),
					zap.String("endpoint", ep.URL),
					zap.Error(err),
				)
			}

			if ctx.Err() != nil {
				return
			}
		}

		if p.metrics != nil {
			h := p.chainHealth(chain)
			p.metrics.UpdateHealthyEndpoints(chain, h.Healthy)
		}
	}
}

// ChainHealth aggregates endpoint health for one chain.
type ChainHealth struct {
	Chain     string           `json:"chain"`
	Healthy   int              `json:"healthy"`
	Unhealthy int              `json:"unhealthy"`
	Endpoints []EndpointHealth `json:"endpoints"`
}

func (p *Pool) chainHealth(chain string) ChainHealth {
	h := ChainHealth{Chain: chain}
	for _, ep := range p.endpoints[chain] {
		eh := ep.Health()
		if eh.IsHealthy {
			h.Healthy++
		} else {
			h.Unhealthy++
		}
		h.Endpoints = append(h.Endpoints, eh)
	}
	return h
}

// HealthSnapshot returns per-chain endpoint health, for the health monitor.
func (p *Pool) HealthSnapshot() map[string]ChainHealth {
	snap := make(map[string]ChainHealth, len(p.endpoints))
	for chain := range p.endpoints {
		snap[chain] = p.chainHealth(chain)
	}
	return snap
}
