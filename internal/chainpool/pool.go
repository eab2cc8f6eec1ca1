package chainpool

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"yieldo-indexer/internal/config"
	"yieldo-indexer/internal/metrics"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrNoClient is returned when a chain has no configured endpoints.
var ErrNoClient = errors.New("chainpool: no client for chain")

const dialProbeTimeout = 10 * time.Second

// endpoint is one ranked RPC URL with its dialed client and cooldown state.
type endpoint struct {
	url       string
	client    *ethclient.Client
	coolUntil time.Time
}

// chainClients is the ranked endpoint ring for one chain. current always
// points at the endpoint Execute will try first.
type chainClients struct {
	endpoints []*endpoint
	current   int
}

// Pool owns one ranked client ring per chain and rotates endpoints on
// rate-limit responses. It replaces the ambient client maps the scan loops
// would otherwise share.
type Pool struct {
	mu              sync.Mutex
	chains          map[uint64]*chainClients
	chainNames      map[uint64]string
	limiters        map[uint64]*rate.Limiter
	defaultCooldown time.Duration
}

// New dials every configured endpoint and probes each chain. A chain with no
// reachable endpoint is fatal: without a live client no safe initial cursor
// can be established.
func New(vaults []config.VaultConfig, rps int, defaultCooldown time.Duration) (*Pool, error) {
	pool := &Pool{
		chains:          make(map[uint64]*chainClients),
		chainNames:      make(map[uint64]string),
		limiters:        make(map[uint64]*rate.Limiter),
		defaultCooldown: defaultCooldown,
	}

	for _, vault := range vaults {
		pool.chainNames[vault.ChainID] = vault.Chain
		ring, exists := pool.chains[vault.ChainID]
		if !exists {
			ring = &chainClients{}
			pool.chains[vault.ChainID] = ring
			pool.limiters[vault.ChainID] = rate.NewLimiter(rate.Limit(rps), rps)
		}
		for _, url := range vault.RPCEndpoints {
			if ring.hasURL(url) {
				continue
			}
			client, err := ethclient.Dial(url)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"chain":    vault.Chain,
					"endpoint": url,
				}).WithError(err).Warn("failed to dial rpc endpoint, skipping")
				continue
			}
			ring.endpoints = append(ring.endpoints, &endpoint{url: url, client: client})
		}
	}

	// Startup probe: at least one endpoint per chain must answer.
	for chainID, ring := range pool.chains {
		if err := probe(ring); err != nil {
			return nil, fmt.Errorf("chain %d (%s): no reachable rpc endpoint: %w",
				chainID, pool.chainNames[chainID], err)
		}
	}

	return pool, nil
}

func (r *chainClients) hasURL(url string) bool {
	for _, ep := range r.endpoints {
		if ep.url == url {
			return true
		}
	}
	return false
}

func probe(ring *chainClients) error {
	if len(ring.endpoints) == 0 {
		return errors.New("no endpoints dialed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialProbeTimeout)
	defer cancel()

	var lastErr error
	for i, ep := range ring.endpoints {
		if _, err := ep.client.BlockNumber(ctx); err != nil {
			lastErr = err
			continue
		}
		ring.current = i
		return nil
	}
	return lastErr
}

// ChainName returns the configured human name for a chain id.
func (p *Pool) ChainName(chainID uint64) string {
	if name, ok := p.chainNames[chainID]; ok {
		return name
	}
	return fmt.Sprintf("chain-%d", chainID)
}

// Client returns the chain's currently selected client. Callers that need
// failover should use Execute instead.
func (p *Pool) Client(chainID uint64) (*ethclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ring, ok := p.chains[chainID]
	if !ok || len(ring.endpoints) == 0 {
		return nil, fmt.Errorf("%w %d", ErrNoClient, chainID)
	}
	return ring.endpoints[ring.current].client, nil
}

// Execute runs op against the chain's current endpoint. On a rate-limit
// response it cools the endpoint down, rotates to the next ranked one and
// retries; when every endpoint is cooling it sleeps out the shortest
// remaining cooldown rather than hammering the provider. Rate limiting is
// retried forever; any other error propagates to the caller immediately.
func (p *Pool) Execute(ctx context.Context, chainID uint64, op func(ctx context.Context, client *ethclient.Client) error) error {
	chain := p.ChainName(chainID)
	limiter, ok := p.limiters[chainID]
	if !ok {
		return fmt.Errorf("%w %d", ErrNoClient, chainID)
	}

	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		ep, sleep, err := p.selectEndpoint(chainID)
		if err != nil {
			return err
		}
		if sleep > 0 {
			metrics.RPCCooldownSleeps.WithLabelValues(chain).Inc()
			logrus.WithFields(logrus.Fields{
				"chain": chain,
				"sleep": sleep.String(),
			}).Warn("all rpc endpoints cooling down, sleeping")
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		err = op(ctx, ep.client)
		if err == nil {
			return nil
		}
		if !IsRateLimited(err) {
			return err
		}

		cooldown := retryAfter(err, p.defaultCooldown)
		metrics.RPCRateLimitHits.WithLabelValues(chain, ep.url).Inc()
		metrics.RPCRotations.WithLabelValues(chain).Inc()
		logrus.WithFields(logrus.Fields{
			"chain":    chain,
			"endpoint": ep.url,
			"cooldown": cooldown.String(),
		}).Warn("rpc endpoint rate limited, rotating")
		p.coolAndRotate(chainID, ep, cooldown)
	}
}

// selectEndpoint returns the first non-cooling endpoint starting from the
// current position, or the time to sleep when every endpoint is cooling.
func (p *Pool) selectEndpoint(chainID uint64) (*endpoint, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ring, ok := p.chains[chainID]
	if !ok || len(ring.endpoints) == 0 {
		return nil, 0, fmt.Errorf("%w %d", ErrNoClient, chainID)
	}

	now := time.Now()
	shortest := time.Duration(-1)
	for i := 0; i < len(ring.endpoints); i++ {
		idx := (ring.current + i) % len(ring.endpoints)
		ep := ring.endpoints[idx]
		if now.After(ep.coolUntil) {
			ring.current = idx
			return ep, 0, nil
		}
		if remaining := ep.coolUntil.Sub(now); shortest < 0 || remaining < shortest {
			shortest = remaining
		}
	}
	return nil, shortest, nil
}

func (p *Pool) coolAndRotate(chainID uint64, ep *endpoint, cooldown time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep.coolUntil = time.Now().Add(cooldown)
	if ring, ok := p.chains[chainID]; ok && len(ring.endpoints) > 0 {
		ring.current = (ring.current + 1) % len(ring.endpoints)
	}
}

// LatestBlock fetches the chain head through the failover path.
func (p *Pool) LatestBlock(ctx context.Context, chainID uint64) (uint64, error) {
	var head uint64
	err := p.Execute(ctx, chainID, func(ctx context.Context, client *ethclient.Client) error {
		n, err := client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	return head, err
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry[- ]after[:\s]+(\d+)`)

// IsRateLimited reports whether err looks like a provider rate-limit
// response: HTTP 429 or one of the provider-specific limit messages.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "capacity exceeded")
}

// retryAfter parses a Retry-After hint out of the error body when the
// provider sends one, falling back to the configured default cooldown.
func retryAfter(err error, fallback time.Duration) time.Duration {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if m := retryAfterPattern.FindSubmatch(httpErr.Body); m != nil {
			var secs int
			if _, scanErr := fmt.Sscanf(string(m[1]), "%d", &secs); scanErr == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	if m := retryAfterPattern.FindStringSubmatch(err.Error()); m != nil {
		var secs int
		if _, scanErr := fmt.Sscanf(m[1], "%d", &secs); scanErr == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
