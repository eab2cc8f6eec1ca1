package chainpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"yieldo-indexer/internal/config"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// blockNumberServer answers eth_blockNumber with the given head, optionally
// turning into a 429 responder after the first call.
func blockNumberServer(t *testing.T, head uint64, limitAfter int64) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	calls := &atomic.Int64{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if limitAfter >= 0 && n > limitAfter {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"rate limit exceeded, retry-after: 1"}`)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0x%x"}`, req.ID, head)
	}))
	t.Cleanup(server.Close)
	return server, calls
}

func poolVault(endpoints ...string) config.VaultConfig {
	return config.VaultConfig{
		ID:           "vault-1",
		Chain:        "testchain",
		ChainID:      1,
		RPCEndpoints: endpoints,
	}
}

func TestPoolRotatesOnRateLimit(t *testing.T) {
	// Endpoint A answers the startup probe then starts returning 429;
	// endpoint B stays healthy. The caller must never see the 429.
	limited, limitedCalls := blockNumberServer(t, 100, 1)
	healthy, healthyCalls := blockNumberServer(t, 256, -1)

	pool, err := New([]config.VaultConfig{poolVault(limited.URL, healthy.URL)}, 100, time.Second)
	require.NoError(t, err)

	head, err := pool.LatestBlock(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), head)
	assert.GreaterOrEqual(t, limitedCalls.Load(), int64(2), "probe plus the rate-limited attempt")
	assert.Equal(t, int64(1), healthyCalls.Load())

	// The ring stays rotated to the healthy endpoint.
	head, err = pool.LatestBlock(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), head)
	assert.Equal(t, int64(2), healthyCalls.Load())
}

func TestPoolProbeSkipsDeadEndpoint(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(dead.Close)
	healthy, _ := blockNumberServer(t, 50, -1)

	pool, err := New([]config.VaultConfig{poolVault(dead.URL, healthy.URL)}, 100, time.Second)
	require.NoError(t, err)

	head, err := pool.LatestBlock(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), head)
}

func TestPoolNoReachableEndpointIsFatal(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(dead.Close)

	_, err := New([]config.VaultConfig{poolVault(dead.URL)}, 100, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reachable rpc endpoint")
}

func TestExecuteUnknownChain(t *testing.T) {
	healthy, _ := blockNumberServer(t, 10, -1)
	pool, err := New([]config.VaultConfig{poolVault(healthy.URL)}, 100, time.Second)
	require.NoError(t, err)

	_, err = pool.LatestBlock(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNoClient)
}

func TestNonRateLimitErrorPropagates(t *testing.T) {
	healthy, _ := blockNumberServer(t, 10, -1)
	pool, err := New([]config.VaultConfig{poolVault(healthy.URL)}, 100, time.Second)
	require.NoError(t, err)

	boom := errors.New("execution reverted")
	err = pool.Execute(context.Background(), 1, func(context.Context, *ethclient.Client) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}))
	assert.True(t, IsRateLimited(errors.New("daily capacity exceeded")))
	assert.True(t, IsRateLimited(errors.New("Too Many Requests")))
	assert.False(t, IsRateLimited(errors.New("connection refused")))
	assert.False(t, IsRateLimited(nil))
}

func TestRetryAfterFromBody(t *testing.T) {
	err := rpc.HTTPError{
		StatusCode: 429,
		Body:       []byte(`{"error":"rate limited, retry-after: 30"}`),
	}
	assert.Equal(t, 30*time.Second, retryAfter(err, 2*time.Minute))
}

func TestRetryAfterFallback(t *testing.T) {
	assert.Equal(t, 2*time.Minute, retryAfter(errors.New("rate limit"), 2*time.Minute))
}
