package snapshot

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"yieldo-indexer/internal/chainpool"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// vaultABIJSON is the read-only slice of the ERC-4626 surface the snapshot
// job needs.
const vaultABIJSON = `[
	{"name":"totalAssets","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"convertToAssets","type":"function","stateMutability":"view","inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var vaultABI = mustABI(vaultABIJSON)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// VaultReader reads vault totals and balances through the failover pool.
type VaultReader struct {
	pool *chainpool.Pool
}

func NewVaultReader(pool *chainpool.Pool) *VaultReader {
	return &VaultReader{pool: pool}
}

func (r *VaultReader) callUint(ctx context.Context, chainID uint64, vault common.Address, method string, args ...interface{}) (decimal.Decimal, error) {
	data, err := vaultABI.Pack(method, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack %s: %w", method, err)
	}

	var raw []byte
	err = r.pool.Execute(ctx, chainID, func(ctx context.Context, client *ethclient.Client) error {
		out, callErr := client.CallContract(ctx, ethereum.CallMsg{To: &vault, Data: data}, nil)
		if callErr != nil {
			return callErr
		}
		raw = out
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("call %s on %s: %w", method, vault.Hex(), err)
	}

	values, err := vaultABI.Unpack(method, raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unpack %s: %w", method, err)
	}
	result, ok := values[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("unpack %s: unexpected output type %T", method, values[0])
	}
	return decimal.NewFromBigInt(result, 0), nil
}

func (r *VaultReader) TotalAssets(ctx context.Context, chainID uint64, vault common.Address) (decimal.Decimal, error) {
	return r.callUint(ctx, chainID, vault, "totalAssets")
}

func (r *VaultReader) TotalSupply(ctx context.Context, chainID uint64, vault common.Address) (decimal.Decimal, error) {
	return r.callUint(ctx, chainID, vault, "totalSupply")
}

func (r *VaultReader) BalanceOf(ctx context.Context, chainID uint64, vault, account common.Address) (decimal.Decimal, error) {
	return r.callUint(ctx, chainID, vault, "balanceOf", account)
}

func (r *VaultReader) ConvertToAssets(ctx context.Context, chainID uint64, vault common.Address, shares decimal.Decimal) (decimal.Decimal, error) {
	return r.callUint(ctx, chainID, vault, "convertToAssets", shares.BigInt())
}
