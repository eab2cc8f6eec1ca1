package scanner

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"yieldo-indexer/internal/chainpool"
	"yieldo-indexer/internal/config"
	"yieldo-indexer/internal/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// ScanResult carries both decoded events and per-log decode failures.
// Failures never abort a batch; they are returned so callers and tests can
// observe them.
type ScanResult struct {
	Events   []DecodedEvent
	Failures []DecodeFailure
}

// Scanner queries router and vault logs over validated block ranges and
// decodes them, falling back to raw-topic word decoding for event families
// whose data layout varies across vault implementations.
type Scanner struct {
	pool *chainpool.Pool
}

func New(pool *chainpool.Pool) *Scanner {
	return &Scanner{pool: pool}
}

// Scan fetches and decodes all registered events for one vault over
// [fromBlock, toBlock]. The RPC call goes through the client pool, so rate
// limiting rotates endpoints transparently. Decoded events are deduplicated
// by (transaction, log index).
func (s *Scanner) Scan(ctx context.Context, vault config.VaultConfig, fromBlock, toBlock uint64) (*ScanResult, error) {
	if toBlock < fromBlock {
		return nil, fmt.Errorf("invalid range [%d, %d]", fromBlock, toBlock)
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{
			common.HexToAddress(vault.RouterAddress),
			common.HexToAddress(vault.VaultAddress),
		},
		Topics: [][]common.Hash{AllTopics()},
	}

	var logs []types.Log
	err := s.pool.Execute(ctx, vault.ChainID, func(ctx context.Context, client *ethclient.Client) error {
		fetched, err := client.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = fetched
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs chain %d [%d, %d]: %w", vault.ChainID, fromBlock, toBlock, err)
	}

	result := &ScanResult{}
	chainLabel := strconv.FormatUint(vault.ChainID, 10)
	seen := make(map[string]bool, len(logs))
	blockTimes := make(map[uint64]time.Time)

	for _, log := range logs {
		if log.Removed {
			continue
		}
		key := log.TxHash.Hex() + "#" + strconv.FormatUint(uint64(log.Index), 10)
		if seen[key] {
			continue
		}
		seen[key] = true

		if len(log.Topics) == 0 {
			continue
		}
		def, ok := eventRegistry[log.Topics[0]]
		if !ok {
			continue
		}

		event, decodeErr := s.decodeLog(def, log)
		if decodeErr != nil {
			metrics.DecodeFailures.WithLabelValues(chainLabel).Inc()
			result.Failures = append(result.Failures, DecodeFailure{
				TxHash:   log.TxHash.Hex(),
				LogIndex: log.Index,
				Event:    def.name,
				Reason:   decodeErr.Error(),
			})
			logrus.WithFields(logrus.Fields{
				"chain":     vault.Chain,
				"event":     def.name,
				"tx_hash":   log.TxHash.Hex(),
				"log_index": log.Index,
			}).WithError(decodeErr).Warn("skipping undecodable log")
			continue
		}

		blockTime, ok := blockTimes[log.BlockNumber]
		if !ok {
			blockTime, err = s.blockTime(ctx, vault.ChainID, log.BlockNumber)
			if err != nil {
				return nil, fmt.Errorf("fetch block %d time: %w", log.BlockNumber, err)
			}
			blockTimes[log.BlockNumber] = blockTime
		}

		event.ChainID = vault.ChainID
		event.VaultID = vault.ID
		event.TxHash = log.TxHash.Hex()
		event.LogIndex = log.Index
		event.BlockNumber = log.BlockNumber
		event.BlockTime = blockTime

		metrics.LogsDecoded.WithLabelValues(chainLabel, string(event.Kind)).Inc()
		result.Events = append(result.Events, *event)
	}

	return result, nil
}

// decodeLog tries the typed decoder first, then the raw-word fallback for
// families that carry one. Structural validation happens inside both paths;
// a log failing both is reported, never fatal.
func (s *Scanner) decodeLog(def eventDef, log types.Log) (*DecodedEvent, error) {
	event, err := def.decode(log)
	if err == nil {
		return event, nil
	}
	if def.rawFallback == nil {
		return nil, err
	}
	event, fallbackErr := def.rawFallback(log)
	if fallbackErr != nil {
		return nil, fmt.Errorf("typed decode: %v; raw fallback: %w", err, fallbackErr)
	}
	return event, nil
}

func (s *Scanner) blockTime(ctx context.Context, chainID uint64, blockNumber uint64) (time.Time, error) {
	var ts uint64
	err := s.pool.Execute(ctx, chainID, func(ctx context.Context, client *ethclient.Client) error {
		header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
		if err != nil {
			return err
		}
		ts = header.Time
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(ts), 0).UTC(), nil
}
