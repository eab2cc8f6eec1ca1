package scanner

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// EventKind tags a decoded log with its semantic meaning. Vendor-specific
// event-name variants collapse onto the same kind.
type EventKind string

const (
	KindIntentCreated         EventKind = "intent_created"
	KindIntentCancelled       EventKind = "intent_cancelled"
	KindDepositExecuted       EventKind = "deposit_executed"
	KindAsyncDepositRequested EventKind = "async_deposit_requested"
	KindFeeCollected          EventKind = "fee_collected"
	KindDepositRequested      EventKind = "deposit_requested"
	KindDeposit               EventKind = "deposit"
	KindDepositSettled        EventKind = "deposit_settled"
	KindRedeemRequested       EventKind = "redeem_requested"
	KindRedeemSettled         EventKind = "redeem_settled"
	KindWithdraw              EventKind = "withdraw"
)

// DecodedEvent is one structurally validated vault or router event.
type DecodedEvent struct {
	Kind        EventKind
	ChainID     uint64
	VaultID     string
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	BlockTime   time.Time

	// Origin is the address the event reports as the acting sender; the
	// attribution resolver matches it against the configured router.
	Origin string
	User   string
	Vault  string
	Asset  string

	Amount decimal.Decimal // underlying asset units
	Shares decimal.Decimal
	Assets decimal.Decimal

	IntentHash string
	RequestID  *uint64
	Nonce      uint64
	Deadline   uint64
}

// DecodeFailure records a log that failed structural validation or decoding.
// Failures are part of the scan result so tests can assert on them.
type DecodeFailure struct {
	TxHash   string `json:"tx_hash"`
	LogIndex uint   `json:"log_index"`
	Event    string `json:"event"`
	Reason   string `json:"reason"`
}

// eventDef binds a topic hash to its decoder. Defs with rawFallback belong
// to a family whose layout varies across vault implementations; when the
// typed decode fails those fall through to the manual raw-word decoder.
type eventDef struct {
	name        string
	kind        EventKind
	decode      func(log types.Log) (*DecodedEvent, error)
	rawFallback func(log types.Log) (*DecodedEvent, error)
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %s: %v", t, err))
	}
	return typ
}

var (
	typeAddress = mustType("address")
	typeUint256 = mustType("uint256")
)

func dataArgs(types ...abi.Type) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		args[i] = abi.Argument{Type: t}
	}
	return args
}

func sigHash(sig string) common.Hash {
	return crypto.Keccak256Hash([]byte(sig))
}

func toDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func topicAddress(t common.Hash) string {
	return common.BytesToAddress(t.Bytes()).Hex()
}

// topicUint64 reads an integer topic. Request ids are uint256 on chain and a
// value outside uint64 range is a decode failure, not a truncation.
func topicUint64(t common.Hash) (uint64, error) {
	return wordUint64(new(big.Int).SetBytes(t.Bytes()))
}

func wordUint64(v *big.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, fmt.Errorf("value %s overflows uint64", v.String())
	}
	return v.Uint64(), nil
}

// requireTopics validates the indexed-field count before any slicing.
func requireTopics(log types.Log, n int) error {
	if len(log.Topics) != n {
		return fmt.Errorf("expected %d topics, got %d", n, len(log.Topics))
	}
	return nil
}

// unpackData unpacks the non-indexed fields, enforcing exact word alignment.
func unpackData(args abi.Arguments, log types.Log) ([]interface{}, error) {
	if len(log.Data) != 32*len(args) {
		return nil, fmt.Errorf("expected %d data bytes, got %d", 32*len(args), len(log.Data))
	}
	return args.Unpack(log.Data)
}

// rawWords slices log data into 32-byte words after validating its length.
func rawWords(log types.Log, min int) ([]*big.Int, error) {
	if len(log.Data)%32 != 0 {
		return nil, fmt.Errorf("data length %d is not word aligned", len(log.Data))
	}
	n := len(log.Data) / 32
	if n < min {
		return nil, fmt.Errorf("expected at least %d data words, got %d", min, n)
	}
	words := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		words[i] = new(big.Int).SetBytes(log.Data[i*32 : (i+1)*32])
	}
	return words, nil
}

// Router events.
var (
	// IntentCreated(bytes32 indexed intentHash, address indexed user,
	// address vault, address asset, uint256 amount, uint256 nonce,
	// uint256 deadline)
	sigIntentCreated = sigHash("IntentCreated(bytes32,address,address,address,uint256,uint256,uint256)")

	// DepositExecuted(bytes32 indexed intentHash, address indexed user,
	// address vault, uint256 amount, uint256 shares)
	sigDepositExecuted = sigHash("DepositExecuted(bytes32,address,address,uint256,uint256)")

	// AsyncDepositRequested(address indexed user, address indexed vault,
	// uint256 amount, uint256 requestId)
	sigAsyncDepositRequested = sigHash("AsyncDepositRequested(address,address,uint256,uint256)")

	// FeeCollected(address indexed vault, address asset, uint256 amount)
	sigFeeCollected = sigHash("FeeCollected(address,address,uint256)")

	// IntentCancelled(bytes32 indexed intentHash, address indexed user)
	sigIntentCancelled = sigHash("IntentCancelled(bytes32,address)")
)

// Vault events, ERC-4626/7540 shapes plus legacy variants.
var (
	// DepositRequest(address indexed controller, address indexed owner,
	// uint256 indexed requestId, address sender, uint256 assets)
	sigDepositRequest = sigHash("DepositRequest(address,address,uint256,address,uint256)")

	// Deposit(address indexed sender, address indexed owner,
	// uint256 assets, uint256 shares)
	sigDeposit = sigHash("Deposit(address,address,uint256,uint256)")

	// DepositSettled(uint256 indexed requestId, address indexed receiver,
	// uint256 assets, uint256 shares)
	sigDepositSettled = sigHash("DepositSettled(uint256,address,uint256,uint256)")

	// RedeemRequest(address indexed controller, address indexed owner,
	// uint256 indexed requestId, address sender, uint256 shares)
	sigRedeemRequest = sigHash("RedeemRequest(address,address,uint256,address,uint256)")

	// RedeemSettled(uint256 indexed requestId, address indexed receiver,
	// uint256 shares, uint256 assets)
	sigRedeemSettled = sigHash("RedeemSettled(uint256,address,uint256,uint256)")

	// Withdraw(address indexed sender, address indexed receiver,
	// address indexed owner, uint256 assets, uint256 shares)
	sigWithdraw = sigHash("Withdraw(address,address,address,uint256,uint256)")

	// Legacy vendor variants, same semantics as the request events above.
	// DepositRequested(address indexed owner, uint256 assets, uint256 requestId)
	sigLegacyDepositRequested = sigHash("DepositRequested(address,uint256,uint256)")
	// RedeemRequested(address indexed owner, uint256 shares, uint256 requestId)
	sigLegacyRedeemRequested = sigHash("RedeemRequested(address,uint256,uint256)")
)

// eventRegistry maps topic0 to its decoder.
var eventRegistry = map[common.Hash]eventDef{
	sigIntentCreated: {
		name: "IntentCreated",
		kind: KindIntentCreated,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 3); err != nil {
				return nil, err
			}
			vals, err := unpackData(dataArgs(typeAddress, typeAddress, typeUint256, typeUint256, typeUint256), log)
			if err != nil {
				return nil, err
			}
			return &DecodedEvent{
				Kind:       KindIntentCreated,
				IntentHash: log.Topics[1].Hex(),
				User:       topicAddress(log.Topics[2]),
				Vault:      vals[0].(common.Address).Hex(),
				Asset:      vals[1].(common.Address).Hex(),
				Amount:     toDecimal(vals[2].(*big.Int)),
				Nonce:      vals[3].(*big.Int).Uint64(),
				Deadline:   vals[4].(*big.Int).Uint64(),
				Origin:     log.Address.Hex(),
			}, nil
		},
	},
	sigDepositExecuted: {
		name: "DepositExecuted",
		kind: KindDepositExecuted,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 3); err != nil {
				return nil, err
			}
			vals, err := unpackData(dataArgs(typeAddress, typeUint256, typeUint256), log)
			if err != nil {
				return nil, err
			}
			return &DecodedEvent{
				Kind:       KindDepositExecuted,
				IntentHash: log.Topics[1].Hex(),
				User:       topicAddress(log.Topics[2]),
				Vault:      vals[0].(common.Address).Hex(),
				Amount:     toDecimal(vals[1].(*big.Int)),
				Shares:     toDecimal(vals[2].(*big.Int)),
				Origin:     log.Address.Hex(),
			}, nil
		},
	},
	sigAsyncDepositRequested: {
		name: "AsyncDepositRequested",
		kind: KindAsyncDepositRequested,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 3); err != nil {
				return nil, err
			}
			vals, err := unpackData(dataArgs(typeUint256, typeUint256), log)
			if err != nil {
				return nil, err
			}
			requestID, err := wordUint64(vals[1].(*big.Int))
			if err != nil {
				return nil, fmt.Errorf("request id: %w", err)
			}
			return &DecodedEvent{
				Kind:      KindAsyncDepositRequested,
				User:      topicAddress(log.Topics[1]),
				Vault:     topicAddress(log.Topics[2]),
				Amount:    toDecimal(vals[0].(*big.Int)),
				RequestID: &requestID,
				Origin:    log.Address.Hex(),
			}, nil
		},
	},
	sigFeeCollected: {
		name: "FeeCollected",
		kind: KindFeeCollected,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 2); err != nil {
				return nil, err
			}
			vals, err := unpackData(dataArgs(typeAddress, typeUint256), log)
			if err != nil {
				return nil, err
			}
			return &DecodedEvent{
				Kind:   KindFeeCollected,
				Vault:  topicAddress(log.Topics[1]),
				Asset:  vals[0].(common.Address).Hex(),
				Amount: toDecimal(vals[1].(*big.Int)),
				Origin: log.Address.Hex(),
			}, nil
		},
	},
	sigIntentCancelled: {
		name: "IntentCancelled",
		kind: KindIntentCancelled,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 3); err != nil {
				return nil, err
			}
			return &DecodedEvent{
				Kind:       KindIntentCancelled,
				IntentHash: log.Topics[1].Hex(),
				User:       topicAddress(log.Topics[2]),
				Origin:     log.Address.Hex(),
			}, nil
		},
	},
	sigDepositRequest: {
		name: "DepositRequest",
		kind: KindDepositRequested,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 4); err != nil {
				return nil, err
			}
			vals, err := unpackData(dataArgs(typeAddress, typeUint256), log)
			if err != nil {
				return nil, err
			}
			requestID, err := topicUint64(log.Topics[3])
			if err != nil {
				return nil, fmt.Errorf("request id: %w", err)
			}
			return &DecodedEvent{
				Kind:      KindDepositRequested,
				User:      topicAddress(log.Topics[2]),
				Origin:    vals[0].(common.Address).Hex(),
				Amount:    toDecimal(vals[1].(*big.Int)),
				RequestID: &requestID,
				Vault:     log.Address.Hex(),
			}, nil
		},
		rawFallback: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 4); err != nil {
				return nil, err
			}
			words, err := rawWords(log, 2)
			if err != nil {
				return nil, err
			}
			requestID, err := topicUint64(log.Topics[3])
			if err != nil {
				return nil, fmt.Errorf("request id: %w", err)
			}
			return &DecodedEvent{
				Kind:      KindDepositRequested,
				User:      topicAddress(log.Topics[2]),
				Origin:    common.BytesToAddress(words[0].Bytes()).Hex(),
				Amount:    toDecimal(words[1]),
				RequestID: &requestID,
				Vault:     log.Address.Hex(),
			}, nil
		},
	},
	sigDeposit: {
		name: "Deposit",
		kind: KindDeposit,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 3); err != nil {
				return nil, err
			}
			vals, err := unpackData(dataArgs(typeUint256, typeUint256), log)
			if err != nil {
				return nil, err
			}
			return &DecodedEvent{
				Kind:   KindDeposit,
				Origin: topicAddress(log.Topics[1]),
				User:   topicAddress(log.Topics[2]),
				Amount: toDecimal(vals[0].(*big.Int)),
				Shares: toDecimal(vals[1].(*big.Int)),
				Vault:  log.Address.Hex(),
			}, nil
		},
	},
	sigDepositSettled: {
		name: "DepositSettled",
		kind: KindDepositSettled,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 3); err != nil {
				return nil, err
			}
			vals, err := unpackData(dataArgs(typeUint256, typeUint256), log)
			if err != nil {
				return nil, err
			}
			requestID, err := topicUint64(log.Topics[1])
			if err != nil {
				return nil, fmt.Errorf("request id: %w", err)
			}
			return &DecodedEvent{
				Kind:      KindDepositSettled,
				RequestID: &requestID,
				User:      topicAddress(log.Topics[2]),
				Assets:    toDecimal(vals[0].(*big.Int)),
				Shares:    toDecimal(vals[1].(*big.Int)),
				Vault:     log.Address.Hex(),
				Origin:    log.Address.Hex(),
			}, nil
		},
	},
	sigRedeemRequest: {
		name: "RedeemRequest",
		kind: KindRedeemRequested,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 4); err != nil {
				return nil, err
			}
			vals, err := unpackData(dataArgs(typeAddress, typeUint256), log)
			if err != nil {
				return nil, err
			}
			requestID, err := topicUint64(log.Topics[3])
			if err != nil {
				return nil, fmt.Errorf("request id: %w", err)
			}
			return &DecodedEvent{
				Kind:      KindRedeemRequested,
				User:      topicAddress(log.Topics[2]),
				Origin:    vals[0].(common.Address).Hex(),
				Shares:    toDecimal(vals[1].(*big.Int)),
				RequestID: &requestID,
				Vault:     log.Address.Hex(),
			}, nil
		},
		rawFallback: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 4); err != nil {
				return nil, err
			}
			words, err := rawWords(log, 2)
			if err != nil {
				return nil, err
			}
			requestID, err := topicUint64(log.Topics[3])
			if err != nil {
				return nil, fmt.Errorf("request id: %w", err)
			}
			return &DecodedEvent{
				Kind:      KindRedeemRequested,
				User:      topicAddress(log.Topics[2]),
				Origin:    common.BytesToAddress(words[0].Bytes()).Hex(),
				Shares:    toDecimal(words[1]),
				RequestID: &requestID,
				Vault:     log.Address.Hex(),
			}, nil
		},
	},
	sigRedeemSettled: {
		name: "RedeemSettled",
		kind: KindRedeemSettled,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 3); err != nil {
				return nil, err
			}
			vals, err := unpackData(dataArgs(typeUint256, typeUint256), log)
			if err != nil {
				return nil, err
			}
			requestID, err := topicUint64(log.Topics[1])
			if err != nil {
				return nil, fmt.Errorf("request id: %w", err)
			}
			return &DecodedEvent{
				Kind:      KindRedeemSettled,
				RequestID: &requestID,
				User:      topicAddress(log.Topics[2]),
				Shares:    toDecimal(vals[0].(*big.Int)),
				Assets:    toDecimal(vals[1].(*big.Int)),
				Vault:     log.Address.Hex(),
				Origin:    log.Address.Hex(),
			}, nil
		},
	},
	sigWithdraw: {
		name: "Withdraw",
		kind: KindWithdraw,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 4); err != nil {
				return nil, err
			}
			vals, err := unpackData(dataArgs(typeUint256, typeUint256), log)
			if err != nil {
				return nil, err
			}
			return &DecodedEvent{
				Kind:   KindWithdraw,
				Origin: topicAddress(log.Topics[1]),
				User:   topicAddress(log.Topics[3]),
				Assets: toDecimal(vals[0].(*big.Int)),
				Shares: toDecimal(vals[1].(*big.Int)),
				Vault:  log.Address.Hex(),
			}, nil
		},
	},
	sigLegacyDepositRequested: {
		name: "DepositRequested",
		kind: KindDepositRequested,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 2); err != nil {
				return nil, err
			}
			words, err := rawWords(log, 2)
			if err != nil {
				return nil, err
			}
			requestID, err := wordUint64(words[1])
			if err != nil {
				return nil, fmt.Errorf("request id: %w", err)
			}
			owner := topicAddress(log.Topics[1])
			return &DecodedEvent{
				Kind:      KindDepositRequested,
				User:      owner,
				Origin:    owner, // legacy event carries no separate sender
				Amount:    toDecimal(words[0]),
				RequestID: &requestID,
				Vault:     log.Address.Hex(),
			}, nil
		},
	},
	sigLegacyRedeemRequested: {
		name: "RedeemRequested",
		kind: KindRedeemRequested,
		decode: func(log types.Log) (*DecodedEvent, error) {
			if err := requireTopics(log, 2); err != nil {
				return nil, err
			}
			words, err := rawWords(log, 2)
			if err != nil {
				return nil, err
			}
			requestID, err := wordUint64(words[1])
			if err != nil {
				return nil, fmt.Errorf("request id: %w", err)
			}
			owner := topicAddress(log.Topics[1])
			return &DecodedEvent{
				Kind:      KindRedeemRequested,
				User:      owner,
				Origin:    owner,
				Shares:    toDecimal(words[0]),
				RequestID: &requestID,
				Vault:     log.Address.Hex(),
			}, nil
		},
	},
}

// AllTopics returns every registered topic0 for the scan filter.
func AllTopics() []common.Hash {
	topics := make([]common.Hash, 0, len(eventRegistry))
	for h := range eventRegistry {
		topics = append(topics, h)
	}
	return topics
}
