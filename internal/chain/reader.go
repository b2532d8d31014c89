package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/model"
)

// LogSource is the subset of RPC calls the reader needs.
type LogSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// Contract is a watched contract together with the event it emits.
type Contract struct {
	Kind    model.ContractKind
	Address common.Address
	ABI     abi.ABI
	Event   abi.Event
}

// NewContract resolves the event for a watched contract. An empty eventName
// selects the default event for the kind.
func NewContract(kind model.ContractKind, address string, eventName string) (Contract, error) {
	if !common.IsHexAddress(address) {
		return Contract{}, apperr.Fatal(fmt.Sprintf("invalid %s contract address %q", kind, address), nil)
	}
	parsed, err := ContractABI(kind)
	if err != nil {
		return Contract{}, apperr.Fatal("load contract abi", err)
	}
	if eventName == "" {
		eventName = DefaultEventName[kind]
	}
	event, ok := parsed.Events[eventName]
	if !ok {
		return Contract{}, apperr.Fatal(fmt.Sprintf("event %q not in %s abi", eventName, kind), nil)
	}
	return Contract{
		Kind:    kind,
		Address: common.HexToAddress(address),
		ABI:     parsed,
		Event:   event,
	}, nil
}

// Topic returns the event signature hash.
func (c Contract) Topic() common.Hash {
	return c.Event.ID
}

// Reader polls a JSON-RPC endpoint for decoded contract events.
type Reader struct {
	source LogSource
	logger *zap.Logger
}

func NewReader(source LogSource, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{source: source, logger: logger}
}

// EnsureDeployed fails with a fatal error when no code lives at the address.
func (r *Reader) EnsureDeployed(ctx context.Context, contract Contract) error {
	code, err := r.source.CodeAt(ctx, contract.Address)
	if err != nil {
		return apperr.Transient(fmt.Sprintf("get code for %s contract", contract.Kind), err)
	}
	if len(code) == 0 {
		return apperr.Fatal(fmt.Sprintf("no contract code at %s (%s)", contract.Address.Hex(), contract.Kind), nil)
	}
	return nil
}

// SafeHead returns the newest block with at least confirmations blocks on top
// of it. ok is false while the chain is shorter than the confirmation depth.
func (r *Reader) SafeHead(ctx context.Context, confirmations uint64) (uint64, bool, error) {
	latest, err := r.source.LatestBlockNumber(ctx)
	if err != nil {
		return 0, false, apperr.Transient("get latest block", err)
	}
	if latest < confirmations {
		return 0, false, nil
	}
	return latest - confirmations, true, nil
}

// PollEvents returns the decoded events of contract in [fromBlock, toBlock].
// Any RPC failure is transient and nothing is returned, so the caller can
// retry the same range.
func (r *Reader) PollEvents(ctx context.Context, contract Contract, fromBlock, toBlock uint64) ([]model.ChainEvent, error) {
	if toBlock < fromBlock {
		return nil, fmt.Errorf("to block must be >= from block")
	}
	logs, err := r.source.FilterLogs(ctx, fromBlock, toBlock, []common.Address{contract.Address}, []common.Hash{contract.Topic()})
	if err != nil {
		return nil, apperr.Transient(fmt.Sprintf("filter %s logs %d-%d", contract.Kind, fromBlock, toBlock), err)
	}

	events := make([]model.ChainEvent, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		event, err := decodeLog(contract, log)
		if err != nil {
			r.logger.Warn("skip undecodable log",
				zap.String("contract", string(contract.Kind)),
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Error(err),
			)
			continue
		}
		if event.Timestamp == 0 {
			ts, err := r.source.BlockTimestamp(ctx, log.BlockNumber)
			if err != nil {
				return nil, apperr.Transient(fmt.Sprintf("block timestamp %d", log.BlockNumber), err)
			}
			event.Timestamp = ts
		}
		events = append(events, event)
	}
	return events, nil
}

func decodeLog(contract Contract, log types.Log) (model.ChainEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != contract.Topic() {
		return model.ChainEvent{}, fmt.Errorf("topic0 mismatch")
	}

	values := make(map[string]interface{})
	if len(log.Data) > 0 {
		if err := contract.ABI.UnpackIntoMap(values, contract.Event.Name, log.Data); err != nil {
			return model.ChainEvent{}, fmt.Errorf("unpack data: %w", err)
		}
	}

	var indexed abi.Arguments
	for _, input := range contract.Event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(log.Topics)-1 != len(indexed) {
		return model.ChainEvent{}, fmt.Errorf("expected %d indexed topics, got %d", len(indexed), len(log.Topics)-1)
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
		return model.ChainEvent{}, fmt.Errorf("parse topics: %w", err)
	}

	player, err := firstAddress(contract.Event.Inputs, values)
	if err != nil {
		return model.ChainEvent{}, err
	}
	amount, err := asBigInt(values["amount"])
	if err != nil {
		return model.ChainEvent{}, fmt.Errorf("amount: %w", err)
	}

	event := model.ChainEvent{
		Contract:    contract.Kind,
		TxHash:      log.TxHash.Hex(),
		BlockNumber: log.BlockNumber,
		LogIndex:    uint64(log.Index),
		Player:      model.NormalizeWallet(player.Hex()),
		Amount:      amount,
	}
	if raw, ok := values["nonce"]; ok {
		if event.Nonce, err = asBigInt(raw); err != nil {
			return model.ChainEvent{}, fmt.Errorf("nonce: %w", err)
		}
	}
	if raw, ok := values["timestamp"]; ok {
		ts, err := asBigInt(raw)
		if err != nil {
			return model.ChainEvent{}, fmt.Errorf("timestamp: %w", err)
		}
		if ts.IsUint64() {
			event.Timestamp = ts.Uint64()
		}
	}
	return event, nil
}

func firstAddress(inputs abi.Arguments, values map[string]interface{}) (common.Address, error) {
	for _, input := range inputs {
		if input.Type.T != abi.AddressTy {
			continue
		}
		addr, ok := values[input.Name].(common.Address)
		if !ok {
			return common.Address{}, fmt.Errorf("%s: unexpected type %T", input.Name, values[input.Name])
		}
		return addr, nil
	}
	return common.Address{}, fmt.Errorf("event has no address argument")
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("nil value")
		}
		return new(big.Int).Set(v), nil
	case nil:
		return nil, fmt.Errorf("missing value")
	default:
		return nil, fmt.Errorf("unexpected type %T", value)
	}
}
