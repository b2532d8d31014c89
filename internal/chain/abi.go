package chain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"balanceBridge/internal/model"
)

const escrowABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "player", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "timestamp", "type": "uint256"}
    ],
    "name": "Deposited",
    "type": "event"
  }
]`

const withdrawalABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "player", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "finalBalance", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "nonce", "type": "uint256"}
    ],
    "name": "Withdrawn",
    "type": "event"
  }
]`

const faucetABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "user", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "TokensClaimed",
    "type": "event"
  }
]`

// DefaultEventName is the event watched for each contract when none is configured.
var DefaultEventName = map[model.ContractKind]string{
	model.ContractDeposit:    "Deposited",
	model.ContractWithdrawal: "Withdrawn",
	model.ContractFaucet:     "TokensClaimed",
}

var (
	abiOnce   sync.Once
	abiByKind map[model.ContractKind]abi.ABI
	abiErr    error
)

// ContractABI returns the parsed ABI for a watched contract.
func ContractABI(kind model.ContractKind) (abi.ABI, error) {
	abiOnce.Do(func() {
		abiByKind = make(map[model.ContractKind]abi.ABI, 3)
		sources := map[model.ContractKind]string{
			model.ContractDeposit:    escrowABIJSON,
			model.ContractWithdrawal: withdrawalABIJSON,
			model.ContractFaucet:     faucetABIJSON,
		}
		for kind, src := range sources {
			parsed, err := abi.JSON(strings.NewReader(src))
			if err != nil {
				abiErr = fmt.Errorf("parse %s abi: %w", kind, err)
				return
			}
			abiByKind[kind] = parsed
		}
	})
	if abiErr != nil {
		return abi.ABI{}, abiErr
	}
	parsed, ok := abiByKind[kind]
	if !ok {
		return abi.ABI{}, fmt.Errorf("no abi for contract %q", string(kind))
	}
	return parsed, nil
}
