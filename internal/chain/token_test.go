package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type fakeCaller struct {
	decimals      uint8
	symbol        string
	bytes32Symbol bool
	fail          bool
}

func (f fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.fail {
		return nil, errors.New("execution reverted")
	}
	parsed, err := erc20ABIStringInstance()
	if err != nil {
		return nil, err
	}
	switch {
	case bytes.Equal(msg.Data[:4], parsed.Methods["decimals"].ID):
		return parsed.Methods["decimals"].Outputs.Pack(f.decimals)
	case bytes.Equal(msg.Data[:4], parsed.Methods["symbol"].ID):
		if f.bytes32Symbol {
			var raw [32]byte
			copy(raw[:], f.symbol)
			return raw[:], nil
		}
		return parsed.Methods["symbol"].Outputs.Pack(f.symbol)
	}
	return nil, errors.New("unknown selector")
}

func TestFetchTokenMeta(t *testing.T) {
	token := common.HexToAddress("0x7777777777777777777777777777777777777777")

	meta, err := FetchTokenMeta(context.Background(), fakeCaller{decimals: 6, symbol: "CHIP"}, token)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if meta.Decimals != 6 || meta.Symbol != "CHIP" {
		t.Fatalf("unexpected meta: %+v", meta)
	}

	meta, err = FetchTokenMeta(context.Background(), fakeCaller{decimals: 18, symbol: "MKR", bytes32Symbol: true}, token)
	if err != nil {
		t.Fatalf("fetch bytes32: %v", err)
	}
	if meta.Decimals != 18 || meta.Symbol != "MKR" {
		t.Fatalf("unexpected meta: %+v", meta)
	}

	if _, err := FetchTokenMeta(context.Background(), fakeCaller{fail: true}, token); err == nil {
		t.Fatalf("expected error when decimals call fails")
	}
}
