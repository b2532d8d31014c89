package withdrawal

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/storage/memory"
)

const (
	testKey    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testPlayer = "0x1111111111111111111111111111111111111111"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	signer, err := NewSigner("0x" + testKey)
	require.NoError(t, err)
	require.NotNil(t, signer)
	return signer
}

func TestDigestMatchesPackedEncoding(t *testing.T) {
	tuple := Tuple{
		Player:       common.HexToAddress(testPlayer),
		Amount:       big.NewInt(1),
		FinalBalance: big.NewInt(2),
		Nonce:        big.NewInt(3),
	}
	digest, err := tuple.Digest()
	require.NoError(t, err)

	packed := "1111111111111111111111111111111111111111" +
		strings.Repeat("0", 63) + "1" +
		strings.Repeat("0", 63) + "2" +
		strings.Repeat("0", 63) + "3"
	want := crypto.Keccak256Hash(common.Hex2Bytes(packed))
	assert.Equal(t, want, digest)
}

func TestDigestRejectsOutOfRange(t *testing.T) {
	tuple := Tuple{Player: common.HexToAddress(testPlayer), Amount: big.NewInt(-1), FinalBalance: big.NewInt(0), Nonce: big.NewInt(0)}
	_, err := tuple.Digest()
	assert.Error(t, err)

	tuple.Amount = new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = tuple.Digest()
	assert.Error(t, err)
}

func TestSignatureRecoversSigner(t *testing.T) {
	signer := newTestSigner(t)
	tuple := Tuple{
		Player:       common.HexToAddress(testPlayer),
		Amount:       big.NewInt(100),
		FinalBalance: big.NewInt(400),
		Nonce:        big.NewInt(9),
	}
	sig, err := signer.Sign(tuple)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	recovered, err := Recover(tuple, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)

	tampered := tuple
	tampered.Nonce = big.NewInt(10)
	other, err := Recover(tampered, sig)
	require.NoError(t, err)
	assert.NotEqual(t, signer.Address(), other)
}

func TestNewSignerEmptyKey(t *testing.T) {
	signer, err := NewSigner("  ")
	require.NoError(t, err)
	assert.Nil(t, signer)

	_, err = NewSigner("zz")
	assert.Error(t, err)
}

func TestBaseUnits(t *testing.T) {
	wei, err := ToBaseUnits(decimal.RequireFromString("1.5"), 18)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", wei.String())

	_, err = ToBaseUnits(decimal.RequireFromString("0.0000001"), 6)
	assert.Error(t, err)

	assert.True(t, FromBaseUnits(wei, 18).Equal(decimal.RequireFromString("1.5")))
}

func TestAuthorize(t *testing.T) {
	store := memory.NewStore()
	store.SetBalance(testPlayer, decimal.NewFromInt(500))
	signer := newTestSigner(t)
	auth := NewAuthorizer(store, signer, 18, nil)

	out, err := auth.Authorize(context.Background(), testPlayer, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out.Nonce)
	assert.True(t, out.FinalBalance.Equal(decimal.NewFromInt(400)))
	assert.Equal(t, testPlayer, out.PlayerAddress)

	sig, err := hexutil.Decode(out.Signature)
	require.NoError(t, err)
	amountWei, _ := ToBaseUnits(decimal.NewFromInt(100), 18)
	finalWei, _ := ToBaseUnits(decimal.NewFromInt(400), 18)
	recovered, err := Recover(Tuple{
		Player:       common.HexToAddress(testPlayer),
		Amount:       amountWei,
		FinalBalance: finalWei,
		Nonce:        new(big.Int).SetUint64(out.Nonce),
	}, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)

	acc, err := store.GetAccount(context.Background(), testPlayer)
	require.NoError(t, err)
	assert.True(t, acc.OffChainBalance.Equal(decimal.NewFromInt(500)), "authorizing must not debit the ledger")

	record, err := store.FindAuthorization(context.Background(), testPlayer, out.Nonce)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, out.Signature, record.Signature)
}

func TestAuthorizeClampsFinalBalance(t *testing.T) {
	store := memory.NewStore()
	store.SetBalance(testPlayer, decimal.NewFromInt(50))
	auth := NewAuthorizer(store, newTestSigner(t), 18, nil)

	out, err := auth.Authorize(context.Background(), testPlayer, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, out.FinalBalance.IsZero())
}

func TestAuthorizeNoncesNeverRepeat(t *testing.T) {
	store := memory.NewStore()
	store.SetBalance(testPlayer, decimal.NewFromInt(1000))
	auth := NewAuthorizer(store, newTestSigner(t), 18, nil)

	const calls = 64
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces = make(map[uint64]int)
	)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := auth.Authorize(context.Background(), testPlayer, decimal.NewFromInt(1))
			if err != nil {
				t.Errorf("authorize: %v", err)
				return
			}
			mu.Lock()
			nonces[out.Nonce]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, nonces, calls)
	for nonce, count := range nonces {
		assert.Equal(t, 1, count, "nonce %d reused", nonce)
	}
}

func TestAuthorizeErrors(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	_, err := NewAuthorizer(store, nil, 18, nil).Authorize(ctx, testPlayer, decimal.NewFromInt(1))
	assert.Equal(t, apperr.KindServiceUnavailable, apperr.KindOf(err))

	auth := NewAuthorizer(store, newTestSigner(t), 18, nil)
	_, err = auth.Authorize(ctx, testPlayer, decimal.NewFromInt(1))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = auth.Authorize(ctx, "0x123", decimal.NewFromInt(1))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = auth.Authorize(ctx, testPlayer, decimal.Zero)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
