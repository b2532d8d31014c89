package listener

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/chain"
	"balanceBridge/internal/model"
	"balanceBridge/internal/storage/memory"
)

type fakeSource struct {
	mu        sync.Mutex
	head      uint64
	deployed  bool
	codeErr   error
	headErr   error
	events    map[uint64][]model.ChainEvent
	pollCalls int
}

func newFakeSource(head uint64) *fakeSource {
	return &fakeSource{head: head, deployed: true, events: make(map[uint64][]model.ChainEvent)}
}

func (f *fakeSource) EnsureDeployed(_ context.Context, contract chain.Contract) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.codeErr != nil {
		return f.codeErr
	}
	if !f.deployed {
		return apperr.Fatal(fmt.Sprintf("no contract code at %s", contract.Address.Hex()), nil)
	}
	return nil
}

func (f *fakeSource) SafeHead(_ context.Context, confirmations uint64) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return 0, false, f.headErr
	}
	if f.head < confirmations {
		return 0, false, nil
	}
	return f.head - confirmations, true, nil
}

func (f *fakeSource) PollEvents(_ context.Context, _ chain.Contract, from, to uint64) ([]model.ChainEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	var out []model.ChainEvent
	for block := from; block <= to; block++ {
		out = append(out, f.events[block]...)
	}
	return out, nil
}

func (f *fakeSource) setHead(head uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
}

func (f *fakeSource) addEvent(block, logIndex uint64) model.ChainEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := model.ChainEvent{
		Contract:    model.ContractDeposit,
		TxHash:      fmt.Sprintf("0x%064x", block*100+logIndex),
		BlockNumber: block,
		LogIndex:    logIndex,
		Player:      "0x1111111111111111111111111111111111111111",
		Amount:      big.NewInt(1),
	}
	f.events[block] = append(f.events[block], ev)
	return ev
}

type fakeDispatcher struct {
	mu        sync.Mutex
	delivered []string
	failures  map[string]error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, ev model.ChainEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failures[ev.Key()]; ok {
		return err
	}
	d.delivered = append(d.delivered, ev.Key())
	return nil
}

func (d *fakeDispatcher) setFailure(key string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures == nil {
		d.failures = make(map[string]error)
	}
	if err == nil {
		delete(d.failures, key)
		return
	}
	d.failures[key] = err
}

func (d *fakeDispatcher) keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.delivered...)
}

func testContract(t *testing.T, kind model.ContractKind) chain.Contract {
	t.Helper()
	contract, err := chain.NewContract(kind, "0x2222222222222222222222222222222222222222", "")
	require.NoError(t, err)
	return contract
}

func TestPollDispatchesInOrderAndAdvances(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource(20)
	first := source.addEvent(5, 0)
	second := source.addEvent(5, 1)
	third := source.addEvent(12, 0)
	dispatcher := &fakeDispatcher{}
	store := memory.NewStore()

	l := New(testContract(t, model.ContractDeposit), source, dispatcher, NewStoreCursor(store),
		Config{BatchSize: 4, StartBlock: 1}, nil, nil)
	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Poll(ctx))

	assert.Equal(t, []string{first.Key(), second.Key(), third.Key()}, dispatcher.keys())
	assert.Equal(t, uint64(20), l.LastProcessed())
	state, ok, err := store.LoadListenerState(ctx, "deposit")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), state.LastProcessedBlock)

	// Nothing new: no further dispatch.
	require.NoError(t, l.Poll(ctx))
	assert.Len(t, dispatcher.keys(), 3)
}

func TestPollHoldsCursorOnRetryableFailure(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource(10)
	first := source.addEvent(3, 0)
	failing := source.addEvent(3, 1)
	dispatcher := &fakeDispatcher{}
	dispatcher.setFailure(failing.Key(), apperr.Transient("endpoint down", errors.New("503")))
	store := memory.NewStore()

	l := New(testContract(t, model.ContractDeposit), source, dispatcher, NewStoreCursor(store),
		Config{BatchSize: 100, StartBlock: 1}, nil, nil)
	require.NoError(t, l.Init(ctx))

	err := l.Poll(ctx)
	require.Error(t, err)
	assert.Equal(t, uint64(0), l.LastProcessed())
	_, ok, _ := store.LoadListenerState(ctx, "deposit")
	assert.False(t, ok, "cursor must not move past an undelivered event")

	dispatcher.setFailure(failing.Key(), nil)
	require.NoError(t, l.Poll(ctx))
	assert.Equal(t, []string{first.Key(), failing.Key()}, dispatcher.keys(), "delivered events are not re-sent in-process")
	assert.Equal(t, uint64(10), l.LastProcessed())
}

func TestPollSkipsRejectedEvents(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource(10)
	rejected := source.addEvent(4, 0)
	accepted := source.addEvent(6, 0)
	dispatcher := &fakeDispatcher{}
	dispatcher.setFailure(rejected.Key(), apperr.InsufficientFunds("insufficient balance"))

	l := New(testContract(t, model.ContractWithdrawal), source, dispatcher, NewStoreCursor(memory.NewStore()),
		Config{BatchSize: 100, StartBlock: 1}, nil, nil)
	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Poll(ctx))

	assert.Equal(t, []string{accepted.Key()}, dispatcher.keys())
	assert.Equal(t, uint64(10), l.LastProcessed())
}

func TestInitStartBlockSemantics(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource(100)
	store := memory.NewStore()

	fresh := New(testContract(t, model.ContractFaucet), source, &fakeDispatcher{}, NewStoreCursor(store),
		Config{Confirmations: 10}, nil, nil)
	require.NoError(t, fresh.Init(ctx))
	assert.Equal(t, uint64(89), fresh.LastProcessed(), "no cursor and no start block starts at the safe head")
	anchored, ok, err := store.LoadListenerState(ctx, "faucet")
	require.NoError(t, err)
	require.True(t, ok, "head anchor is persisted")
	assert.Equal(t, uint64(89), anchored.LastProcessedBlock)

	require.NoError(t, store.SaveListenerState(ctx, "faucet", 42))
	resumed := New(testContract(t, model.ContractFaucet), source, &fakeDispatcher{}, NewStoreCursor(store),
		Config{Confirmations: 10, StartBlock: 7}, nil, nil)
	require.NoError(t, resumed.Init(ctx))
	assert.Equal(t, uint64(42), resumed.LastProcessed(), "cursor wins over start block")
}

func TestReinitAfterFailedFirstPollKeepsHeadAnchor(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource(100)
	pending := source.addEvent(100, 0)
	dispatcher := &fakeDispatcher{}
	dispatcher.setFailure(pending.Key(), apperr.Transient("endpoint down", errors.New("503")))
	store := memory.NewStore()

	l := New(testContract(t, model.ContractDeposit), source, dispatcher, NewStoreCursor(store),
		Config{BatchSize: 100}, nil, nil)
	require.NoError(t, l.Init(ctx))
	require.Error(t, l.Poll(ctx))

	source.setHead(110)
	dispatcher.setFailure(pending.Key(), nil)

	require.NoError(t, l.Init(ctx))
	assert.Equal(t, uint64(99), l.LastProcessed())
	require.NoError(t, l.Poll(ctx))
	assert.Equal(t, []string{pending.Key()}, dispatcher.keys())
	assert.Equal(t, uint64(110), l.LastProcessed())

	// A new process resumes from the persisted cursor as well.
	late := source.addEvent(111, 0)
	source.setHead(111)
	restarted := New(testContract(t, model.ContractDeposit), source, dispatcher, NewStoreCursor(store),
		Config{BatchSize: 100}, nil, nil)
	require.NoError(t, restarted.Init(ctx))
	require.NoError(t, restarted.Poll(ctx))
	assert.Equal(t, []string{pending.Key(), late.Key()}, dispatcher.keys())
}

func TestInitFailsOnMissingCode(t *testing.T) {
	source := newFakeSource(10)
	source.deployed = false
	l := New(testContract(t, model.ContractDeposit), source, &fakeDispatcher{}, NewStoreCursor(memory.NewStore()),
		Config{}, nil, nil)
	err := l.Init(context.Background())
	assert.Equal(t, apperr.KindFatal, apperr.KindOf(err))
}
