package model

import "testing"

func TestContractKindEntryKind(t *testing.T) {
	cases := map[ContractKind]EntryKind{
		ContractDeposit:    EntryDeposit,
		ContractWithdrawal: EntryWithdrawal,
		ContractFaucet:     EntrySignupBonus,
	}
	for contract, want := range cases {
		got, err := contract.EntryKind()
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", contract, err)
		}
		if got != want {
			t.Fatalf("%s: got %s want %s", contract, got, want)
		}
	}
	if _, err := ContractKind("staking").EntryKind(); err == nil {
		t.Fatalf("expected error for unknown contract")
	}
}

func TestChainEventKeyIsCaseInsensitive(t *testing.T) {
	a := ChainEvent{TxHash: "0xABCDEF", LogIndex: 3}
	b := ChainEvent{TxHash: "0xabcdef", LogIndex: 3}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %s != %s", a.Key(), b.Key())
	}
	c := ChainEvent{TxHash: "0xabcdef", LogIndex: 4}
	if a.Key() == c.Key() {
		t.Fatalf("distinct log index should produce distinct keys")
	}
}

func TestNormalizeWallet(t *testing.T) {
	got := NormalizeWallet("  0xAbCdEf0000000000000000000000000000000001 ")
	want := "0xabcdef0000000000000000000000000000000001"
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}
