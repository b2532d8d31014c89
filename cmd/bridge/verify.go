package main

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"balanceBridge/internal/config"
	"balanceBridge/internal/withdrawal"
)

func runVerify(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	player, _ := cmd.Flags().GetString("player")
	amountRaw, _ := cmd.Flags().GetString("amount")
	finalRaw, _ := cmd.Flags().GetString("final-balance")
	nonce, _ := cmd.Flags().GetUint64("nonce")
	sigHex, _ := cmd.Flags().GetString("signature")
	expect, _ := cmd.Flags().GetString("expect")

	if !common.IsHexAddress(player) {
		return fmt.Errorf("invalid player address %q", player)
	}
	amount, err := toBaseUnits(amountRaw, cfg.TokenDecimals)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	finalBalance, err := toBaseUnits(finalRaw, cfg.TokenDecimals)
	if err != nil {
		return fmt.Errorf("final balance: %w", err)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}

	recovered, err := withdrawal.Recover(withdrawal.Tuple{
		Player:       common.HexToAddress(player),
		Amount:       amount,
		FinalBalance: finalBalance,
		Nonce:        new(big.Int).SetUint64(nonce),
	}, sig)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "recovered signer: %s\n", recovered.Hex())

	if expect == "" {
		signer, err := withdrawal.NewSigner(cfg.SignerKey)
		if err != nil {
			return err
		}
		if signer == nil {
			return nil
		}
		expect = signer.Address().Hex()
	}
	if !common.IsHexAddress(expect) {
		return fmt.Errorf("invalid expected signer %q", expect)
	}
	if common.HexToAddress(expect) != recovered {
		return fmt.Errorf("signature was produced by %s, expected %s", recovered.Hex(), expect)
	}
	fmt.Fprintln(out, "signature valid")
	return nil
}

func toBaseUnits(raw string, decimals int32) (*big.Int, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	return withdrawal.ToBaseUnits(value, decimals)
}
