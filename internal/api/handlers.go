package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/ledger"
	"balanceBridge/internal/listener"
	"balanceBridge/internal/model"
)

const (
	maxBodyBytes        = 64 << 10
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type eventRequest struct {
	WalletAddress string          `json:"walletAddress" validate:"required,eth_addr"`
	Amount        decimal.Decimal `json:"amount" validate:"positive_decimal"`
	TxHash        string          `json:"txHash" validate:"required,len=66,startswith=0x,hexadecimal"`
	BlockNumber   uint64          `json:"blockNumber" validate:"required,gt=0"`
	Timestamp     uint64          `json:"timestamp" validate:"required,gt=0"`
	LogIndex      uint64          `json:"logIndex"`
	Nonce         string          `json:"nonce" validate:"omitempty,numeric"`
}

type authorizeRequest struct {
	PlayerAddress string          `json:"playerAddress" validate:"required,eth_addr"`
	Amount        decimal.Decimal `json:"amount" validate:"positive_decimal"`
}

type balanceResponse struct {
	WalletAddress   string          `json:"walletAddress"`
	OffChainBalance decimal.Decimal `json:"offChainBalance"`
	TotalDeposited  decimal.Decimal `json:"totalDeposited"`
	TotalWithdrawn  decimal.Decimal `json:"totalWithdrawn"`
	WithdrawalNonce uint64          `json:"withdrawalNonce"`
}

type healthResponse struct {
	Status    string            `json:"status"`
	Store     string            `json:"store"`
	Listeners []listener.Status `json:"listeners,omitempty"`
}

func (s *Server) handleEvent(kind model.ContractKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req eventRequest
		if err := s.decode(w, r, &req); err != nil {
			writeError(w, s.logger, err)
			return
		}

		res, err := s.cfg.Processor.Process(r.Context(), kind, ledger.EventInput{
			WalletAddress: req.WalletAddress,
			Amount:        req.Amount,
			TxHash:        req.TxHash,
			BlockNumber:   req.BlockNumber,
			LogIndex:      req.LogIndex,
			Timestamp:     req.Timestamp,
			Nonce:         req.Nonce,
		})
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeData(w, http.StatusOK, res)
	}
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	auth, err := s.cfg.Authorizer.Authorize(r.Context(), req.PlayerAddress, req.Amount)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, auth)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	acc, err := s.cfg.Store.GetOrCreateAccount(r.Context(), wallet)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, balanceResponse{
		WalletAddress:   acc.WalletAddress,
		OffChainBalance: acc.OffChainBalance,
		TotalDeposited:  acc.TotalDeposited,
		TotalWithdrawn:  acc.TotalWithdrawn,
		WithdrawalNonce: acc.WithdrawalNonce,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, s.logger, apperr.Validation("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	entries, err := s.cfg.Store.ListEntries(r.Context(), wallet, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, entries)
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Listeners == nil {
		writeData(w, http.StatusOK, []listener.Status{})
		return
	}
	writeData(w, http.StatusOK, s.cfg.Listeners.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok"}
	status := http.StatusOK
	if err := s.cfg.Store.Ping(r.Context()); err != nil {
		resp.Status = "unavailable"
		resp.Store = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if s.cfg.Listeners != nil {
		resp.Listeners = s.cfg.Listeners.Status()
		if !s.cfg.Listeners.Healthy() && status == http.StatusOK {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body and validates it against its struct tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("invalid request body: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" failed "+fe.Tag())
			}
			return apperr.Validation("invalid request: %s", strings.Join(fields, ", "))
		}
		return apperr.Validation("invalid request: %v", err)
	}
	return nil
}

func walletParam(r *http.Request) (string, error) {
	wallet := chi.URLParam(r, "wallet")
	if !common.IsHexAddress(wallet) {
		return "", apperr.Validation("invalid wallet address")
	}
	return model.NormalizeWallet(wallet), nil
}
