// Package broadcast pushes best-effort balance notifications to WebSocket
// sessions. Delivery is at-most-once: a full session buffer drops the message,
// and clients re-fetch the authoritative balance when they reconnect.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"balanceBridge/internal/metrics"
	"balanceBridge/internal/model"
)

const (
	wsWriteTimeout       = 10 * time.Second
	defaultSessionBuffer = 16

	TypeBlockchainUpdate = "blockchain_update"
	TypeBalanceUpdate    = "balance_update"
)

// UpdateKind is the origin of a blockchain update.
type UpdateKind string

const (
	UpdateDeposit  UpdateKind = "deposit"
	UpdateWithdraw UpdateKind = "withdraw"
	UpdateFaucet   UpdateKind = "faucet"
)

// Message is the envelope written to sessions.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// BlockchainUpdate reports a chain-originated ledger change.
type BlockchainUpdate struct {
	Kind   UpdateKind `json:"kind"`
	Wallet string     `json:"wallet"`
	Amount string     `json:"amount"`
	TxHash string     `json:"txHash"`
}

// BalanceUpdate reports the new gameplay balance of a wallet.
type BalanceUpdate struct {
	Wallet     string `json:"wallet"`
	NewBalance string `json:"newBalance"`
}

type session struct {
	wallet string
	send   chan []byte
}

// Hub tracks sessions by wallet address.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
	buffer   int
	origins  []string
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewHub(buffer int, origins []string, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = defaultSessionBuffer
	}
	return &Hub{
		sessions: make(map[string]map[*session]struct{}),
		buffer:   buffer,
		origins:  origins,
		logger:   logger,
		metrics:  m,
	}
}

// Subscribe registers a session for wallet. The returned cancel func must be
// called once the session ends.
func (h *Hub) Subscribe(wallet string) (<-chan []byte, func()) {
	s := &session{wallet: model.NormalizeWallet(wallet), send: make(chan []byte, h.buffer)}

	h.mu.Lock()
	set := h.sessions[s.wallet]
	if set == nil {
		set = make(map[*session]struct{})
		h.sessions[s.wallet] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.send, func() {
		once.Do(func() {
			h.mu.Lock()
			if set := h.sessions[s.wallet]; set != nil {
				delete(set, s)
				if len(set) == 0 {
					delete(h.sessions, s.wallet)
				}
			}
			h.mu.Unlock()
		})
	}
}

// SessionCount returns the number of live sessions for wallet.
func (h *Hub) SessionCount(wallet string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[model.NormalizeWallet(wallet)])
}

// PublishBlockchainUpdate notifies sessions of a chain-originated change.
func (h *Hub) PublishBlockchainUpdate(kind UpdateKind, wallet string, amount decimal.Decimal, txHash string) {
	wallet = model.NormalizeWallet(wallet)
	h.publish(wallet, Message{
		Type: TypeBlockchainUpdate,
		Data: BlockchainUpdate{Kind: kind, Wallet: wallet, Amount: amount.String(), TxHash: txHash},
	})
}

// PublishGameBalance notifies sessions of a new off-chain balance.
func (h *Hub) PublishGameBalance(wallet string, newBalance decimal.Decimal) {
	wallet = model.NormalizeWallet(wallet)
	h.publish(wallet, Message{
		Type: TypeBalanceUpdate,
		Data: BalanceUpdate{Wallet: wallet, NewBalance: newBalance.String()},
	})
}

func (h *Hub) publish(wallet string, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("marshal notification", zap.Error(err), zap.String("type", msg.Type))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions[wallet] {
		select {
		case s.send <- payload:
		default:
			h.metrics.BroadcastDropped()
			h.logger.Debug("notification dropped", zap.String("wallet", wallet), zap.String("type", msg.Type))
		}
	}
}

// ServeHTTP upgrades GET /ws?wallet=0x... to a notification stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if !common.IsHexAddress(wallet) {
		http.Error(w, "wallet query parameter must be a 0x address", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := h.Subscribe(wallet)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	if err := stream(ctx, conn, updates); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			h.logger.Debug("websocket stream ended", zap.Error(err), zap.String("wallet", wallet))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func stream(ctx context.Context, conn *websocket.Conn, updates <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-updates:
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
