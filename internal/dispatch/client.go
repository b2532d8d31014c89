// Package dispatch delivers detected chain events to the internal processing
// endpoints over HTTP.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/ledger"
	"balanceBridge/internal/model"
	"balanceBridge/internal/retry"
)

// SecretHeader carries the shared internal credential.
const SecretHeader = "X-Internal-Secret"

// Config configures the internal endpoint client.
type Config struct {
	BaseURL  string
	Secret   string
	Retries  int
	Backoff  time.Duration
	Timeout  time.Duration
	Decimals int32
}

// Client posts events to /internal/{deposit,withdrawal,faucet}.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Dispatch delivers ev. Rejections (4xx) come back classified and are not
// retried; 5xx and transport failures are retried with exponential backoff
// and then surface as apperr Transient.
func (c *Client) Dispatch(ctx context.Context, ev model.ChainEvent) error {
	in, err := c.toInput(ev)
	if err != nil {
		return err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	url := fmt.Sprintf("%s/internal/%s", c.cfg.BaseURL, ev.Contract)

	return retry.Do(ctx, retry.Policy{
		Retries:   c.cfg.Retries,
		BaseDelay: c.cfg.Backoff,
		Backoff:   retry.Exponential,
		Retryable: apperr.Retryable,
	}, func(ctx context.Context) error {
		err := c.post(ctx, url, body)
		if err != nil && apperr.Retryable(err) {
			c.logger.Warn("dispatch attempt failed",
				zap.String("contract", string(ev.Contract)),
				zap.String("tx_hash", ev.TxHash),
				zap.Error(err),
			)
		}
		return err
	})
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, c.cfg.Secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transient("internal endpoint", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 300 {
		return nil
	}
	if apperr.RetryableStatus(resp.StatusCode) {
		return apperr.Transient("internal endpoint", fmt.Errorf("status %d", resp.StatusCode))
	}

	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	kind := apperr.Kind(eb.Error)
	if kind == "" || apperr.Retryable(apperr.New(kind, "")) {
		kind = apperr.KindValidation
	}
	msg := eb.Message
	if msg == "" {
		msg = fmt.Sprintf("rejected with status %d", resp.StatusCode)
	}
	return apperr.New(kind, msg)
}

func (c *Client) toInput(ev model.ChainEvent) (ledger.EventInput, error) {
	if ev.Amount == nil {
		return ledger.EventInput{}, apperr.Validation("event %s has no amount", ev.Key())
	}
	in := ledger.EventInput{
		WalletAddress: ev.Player,
		Amount:        decimal.NewFromBigInt(ev.Amount, -c.cfg.Decimals),
		TxHash:        ev.TxHash,
		BlockNumber:   ev.BlockNumber,
		LogIndex:      ev.LogIndex,
		Timestamp:     ev.Timestamp,
	}
	if ev.Nonce != nil {
		in.Nonce = ev.Nonce.String()
	}
	return in, nil
}
