package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/model"
	"balanceBridge/internal/retry"
)

const secretHeader = "X-Internal-Secret"

// PrimaryConfig configures the external primary processing service.
type PrimaryConfig struct {
	BaseURL string
	Secret  string
	Retries int
	Backoff time.Duration
	Timeout time.Duration
}

// PrimaryStrategy forwards events to an external service that owns its own
// ledger transaction. Attempts retry with linear backoff behind a breaker.
type PrimaryStrategy struct {
	cfg        PrimaryConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

type primaryEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func NewPrimaryStrategy(cfg PrimaryConfig, logger *zap.Logger) *PrimaryStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	settings := gobreaker.Settings{
		Name:        "primary-ledger",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || stopsPipeline(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &PrimaryStrategy{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     logger,
	}
}

func (p *PrimaryStrategy) Name() string { return StrategyPrimary }

func (p *PrimaryStrategy) Apply(ctx context.Context, kind model.ContractKind, _ model.EntryRequest, in EventInput) (Result, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		var res Result
		err := retry.Do(ctx, retry.Policy{
			Retries:   p.cfg.Retries,
			BaseDelay: p.cfg.Backoff,
			Backoff:   retry.Linear,
			Retryable: func(err error) bool { return !stopsPipeline(err) },
		}, func(ctx context.Context) error {
			var err error
			res, err = p.post(ctx, kind, in)
			return err
		})
		return res, err
	})
	if err != nil {
		return Result{}, err
	}
	return out.(Result), nil
}

func (p *PrimaryStrategy) post(ctx context.Context, kind model.ContractKind, in EventInput) (Result, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Result{}, fmt.Errorf("marshal primary request: %w", err)
	}
	url := fmt.Sprintf("%s/%s", p.cfg.BaseURL, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build primary request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Secret != "" {
		req.Header.Set(secretHeader, p.cfg.Secret)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}, apperr.Transient("primary request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, apperr.Transient("read primary response", err)
	}

	var env primaryEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if apperr.RetryableStatus(resp.StatusCode) {
			return Result{}, apperr.Transient("primary service", fmt.Errorf("status %d", resp.StatusCode))
		}
		return Result{}, fmt.Errorf("decode primary response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 300 || !env.Success {
		errKind := apperr.Kind(env.Error)
		if apperr.RetryableStatus(resp.StatusCode) || errKind == "" {
			return Result{}, apperr.Transient("primary service", fmt.Errorf("status %d: %s", resp.StatusCode, env.Message))
		}
		return Result{}, apperr.New(errKind, env.Message)
	}

	var res Result
	if err := json.Unmarshal(env.Data, &res); err != nil {
		return Result{}, fmt.Errorf("decode primary result: %w", err)
	}
	return res, nil
}
