// Package api is the HTTP surface of the bridge: the secret-guarded internal
// processing endpoints, the withdrawal authorization endpoint, read-only
// account views, and the operational routes.
package api

import (
	"context"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"balanceBridge/internal/ledger"
	"balanceBridge/internal/listener"
	"balanceBridge/internal/metrics"
	"balanceBridge/internal/model"
	"balanceBridge/internal/storage"
	"balanceBridge/internal/withdrawal"
)

// Processor applies chain events to the ledger.
type Processor interface {
	Process(ctx context.Context, kind model.ContractKind, in ledger.EventInput) (ledger.Result, error)
}

// Authorizer issues signed withdrawal authorizations.
type Authorizer interface {
	Authorize(ctx context.Context, playerAddress string, amount decimal.Decimal) (withdrawal.Authorization, error)
}

// ListenerStatus reports the listener supervisor state.
type ListenerStatus interface {
	Status() []listener.Status
	Healthy() bool
}

// Config wires the server's collaborators. Listeners and Hub are optional.
type Config struct {
	Processor      Processor
	Authorizer     Authorizer
	Store          storage.Store
	Listeners      ListenerStatus
	Hub            http.Handler
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	InternalSecret string
	AuthorizeRPS   float64
	AuthorizeBurst int
	// TrustedProxies are IPs or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string
}

// Server serves the bridge HTTP API.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	validate *validator.Validate
	limiter  *clientLimiter
	proxies  trustedProxies
	router   http.Handler
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		validate: newValidator(),
		limiter:  newClientLimiter(cfg.AuthorizeRPS, cfg.AuthorizeBurst),
	}
	proxies, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		logger.Warn("ignoring trusted proxies", zap.Error(err))
	} else {
		s.proxies = proxies
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if s.cfg.Hub != nil {
		r.Method(http.MethodGet, "/ws", s.cfg.Hub)
	}

	r.Route("/internal", func(internal chi.Router) {
		internal.Use(s.requireSecret)
		internal.Post("/deposit", s.handleEvent(model.ContractDeposit))
		internal.Post("/withdrawal", s.handleEvent(model.ContractWithdrawal))
		internal.Post("/faucet", s.handleEvent(model.ContractFaucet))
	})

	r.Route("/api", func(api chi.Router) {
		api.With(s.rateLimit).Post("/withdrawal/authorize", s.handleAuthorize)
		api.Get("/balance/{wallet}", s.handleBalance)
		api.Get("/transactions/{wallet}", s.handleTransactions)
		api.Get("/listeners", s.handleListeners)
	})

	return r
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	return v
}

// observe logs each request and records its latency by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.cfg.Metrics.ObserveHTTP(route, strconv.Itoa(status), elapsed)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}
