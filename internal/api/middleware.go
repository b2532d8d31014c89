package api

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/lru"
	"golang.org/x/time/rate"

	"balanceBridge/internal/apperr"
)

const (
	secretHeader        = "X-Internal-Secret"
	limiterCacheSize    = 4096
	defaultAuthorizeRPS = 1.0
)

// requireSecret rejects requests that do not carry the internal shared secret.
// An unset secret closes the internal routes entirely.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	expected := []byte(s.cfg.InternalSecret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := []byte(r.Header.Get(secretHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
			writeError(w, s.logger, apperr.New(apperr.KindUnauthorized, "invalid internal credentials"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiter hands out one token bucket per client address. Idle clients
// fall out of the recency cache.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients *lru.BasicLRU[string, *rate.Limiter]
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		rps = defaultAuthorizeRPS
	}
	if burst <= 0 {
		burst = 1
	}
	clients := lru.NewBasicLRU[string, *rate.Limiter](limiterCacheSize)
	return &clientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: &clients,
	}
}

func (c *clientLimiter) allow(client string) bool {
	c.mu.Lock()
	limiter, ok := c.clients.Get(client)
	if !ok {
		limiter = rate.NewLimiter(c.limit, c.burst)
		c.clients.Add(client, limiter)
	}
	c.mu.Unlock()
	return limiter.Allow()
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(s.proxies.clientID(r)) {
			writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
				Success: false,
				Error:   "RATE_LIMITED",
				Message: "too many requests, try again later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// trustedProxies lists the peers whose X-Forwarded-For header is believed.
type trustedProxies []*net.IPNet

// parseTrustedProxies accepts bare IPs and CIDR ranges.
func parseTrustedProxies(entries []string) (trustedProxies, error) {
	out := make(trustedProxies, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", entry)
			}
			bits := 8 * net.IPv6len
			if v4 := ip.To4(); v4 != nil {
				ip, bits = v4, 8*net.IPv4len
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		out = append(out, network)
	}
	return out, nil
}

func (t trustedProxies) contains(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range t {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// clientID keys a request on its socket peer. Forwarded addresses count only
// when the peer is a trusted proxy, and then the rightmost untrusted hop wins.
func (t trustedProxies) clientID(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !t.contains(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if net.ParseIP(hop) == nil {
			return peer
		}
		if !t.contains(hop) {
			return hop
		}
	}
	return peer
}
