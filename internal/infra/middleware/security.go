package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const staleClientAfter = 3 * time.Minute

// SecurityHeaders adds OWASP-recommended security headers to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitConfig holds configuration for the rate limiter.
type RateLimitConfig struct {
	RequestsPerMin int      // 0 disables limiting
	BurstSize      int      // maximum burst of requests allowed
	TrustedProxies []string // IPs or CIDRs whose X-Forwarded-For is believed
}

// ClientLimiter keeps one token bucket per client IP.
type ClientLimiter struct {
	cfg     RateLimitConfig
	proxies []netip.Prefix

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter creates a limiter and starts its cleanup loop, which
// stops when ctx is done.
func NewClientLimiter(ctx context.Context, cfg RateLimitConfig) *ClientLimiter {
	cl := &ClientLimiter{
		cfg:     cfg,
		proxies: parseProxies(cfg.TrustedProxies),
		clients: make(map[string]*client),
	}
	go cl.cleanup(ctx)
	return cl
}

func (cl *ClientLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.evict(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (cl *ClientLimiter) evict(now time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for ip, c := range cl.clients {
		if now.Sub(c.lastSeen) > staleClientAfter {
			delete(cl.clients, ip)
		}
	}
}

// Allow reports whether a request from r may proceed.
func (cl *ClientLimiter) Allow(r *http.Request) bool {
	if cl.cfg.RequestsPerMin <= 0 {
		return true
	}
	ip := cl.ClientIP(r)

	cl.mu.Lock()
	c, ok := cl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(cl.cfg.RequestsPerMin)/60.0, cl.cfg.BurstSize)}
		cl.clients[ip] = c
	}
	c.lastSeen = time.Now()
	cl.mu.Unlock()

	return c.limiter.Allow()
}

// Tracked returns the number of clients with a live bucket.
func (cl *ClientLimiter) Tracked() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.clients)
}

// Middleware rejects requests over the limit with 429.
func (cl *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cl.Allow(r) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client IP from the request. Proxy headers are only
// honoured when the direct peer is a trusted proxy.
func (cl *ClientLimiter) ClientIP(r *http.Request) string {
	directIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(directIP); err == nil {
		directIP = host
	}
	if len(cl.proxies) == 0 || !cl.trusted(directIP) {
		return directIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return directIP
}

func (cl *ClientLimiter) trusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range cl.proxies {
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

// parseProxies accepts single IPs and CIDRs. Invalid entries are skipped;
// config validation reports them.
func parseProxies(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}
