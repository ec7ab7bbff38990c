// Package ratelimit throttles requests per client address.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxClients = 10000

type client struct {
	limiter *rate.Limiter
	seen    time.Time
}

type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rate    rate.Limit
	burst   int
	idle    time.Duration
	trusted []*net.IPNet
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// New allows perSecond requests with the given burst for each address. Forwarded
// headers are honoured only when the peer is one of trustedProxies (CIDRs or IPs);
// with no proxies configured they are always honoured.
func New(perSecond float64, burst int, idle time.Duration, trustedProxies []string) *Limiter {
	l := &Limiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, p := range trustedProxies {
		if n := parseNet(p); n != nil {
			l.trusted = append(l.trusted, n)
		}
	}
	if idle > 0 {
		go l.janitor()
	}
	return l
}

func parseNet(s string) *net.IPNet {
	s = strings.TrimSpace(s)
	if _, n, err := net.ParseCIDR(s); err == nil {
		return n
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	bits := 128
	if ip.To4() != nil {
		ip, bits = ip.To4(), 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}

// Stop ends the background cleanup.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) Allow(addr string) bool {
	l.mu.Lock()
	c, ok := l.clients[addr]
	if !ok {
		if len(l.clients) >= maxClients {
			l.evictOldest()
		}
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[addr] = c
	}
	c.seen = l.now()
	l.mu.Unlock()
	return c.limiter.AllowN(c.seen, 1)
}

// evictOldest must be called with mu held.
func (l *Limiter) evictOldest() {
	var (
		oldest string
		at     time.Time
	)
	for addr, c := range l.clients {
		if oldest == "" || c.seen.Before(at) {
			oldest, at = addr, c.seen
		}
	}
	delete(l.clients, oldest)
}

func (l *Limiter) janitor() {
	t := time.NewTicker(l.idle)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, c := range l.clients {
		if c.seen.Before(cutoff) {
			delete(l.clients, addr)
		}
	}
}

func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(l.ClientIP(r)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the address a request is accounted to.
func (l *Limiter) ClientIP(r *http.Request) string {
	peer := hostOnly(r.RemoteAddr)
	if len(l.trusted) > 0 && !l.isTrusted(peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return peer
}

func (l *Limiter) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range l.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
