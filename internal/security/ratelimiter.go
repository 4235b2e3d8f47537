package security

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pasofino/internal/utils"
)

const EnvTrustedProxies = "PASOFINO_TRUSTED_PROXIES"

var defaultTrustedProxies = []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// ConnectionLimiter caps concurrent realtime connections per client IP.
type ConnectionLimiter struct {
	mu    sync.Mutex
	open  map[string]int
	perIP int
}

func NewConnectionLimiter(perIP int) *ConnectionLimiter {
	return &ConnectionLimiter{open: make(map[string]int), perIP: perIP}
}

// TryConnect reserves a slot for ip. Every successful call must be paired
// with Disconnect when the socket goes away.
func (cl *ConnectionLimiter) TryConnect(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.open[ip] >= cl.perIP {
		return false
	}
	cl.open[ip]++
	return true
}

func (cl *ConnectionLimiter) Count(ip string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.open[ip]
}

func (cl *ConnectionLimiter) Disconnect(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	switch n := cl.open[ip]; {
	case n > 1:
		cl.open[ip] = n - 1
	case n == 1:
		delete(cl.open, ip)
	}
}

var (
	trustedProxies []*net.IPNet
	proxyOnce      sync.Once
)

func loadTrustedProxies() []*net.IPNet {
	proxyOnce.Do(func() {
		cidrs := utils.SplitList(utils.GetEnv(EnvTrustedProxies, ""))
		if len(cidrs) == 0 {
			cidrs = defaultTrustedProxies
		}
		for _, cidr := range cidrs {
			if _, network, err := net.ParseCIDR(cidr); err == nil {
				trustedProxies = append(trustedProxies, network)
			}
		}
	})
	return trustedProxies
}

func isTrustedProxy(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range loadTrustedProxies() {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// GetClientIP returns the peer address, or the forwarded client address when
// the peer is a trusted proxy.
func GetClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || peer == "" {
		peer = r.RemoteAddr
	}
	if !isTrustedProxy(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); net.ParseIP(ip) != nil {
		return ip
	}
	return peer
}

// BruteForceProtector blocks an IP for a while after too many consecutive
// failures. The gate uses it to stop hammering the identity provider with
// refresh tokens that keep failing.
type BruteForceProtector struct {
	mu            sync.Mutex
	failures      map[string]*failureWindow
	maxAttempts   int
	blockDuration time.Duration
	now           func() time.Time
}

type failureWindow struct {
	count        int
	blockedUntil time.Time
}

// NewBruteForceProtector starts a sweeper that stops with ctx.
func NewBruteForceProtector(ctx context.Context, maxAttempts int, blockDuration time.Duration) *BruteForceProtector {
	bf := &BruteForceProtector{
		failures:      make(map[string]*failureWindow),
		maxAttempts:   maxAttempts,
		blockDuration: blockDuration,
		now:           time.Now,
	}
	go bf.sweep(ctx)
	return bf
}

// Check reports whether ip may try again. An expired block is lifted here.
func (bf *BruteForceProtector) Check(ip string) bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	w, ok := bf.failures[ip]
	if !ok {
		return true
	}
	if !w.blockedUntil.IsZero() {
		if bf.now().Before(w.blockedUntil) {
			return false
		}
		delete(bf.failures, ip)
		return true
	}
	return w.count < bf.maxAttempts
}

// RecordFailure returns the failure count, so callers can audit the moment an IP gets blocked.
func (bf *BruteForceProtector) RecordFailure(ip string) int {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	w, ok := bf.failures[ip]
	if !ok {
		w = &failureWindow{}
		bf.failures[ip] = w
	}
	w.count++
	if w.count >= bf.maxAttempts && w.blockedUntil.IsZero() {
		w.blockedUntil = bf.now().Add(bf.blockDuration)
	}
	return w.count
}

func (bf *BruteForceProtector) RecordSuccess(ip string) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	delete(bf.failures, ip)
}

func (bf *BruteForceProtector) sweep(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		bf.mu.Lock()
		now := bf.now()
		for ip, w := range bf.failures {
			if !w.blockedUntil.IsZero() && now.After(w.blockedUntil) {
				delete(bf.failures, ip)
			}
		}
		bf.mu.Unlock()
	}
}
