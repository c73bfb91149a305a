// ABOUTME: Per-source-address fixed-window rate limiter for the transport boundary
// ABOUTME: Capacity-bounded with insertion-order eviction and a background sweep

package ratelimit

import (
	"container/list"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Defaults applied when the config leaves fields zero.
const (
	DefaultMaxRequests = 60
	DefaultWindow      = time.Minute
	DefaultCapacity    = 4096

	sweepInterval = time.Minute
)

// windowEntry tracks one source address: requests seen in the current
// window and when that window resets.
type windowEntry struct {
	count   int
	resetAt time.Time
	element *list.Element
}

// Limiter admits or rejects requests per source address using a fixed
// window. The tracked-address table is capacity-bounded: at capacity the
// insertion-order-oldest address is evicted first. A background sweep
// removes expired entries so steady-state memory does not depend on
// eviction pressure.
type Limiter struct {
	mu       sync.Mutex
	entries  map[string]*windowEntry
	order    *list.List // addresses in insertion order, oldest at front
	max      int
	window   time.Duration
	capacity int
	done     chan struct{}
	closed   bool
	logger   *slog.Logger
}

// New creates a limiter allowing max requests per window per address, with
// a bounded table of capacity tracked addresses.
func New(max int, window time.Duration, capacity int, logger *slog.Logger) *Limiter {
	if max <= 0 {
		max = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		entries:  make(map[string]*windowEntry),
		order:    list.New(),
		max:      max,
		window:   window,
		capacity: capacity,
		done:     make(chan struct{}),
		logger:   logger.With("component", "ratelimit"),
	}
	go l.sweep()
	return l
}

// Check reports whether a request from addr is admitted. Loopback and
// local addresses are always admitted. addr may be a bare host or a
// host:port pair.
func (l *Limiter) Check(addr string) bool {
	host := hostOnly(addr)
	if isLocal(host) {
		return true
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[host]
	if ok {
		if now.Before(e.resetAt) {
			e.count++
			return e.count <= l.max
		}
		// Window elapsed: this request starts a fresh one.
		e.count = 1
		e.resetAt = now.Add(l.window)
		return true
	}

	if len(l.entries) >= l.capacity {
		l.evictOldest()
	}

	l.entries[host] = &windowEntry{
		count:   1,
		resetAt: now.Add(l.window),
		element: l.order.PushBack(host),
	}
	return true
}

// Retry returns the remaining window for addr, used to populate
// Retry-After on rejection. Zero when the address is untracked or its
// window has elapsed.
func (l *Limiter) Retry(addr string) time.Duration {
	host := hostOnly(addr)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[host]
	if !ok {
		return 0
	}
	remaining := time.Until(e.resetAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// evictOldest drops the insertion-order-oldest tracked address.
// Must be called with mu held.
func (l *Limiter) evictOldest() {
	front := l.order.Front()
	if front == nil {
		return
	}
	host, _ := front.Value.(string)
	l.order.Remove(front)
	delete(l.entries, host)
	l.logger.Debug("evicted tracked address at capacity", "addr", host)
}

// sweep periodically removes expired entries.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeExpired()
		case <-l.done:
			return
		}
	}
}

// removeExpired drops every entry whose window has elapsed.
func (l *Limiter) removeExpired() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for host, e := range l.entries {
		if now.After(e.resetAt) {
			l.order.Remove(e.element)
			delete(l.entries, host)
		}
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}

// hostOnly strips an optional port from addr.
func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// isLocal reports whether host is a loopback or otherwise local address.
func isLocal(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" || h == "" {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
