// Package guard implements per-IP admission control for inbound connections
// and the per-connection flood gate.
package guard

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Rejection reasons sent to refused clients
const (
	ReasonRate         = "Connection rate exceeded"
	ReasonUnregistered = "Too many unregistered connections from your host"
	ReasonActive       = "Too many connections from your host"
	ReasonHandshakes   = "Too many TLS handshakes in progress"
)

// Config holds the admission policy. Zero limits are unlimited.
type Config struct {
	Window                time.Duration
	MaxConnsPerWindow     int
	MaxTLSConnsPerWindow  int
	MaxUnregisteredPerIP  int
	MaxActivePerIP        int
	MaxTLSHandshakesPerIP int
	RegistrationTimeout   time.Duration
	TLSHandshakeTimeout   time.Duration
	Exempt                []string
}

// IPStats is a snapshot of one address's counters
type IPStats struct {
	Recent       int `json:"recent"`
	RecentTLS    int `json:"recent_tls"`
	Unregistered int `json:"unregistered"`
	Active       int `json:"active"`
	Handshakes   int `json:"handshakes"`
}

type ipEntry struct {
	recent       []time.Time
	recentTLS    []time.Time
	unregistered int
	active       int
	handshakes   int
}

func (e *ipEntry) idle() bool {
	return len(e.recent) == 0 && len(e.recentTLS) == 0 &&
		e.unregistered == 0 && e.active == 0 && e.handshakes == 0
}

// Guard is the admission gate keyed by source IP
type Guard struct {
	cfg    Config
	exempt []*net.IPNet
	now    func() time.Time

	mu  sync.Mutex
	ips map[string]*ipEntry
}

// Option configures a Guard
type Option func(*Guard)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a guard. Exempt entries may be single addresses or CIDRs.
func New(cfg Config, opts ...Option) (*Guard, error) {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = 60 * time.Second
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = 10 * time.Second
	}

	g := &Guard{
		cfg: cfg,
		now: time.Now,
		ips: make(map[string]*ipEntry),
	}
	for _, e := range cfg.Exempt {
		n, err := parseNet(e)
		if err != nil {
			return nil, fmt.Errorf("invalid exempt entry %q: %w", e, err)
		}
		g.exempt = append(g.exempt, n)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func parseNet(s string) (*net.IPNet, error) {
	if _, n, err := net.ParseCIDR(s); err == nil {
		return n, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("not an IP or CIDR")
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// IsExempt reports whether ip bypasses every check
func (g *Guard) IsExempt(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range g.exempt {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func (g *Guard) entry(ip string) *ipEntry {
	e, ok := g.ips[ip]
	if !ok {
		e = &ipEntry{}
		g.ips[ip] = e
	}
	return e
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// TryAcceptNewConnection checks, in order, the connection rate for the
// transport, the unregistered cap and the active cap. On success it records
// the connection and counts it as unregistered. On failure nothing changes.
func (g *Guard) TryAcceptNewConnection(ip string, secure bool) (bool, string) {
	if g.IsExempt(ip) {
		return true, ""
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.cfg.Window)
	e := g.entry(ip)
	e.recent = prune(e.recent, cutoff)
	e.recentTLS = prune(e.recentTLS, cutoff)

	if secure {
		if g.cfg.MaxTLSConnsPerWindow > 0 && len(e.recentTLS) >= g.cfg.MaxTLSConnsPerWindow {
			return false, ReasonRate
		}
	} else if g.cfg.MaxConnsPerWindow > 0 && len(e.recent) >= g.cfg.MaxConnsPerWindow {
		return false, ReasonRate
	}
	if g.cfg.MaxUnregisteredPerIP > 0 && e.unregistered >= g.cfg.MaxUnregisteredPerIP {
		return false, ReasonUnregistered
	}
	if g.cfg.MaxActivePerIP > 0 && e.unregistered+e.active >= g.cfg.MaxActivePerIP {
		return false, ReasonActive
	}

	if secure {
		e.recentTLS = append(e.recentTLS, now)
	} else {
		e.recent = append(e.recent, now)
	}
	e.unregistered++
	return true, ""
}

// TryStartTLSHandshake takes a handshake slot for ip. Each successful call
// must be paired with exactly one ReleaseTLSHandshake.
func (g *Guard) TryStartTLSHandshake(ip string) (bool, string) {
	if g.IsExempt(ip) {
		return true, ""
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.entry(ip)
	if g.cfg.MaxTLSHandshakesPerIP > 0 && e.handshakes >= g.cfg.MaxTLSHandshakesPerIP {
		return false, ReasonHandshakes
	}
	e.handshakes++
	return true, ""
}

// ReleaseTLSHandshake returns a handshake slot
func (g *Guard) ReleaseTLSHandshake(ip string) {
	g.decrement(ip, func(e *ipEntry) *int { return &e.handshakes })
}

// MarkRegistered moves one connection from unregistered to active
func (g *Guard) MarkRegistered(ip string) {
	if g.IsExempt(ip) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.entry(ip)
	if e.unregistered > 0 {
		e.unregistered--
	}
	e.active++
}

// ReleaseUnregistered drops one unregistered connection
func (g *Guard) ReleaseUnregistered(ip string) {
	g.decrement(ip, func(e *ipEntry) *int { return &e.unregistered })
}

// ReleaseActive drops one registered connection
func (g *Guard) ReleaseActive(ip string) {
	g.decrement(ip, func(e *ipEntry) *int { return &e.active })
}

func (g *Guard) decrement(ip string, field func(*ipEntry) *int) {
	if g.IsExempt(ip) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.ips[ip]
	if !ok {
		return
	}
	if n := field(e); *n > 0 {
		*n--
	}
}

// RegistrationTimeout is how long a connection may stay unregistered
func (g *Guard) RegistrationTimeout() time.Duration {
	return g.cfg.RegistrationTimeout
}

// TLSHandshakeTimeout bounds one TLS handshake
func (g *Guard) TLSHandshakeTimeout() time.Duration {
	return g.cfg.TLSHandshakeTimeout
}

// RegistrationTimeoutSeconds returns RegistrationTimeout in whole seconds
func (g *Guard) RegistrationTimeoutSeconds() int {
	return int(g.cfg.RegistrationTimeout / time.Second)
}

// TLSHandshakeTimeoutSeconds returns TLSHandshakeTimeout in whole seconds
func (g *Guard) TLSHandshakeTimeoutSeconds() int {
	return int(g.cfg.TLSHandshakeTimeout / time.Second)
}

// Stats returns the counters for ip
func (g *Guard) Stats(ip string) IPStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.ips[ip]
	if !ok {
		return IPStats{}
	}
	cutoff := g.now().Add(-g.cfg.Window)
	e.recent = prune(e.recent, cutoff)
	e.recentTLS = prune(e.recentTLS, cutoff)
	return IPStats{
		Recent:       len(e.recent),
		RecentTLS:    len(e.recentTLS),
		Unregistered: e.unregistered,
		Active:       e.active,
		Handshakes:   e.handshakes,
	}
}

// Snapshot returns the counters of every tracked address
func (g *Guard) Snapshot() map[string]IPStats {
	g.mu.Lock()
	ips := make([]string, 0, len(g.ips))
	for ip := range g.ips {
		ips = append(ips, ip)
	}
	g.mu.Unlock()

	out := make(map[string]IPStats, len(ips))
	for _, ip := range ips {
		out[ip] = g.Stats(ip)
	}
	return out
}

// Sweep prunes expired window entries and forgets idle addresses. It returns
// the number of addresses forgotten.
func (g *Guard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-g.cfg.Window)
	removed := 0
	for ip, e := range g.ips {
		e.recent = prune(e.recent, cutoff)
		e.recentTLS = prune(e.recentTLS, cutoff)
		if e.idle() {
			delete(g.ips, ip)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of addresses with state
func (g *Guard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ips)
}
