package guard

import "sync"

// Ticket is one admitted connection's claim on the guard counters. It
// remembers which counters it holds, so MarkRegistered, EndHandshake and
// Release are each effective at most once and the per-IP accounting cannot
// be double-released or leaked by the caller.
type Ticket struct {
	g      *Guard
	ip     string
	secure bool

	mu         sync.Mutex
	registered bool
	handshake  bool
	released   bool
}

// Admit runs TryAcceptNewConnection and returns a ticket for the admitted
// connection, or nil and the rejection reason
func (g *Guard) Admit(ip string, secure bool) (*Ticket, string) {
	ok, reason := g.TryAcceptNewConnection(ip, secure)
	if !ok {
		return nil, reason
	}
	return &Ticket{g: g, ip: ip, secure: secure}, ""
}

// IP returns the address the ticket was issued for
func (t *Ticket) IP() string { return t.ip }

// StartHandshake takes a TLS handshake slot for this connection
func (t *Ticket) StartHandshake() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released || t.handshake {
		return false, ReasonHandshakes
	}
	ok, reason := t.g.TryStartTLSHandshake(t.ip)
	if ok {
		t.handshake = true
	}
	return ok, reason
}

// EndHandshake returns the handshake slot if this ticket holds one
func (t *Ticket) EndHandshake() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handshake {
		t.handshake = false
		t.g.ReleaseTLSHandshake(t.ip)
	}
}

// MarkRegistered moves the connection to active accounting. It returns true
// only for the first call on an unreleased ticket.
func (t *Ticket) MarkRegistered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.registered || t.released {
		return false
	}
	t.registered = true
	t.g.MarkRegistered(t.ip)
	return true
}

// Registered reports whether MarkRegistered has taken effect
func (t *Ticket) Registered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registered
}

// Release returns every counter the ticket holds: the handshake slot if
// still taken, then exactly one of the unregistered or active counts.
// Later calls do nothing.
func (t *Ticket) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return
	}
	t.released = true

	if t.handshake {
		t.handshake = false
		t.g.ReleaseTLSHandshake(t.ip)
	}
	if t.registered {
		t.g.ReleaseActive(t.ip)
	} else {
		t.g.ReleaseUnregistered(t.ip)
	}
}
