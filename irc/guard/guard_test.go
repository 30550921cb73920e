package guard_test

import (
	"sync"
	"testing"
	"time"

	"github.com/presbrey/ircd/irc/guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newGuard(t *testing.T, cfg guard.Config, clock *fakeClock) *guard.Guard {
	t.Helper()
	g, err := guard.New(cfg, guard.WithClock(clock.Now))
	require.NoError(t, err)
	return g
}

func TestUnregisteredCap(t *testing.T) {
	g := newGuard(t, guard.Config{MaxUnregisteredPerIP: 2}, newFakeClock())
	const ip = "192.0.2.1"

	first, reason := g.Admit(ip, false)
	require.NotNil(t, first, reason)
	second, reason := g.Admit(ip, false)
	require.NotNil(t, second, reason)

	third, reason := g.Admit(ip, false)
	assert.Nil(t, third)
	assert.Equal(t, guard.ReasonUnregistered, reason)
	assert.Equal(t, 2, g.Stats(ip).Unregistered, "rejection changes nothing")

	assert.True(t, first.MarkRegistered())
	assert.False(t, first.MarkRegistered(), "second MarkRegistered is a no-op")
	assert.Equal(t, guard.IPStats{Recent: 2, Unregistered: 1, Active: 1}, g.Stats(ip))

	fourth, reason := g.Admit(ip, false)
	require.NotNil(t, fourth, reason)

	// Other addresses are unaffected
	other, _ := g.Admit("192.0.2.2", false)
	assert.NotNil(t, other)
}

func TestTicketRelease(t *testing.T) {
	g := newGuard(t, guard.Config{}, newFakeClock())
	const ip = "192.0.2.1"

	unreg, _ := g.Admit(ip, false)
	reg, _ := g.Admit(ip, false)
	reg.MarkRegistered()
	assert.Equal(t, 1, g.Stats(ip).Unregistered)
	assert.Equal(t, 1, g.Stats(ip).Active)

	unreg.Release()
	unreg.Release()
	assert.Equal(t, 0, g.Stats(ip).Unregistered)
	assert.Equal(t, 1, g.Stats(ip).Active, "double release does not touch other counters")

	reg.Release()
	assert.Equal(t, 0, g.Stats(ip).Active)
	assert.False(t, reg.MarkRegistered(), "released tickets cannot register")
	assert.True(t, reg.Registered())
}

func TestConnectionRate(t *testing.T) {
	clock := newFakeClock()
	g := newGuard(t, guard.Config{
		Window:               10 * time.Second,
		MaxConnsPerWindow:    2,
		MaxTLSConnsPerWindow: 1,
	}, clock)
	const ip = "198.51.100.7"

	for i := 0; i < 2; i++ {
		tk, reason := g.Admit(ip, false)
		require.NotNil(t, tk, reason)
		tk.Release()
	}
	tk, reason := g.Admit(ip, false)
	assert.Nil(t, tk)
	assert.Equal(t, guard.ReasonRate, reason)

	// TLS has its own threshold
	tk, _ = g.Admit(ip, true)
	require.NotNil(t, tk)
	tk.Release()
	tk, reason = g.Admit(ip, true)
	assert.Nil(t, tk)
	assert.Equal(t, guard.ReasonRate, reason)

	clock.Advance(11 * time.Second)
	tk, reason = g.Admit(ip, false)
	assert.NotNil(t, tk, reason)
	tk, reason = g.Admit(ip, true)
	assert.NotNil(t, tk, reason)
}

func TestActiveCap(t *testing.T) {
	g := newGuard(t, guard.Config{MaxActivePerIP: 2}, newFakeClock())
	const ip = "203.0.113.9"

	a, _ := g.Admit(ip, false)
	b, _ := g.Admit(ip, false)
	a.MarkRegistered()
	b.MarkRegistered()

	c, reason := g.Admit(ip, false)
	assert.Nil(t, c)
	assert.Equal(t, guard.ReasonActive, reason)

	a.Release()
	c, reason = g.Admit(ip, false)
	assert.NotNil(t, c, reason)
}

func TestTLSHandshakeSlots(t *testing.T) {
	g := newGuard(t, guard.Config{MaxTLSHandshakesPerIP: 1}, newFakeClock())
	const ip = "192.0.2.50"

	a, _ := g.Admit(ip, true)
	b, _ := g.Admit(ip, true)

	ok, _ := a.StartHandshake()
	require.True(t, ok)
	ok, reason := b.StartHandshake()
	assert.False(t, ok)
	assert.Equal(t, guard.ReasonHandshakes, reason)

	a.EndHandshake()
	a.EndHandshake()
	assert.Equal(t, 0, g.Stats(ip).Handshakes)

	ok, _ = b.StartHandshake()
	require.True(t, ok)

	// Releasing the ticket also returns a slot still held
	b.Release()
	assert.Equal(t, 0, g.Stats(ip).Handshakes)
	assert.Equal(t, 1, g.Stats(ip).Unregistered)
}

func TestExempt(t *testing.T) {
	g := newGuard(t, guard.Config{MaxUnregisteredPerIP: 1, Exempt: []string{"10.0.0.0/8", "::1"}}, newFakeClock())

	for i := 0; i < 5; i++ {
		tk, reason := g.Admit("10.1.2.3", false)
		require.NotNil(t, tk, reason)
	}
	assert.True(t, g.IsExempt("::1"))
	assert.False(t, g.IsExempt("11.0.0.1"))
	assert.False(t, g.IsExempt("not-an-ip"))
	assert.Equal(t, 0, g.Tracked())

	_, err := guard.New(guard.Config{Exempt: []string{"nonsense"}})
	assert.Error(t, err)
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	g := newGuard(t, guard.Config{Window: time.Second}, clock)

	held, _ := g.Admit("192.0.2.1", false)
	done, _ := g.Admit("192.0.2.2", false)
	done.Release()
	assert.Equal(t, 2, g.Tracked())

	assert.Equal(t, 0, g.Sweep(), "recent connections keep the entry")
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, g.Sweep())
	assert.Equal(t, 1, g.Tracked())
	assert.Contains(t, g.Snapshot(), "192.0.2.1")

	held.Release()
	assert.Equal(t, 1, g.Sweep())
	assert.Empty(t, g.Snapshot())
}

func TestTimeouts(t *testing.T) {
	g, err := guard.New(guard.Config{RegistrationTimeout: 30 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 30, g.RegistrationTimeoutSeconds())
	assert.Equal(t, 10, g.TLSHandshakeTimeoutSeconds())
	assert.Equal(t, 10*time.Second, g.TLSHandshakeTimeout())
}

func TestConcurrentAdmitRespectsCap(t *testing.T) {
	g := newGuard(t, guard.Config{MaxUnregisteredPerIP: 5}, newFakeClock())

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tk, _ := g.Admit("192.0.2.99", false); tk != nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, admitted)
}
