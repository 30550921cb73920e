package session

import (
	"time"

	"github.com/presbrey/ircd/irc"
	"github.com/presbrey/ircd/irc/state"
)

// State holds the per-connection fields owned by the goroutine driving the
// connection's read loop. It is not safe for use by other goroutines; the
// registry keeps the cross-connection view of the fields that need one.
type State struct {
	Nick     string
	Username string
	Realname string
	Password string

	Registered bool

	CapNegotiating bool
	CapVersion     int
	Caps           irc.CapSet

	Modes state.UserMode

	ConnectedAt     time.Time
	LastActivity    time.Time
	LastPing        time.Time
	PingToken       string
	PingOutstanding bool

	// Server links
	LinkName     string
	LinkSID      string
	LinkDesc     string
	LinkPassword bool
}

func newState(now time.Time) *State {
	return &State{
		Caps:         make(irc.CapSet),
		ConnectedAt:  now,
		LastActivity: now,
	}
}

// Touch records inbound activity
func (s *State) Touch(now time.Time) {
	s.LastActivity = now
	s.PingOutstanding = false
}
