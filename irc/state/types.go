package state

import (
	"strings"
	"time"

	"github.com/presbrey/ircd/irc"
)

// Privilege is a channel-scoped rank. Levels are strictly ordered from
// PrivNone up to PrivOwner.
type Privilege int

const (
	PrivNone Privilege = iota
	PrivVoice
	PrivHalfop
	PrivOp
	PrivAdmin
	PrivOwner
)

var privilegeModes = map[rune]Privilege{
	'v': PrivVoice,
	'h': PrivHalfop,
	'o': PrivOp,
	'a': PrivAdmin,
	'q': PrivOwner,
}

// PrivilegeForMode maps a channel mode letter (q a o h v) to its privilege
func PrivilegeForMode(mode rune) (Privilege, bool) {
	p, ok := privilegeModes[mode]
	return p, ok
}

// Mode returns the channel mode letter for the privilege, or 0 for PrivNone
func (p Privilege) Mode() rune {
	switch p {
	case PrivVoice:
		return 'v'
	case PrivHalfop:
		return 'h'
	case PrivOp:
		return 'o'
	case PrivAdmin:
		return 'a'
	case PrivOwner:
		return 'q'
	}
	return 0
}

// Prefix returns the NAMES prefix for the privilege
func (p Privilege) Prefix() string {
	switch p {
	case PrivVoice:
		return "+"
	case PrivHalfop:
		return "%"
	case PrivOp:
		return "@"
	case PrivAdmin:
		return "&"
	case PrivOwner:
		return "~"
	}
	return ""
}

func (p Privilege) String() string {
	switch p {
	case PrivVoice:
		return "voice"
	case PrivHalfop:
		return "halfop"
	case PrivOp:
		return "op"
	case PrivAdmin:
		return "admin"
	case PrivOwner:
		return "owner"
	}
	return "none"
}

// UserMode is a bitset of user modes
type UserMode uint16

const (
	UModeInvisible UserMode = 1 << iota // i
	UModeWallops                        // w
	UModeOper                           // o
	UModeRegistered                     // r
	UModeSecure                         // Z
	UModeBot                            // B
)

var userModeLetters = []struct {
	mode   UserMode
	letter rune
}{
	{UModeInvisible, 'i'},
	{UModeWallops, 'w'},
	{UModeOper, 'o'},
	{UModeRegistered, 'r'},
	{UModeSecure, 'Z'},
	{UModeBot, 'B'},
}

// UserModeForLetter returns the mode bit for a user mode letter
func UserModeForLetter(letter rune) (UserMode, bool) {
	for _, m := range userModeLetters {
		if m.letter == letter {
			return m.mode, true
		}
	}
	return 0, false
}

// Has reports whether every bit in m is set
func (u UserMode) Has(m UserMode) bool {
	return u&m == m
}

// String renders the set modes as "+iw", or "+" when none are set
func (u UserMode) String() string {
	var b strings.Builder
	b.WriteByte('+')
	for _, m := range userModeLetters {
		if u.Has(m.mode) {
			b.WriteRune(m.letter)
		}
	}
	return b.String()
}

// ChannelMode is a bitset of flag channel modes
type ChannelMode uint16

const (
	ChanInviteOnly ChannelMode = 1 << iota // i
	ChanModerated                          // m
	ChanNoExternal                         // n
	ChanSecret                             // s
	ChanTopicOps                           // t
	ChanPrivate                            // p
)

var channelModeLetters = []struct {
	mode   ChannelMode
	letter rune
}{
	{ChanInviteOnly, 'i'},
	{ChanModerated, 'm'},
	{ChanNoExternal, 'n'},
	{ChanPrivate, 'p'},
	{ChanSecret, 's'},
	{ChanTopicOps, 't'},
}

// ChannelModeForLetter returns the flag bit for a channel mode letter
func ChannelModeForLetter(letter rune) (ChannelMode, bool) {
	for _, m := range channelModeLetters {
		if m.letter == letter {
			return m.mode, true
		}
	}
	return 0, false
}

// Has reports whether every bit in m is set
func (c ChannelMode) Has(m ChannelMode) bool {
	return c&m == m
}

// ModeChange is one +x or -x change, with its parameter when the mode takes one
type ModeChange struct {
	Mode   rune
	Enable bool
	Param  string
}

// String renders the change as "+o nick" or "-t"
func (m ModeChange) String() string {
	sign := "-"
	if m.Enable {
		sign = "+"
	}
	if m.Param != "" {
		return sign + string(m.Mode) + " " + m.Param
	}
	return sign + string(m.Mode)
}

// User is one connection's view in the registry. Local users, remote users
// introduced by a link and server-link placeholders share this record.
type User struct {
	ConnID       string
	Nick         string
	Username     string
	Realname     string
	Caps         irc.CapSet
	Secure       bool
	RemoteIP     string
	Host         string
	UID          string
	RemoteSID    string
	IsRemote     bool
	IsService    bool
	IsLink       bool
	Registered   bool
	RegisteredAt time.Time
	Modes        UserMode
	Away         string
}

// Hostmask returns nick!user@host
func (u User) Hostmask() string {
	return irc.Hostmask(u.Nick, u.Username, u.Host)
}

// Prefix returns the message source for lines originating from this user.
// Registered users use their hostmask; users without a nick fall back to "*".
func (u User) Prefix() string {
	if u.Nick == "" {
		return "*"
	}
	return u.Hostmask()
}

func (u *User) clone() User {
	out := *u
	if u.Caps != nil {
		out.Caps = u.Caps.Clone()
	}
	return out
}

// RemoteServer is one server in the linked topology. Directly linked peers
// have an empty ParentSID; servers introduced behind them name their parent.
type RemoteServer struct {
	Name        string
	SID         string
	Description string
	ConnID      string
	ParentSID   string
	Hops        int
	LinkedAt    time.Time
}

// Removed pairs a user removed by a cascade with the channels it occupied
type Removed struct {
	User     User
	Channels []*Channel
}
