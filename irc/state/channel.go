package state

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/presbrey/ircd/irc"
)

// Member is a channel membership record. Nick is a snapshot kept in sync
// with the owning user's nickname by the registry.
type Member struct {
	ConnID string
	Nick   string
	Priv   Privilege
}

// Channel represents an IRC channel. Fields are mutated only by Registry
// methods while holding the registry lock; readers use the accessors.
type Channel struct {
	name    string
	created time.Time

	mu         sync.RWMutex
	topic      string
	topicSetBy string
	topicSetAt time.Time
	modes      ChannelMode
	key        string
	limit      int
	bans       []string
	inviteMask []string
	invited    map[string]struct{}
	members    map[string]*Member
}

func newChannel(name string) *Channel {
	return &Channel{
		name:    name,
		created: time.Now(),
		modes:   ChanNoExternal | ChanTopicOps, // +nt by default
		invited: make(map[string]struct{}),
		members: make(map[string]*Member),
	}
}

// Name returns the channel name as first created
func (c *Channel) Name() string {
	return c.name
}

// CreatedAt returns the channel creation time
func (c *Channel) CreatedAt() time.Time {
	return c.created
}

// Topic returns the topic with its setter and timestamp
func (c *Channel) Topic() (topic, setBy string, setAt time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topic, c.topicSetBy, c.topicSetAt
}

// Modes returns the flag modes
func (c *Channel) Modes() ChannelMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modes
}

// Key returns the channel key, empty when unset
func (c *Channel) Key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// Limit returns the user limit, zero when unset
func (c *Channel) Limit() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limit
}

// Bans returns a copy of the ban list
func (c *Channel) Bans() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.bans...)
}

// InviteMasks returns a copy of the invite exception list (+I)
func (c *Channel) InviteMasks() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.inviteMask...)
}

// IsInvited reports whether connID holds a pending INVITE
func (c *Channel) IsInvited(connID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.invited[connID]
	return ok
}

// Member returns the membership record for connID
func (c *Channel) Member(connID string) (Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.members[connID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// HasMember reports whether connID is a member
func (c *Channel) HasMember(connID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[connID]
	return ok
}

// MemberCount returns the number of members in the channel
func (c *Channel) MemberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Members returns a snapshot of the membership sorted by nickname
func (c *Channel) Members() []Member {
	c.mu.RLock()
	out := make([]Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, *m)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return irc.Casefold(out[i].Nick) < irc.Casefold(out[j].Nick)
	})
	return out
}

// ModeString renders the channel modes for RPL_CHANNELMODEIS. The key is
// included only when showKey is set.
func (c *Channel) ModeString(showKey bool) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var b strings.Builder
	var params []string
	b.WriteByte('+')
	for _, m := range channelModeLetters {
		if c.modes.Has(m.mode) {
			b.WriteRune(m.letter)
		}
	}
	if c.key != "" {
		b.WriteByte('k')
		if showKey {
			params = append(params, c.key)
		}
	}
	if c.limit > 0 {
		b.WriteByte('l')
		params = append(params, strconv.Itoa(c.limit))
	}
	if len(params) > 0 {
		return b.String() + " " + strings.Join(params, " ")
	}
	return b.String()
}

func (c *Channel) isBanned(mask string) bool {
	for _, ban := range c.bans {
		if irc.MatchMask(ban, mask) {
			return true
		}
	}
	return false
}

func (c *Channel) inviteMatches(mask string) bool {
	for _, exc := range c.inviteMask {
		if irc.MatchMask(exc, mask) {
			return true
		}
	}
	return false
}

// addMask appends mask to list unless an equal mask is present
func addMask(list []string, mask string) ([]string, bool) {
	for _, m := range list {
		if irc.EqualFold(m, mask) {
			return list, false
		}
	}
	return append(list, mask), true
}

func removeMask(list []string, mask string) ([]string, bool) {
	for i, m := range list {
		if irc.EqualFold(m, mask) {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}
