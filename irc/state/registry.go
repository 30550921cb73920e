// Package state is the in-memory directory of users, nicknames, channels and
// linked servers shared by every connection.
//
// A single lock guards all indexes. Each exported method that touches more
// than one index (nick index and User.Nick, channel membership and the
// per-connection joined set, the server forest and remote users) performs
// every paired mutation while holding that lock, so no caller observes one
// index updated and a dependent index stale. Lock order is registry, then
// channel.
package state

import (
	"errors"
	"sort"
	"sync"

	"github.com/presbrey/ircd/irc"
)

var (
	ErrNoSuchChannel     = errors.New("no such channel")
	ErrNotOnChannel      = errors.New("not on channel")
	ErrNoSuchNick        = errors.New("no such nick")
	ErrUserNotInChannel  = errors.New("user not in channel")
	ErrUserOnChannel     = errors.New("user already on channel")
	ErrChanOpPrivsNeeded = errors.New("channel privileges needed")
	ErrUnknownMode       = errors.New("unknown mode")
	ErrInviteOnly        = errors.New("invite only channel")
	ErrBadChannelKey     = errors.New("bad channel key")
	ErrChannelIsFull     = errors.New("channel is full")
	ErrBannedFromChan    = errors.New("banned from channel")
	ErrNeedMoreParams    = errors.New("mode needs a parameter")
)

// Registry is the concurrent directory of users, channels and remote servers
type Registry struct {
	mu       sync.RWMutex
	users    map[string]*User
	nicks    map[string]string // casefolded nick -> conn id
	uids     map[string]string // uid -> conn id
	channels map[string]*Channel
	joined   map[string]map[string]*Channel // conn id -> casefolded channel -> channel

	servers     map[string]*RemoteServer       // sid -> server
	serverNames map[string]string              // casefolded name -> sid
	children    map[string]map[string]struct{} // parent sid -> child sids
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		users:       make(map[string]*User),
		nicks:       make(map[string]string),
		uids:        make(map[string]string),
		channels:    make(map[string]*Channel),
		joined:      make(map[string]map[string]*Channel),
		servers:     make(map[string]*RemoteServer),
		serverNames: make(map[string]string),
		children:    make(map[string]map[string]struct{}),
	}
}

// TryAddUser registers a connection. It fails only when the connection id
// (or a non-empty uid) is already present. The nickname is not bound here;
// use TrySetNick.
func (r *Registry) TryAddUser(u User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[u.ConnID]; exists {
		return false
	}
	if u.UID != "" {
		if _, exists := r.uids[u.UID]; exists {
			return false
		}
	}

	u.Nick = ""
	stored := u.clone()
	r.users[u.ConnID] = &stored
	if u.UID != "" {
		r.uids[u.UID] = u.ConnID
	}
	return true
}

// TryAddRemoteUser adds a user introduced by a server link, binding its
// nickname and uid in one step. It fails without side effects if the
// connection id, nickname or uid is already bound.
func (r *Registry) TryAddRemoteUser(u User) bool {
	if u.ConnID == "" || u.Nick == "" || u.UID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	folded := irc.Casefold(u.Nick)
	if _, exists := r.users[u.ConnID]; exists {
		return false
	}
	if _, exists := r.nicks[folded]; exists {
		return false
	}
	if _, exists := r.uids[u.UID]; exists {
		return false
	}

	u.IsRemote = true
	stored := u.clone()
	r.users[u.ConnID] = &stored
	r.nicks[folded] = u.ConnID
	r.uids[u.UID] = u.ConnID
	return true
}

// GetUser returns a copy of the user record for connID
func (r *Registry) GetUser(connID string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[connID]
	if !ok {
		return User{}, false
	}
	return u.clone(), true
}

// GetUserByNick looks up a user by nickname, case-insensitively
func (r *Registry) GetUserByNick(nick string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.nicks[irc.Casefold(nick)]
	if !ok {
		return User{}, false
	}
	return r.users[connID].clone(), true
}

// GetUserByUID looks up a user by federation uid
func (r *Registry) GetUserByUID(uid string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.uids[uid]
	if !ok {
		return User{}, false
	}
	return r.users[connID].clone(), true
}

// Users returns a snapshot of every user record
func (r *Registry) Users() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u.clone())
	}
	return out
}

// UpdateUser applies fn to the user record under the registry lock. The
// indexed fields (ConnID, Nick, UID) cannot be changed this way; use
// TrySetNick and SetUID.
func (r *Registry) UpdateUser(connID string, fn func(*User)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[connID]
	if !ok {
		return false
	}
	working := u.clone()
	fn(&working)
	working.ConnID, working.Nick, working.UID = u.ConnID, u.Nick, u.UID
	*u = working
	return true
}

// SetUID binds a federation uid to a user that does not have one yet
func (r *Registry) SetUID(connID, uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[connID]
	if !ok || u.UID != "" || uid == "" {
		return false
	}
	if _, exists := r.uids[uid]; exists {
		return false
	}
	u.UID = uid
	r.uids[uid] = connID
	return true
}

// TrySetNick binds nick to connID. It fails if the nickname is bound to a
// different connection. On success the old binding is released, the new one
// installed, User.Nick updated and every membership snapshot refreshed, all
// under one lock.
func (r *Registry) TrySetNick(connID, nick string) bool {
	if nick == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[connID]
	if !ok {
		return false
	}

	folded := irc.Casefold(nick)
	if owner, bound := r.nicks[folded]; bound && owner != connID {
		return false
	}

	if u.Nick != "" {
		if old := irc.Casefold(u.Nick); old != folded {
			delete(r.nicks, old)
		}
	}
	r.nicks[folded] = connID
	u.Nick = nick
	r.renameMemberLocked(connID, nick)
	return true
}

// UpdateNickInUserChannels writes newNick into the membership record of every
// channel connID has joined and returns those channels
func (r *Registry) UpdateNickInUserChannels(connID, newNick string) []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renameMemberLocked(connID, newNick)
}

func (r *Registry) renameMemberLocked(connID, nick string) []*Channel {
	joined := r.joined[connID]
	touched := make([]*Channel, 0, len(joined))
	for _, ch := range joined {
		ch.mu.Lock()
		if m, ok := ch.members[connID]; ok {
			m.Nick = nick
		}
		ch.mu.Unlock()
		touched = append(touched, ch)
	}
	sortChannels(touched)
	return touched
}

// RemoveUser removes connID from every joined channel (deleting channels
// left empty) and releases its nick and uid bindings. It returns the removed
// record and the channels it occupied. Repeated calls return false.
func (r *Registry) RemoveUser(connID string) (User, []*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[connID]
	if !ok {
		return User{}, nil, false
	}
	channels := r.removeUserLocked(u)
	return u.clone(), channels, true
}

func (r *Registry) removeUserLocked(u *User) []*Channel {
	joined := r.joined[u.ConnID]
	channels := make([]*Channel, 0, len(joined))
	for folded, ch := range joined {
		ch.mu.Lock()
		delete(ch.members, u.ConnID)
		delete(ch.invited, u.ConnID)
		empty := len(ch.members) == 0
		ch.mu.Unlock()
		if empty {
			delete(r.channels, folded)
		}
		channels = append(channels, ch)
	}
	delete(r.joined, u.ConnID)

	if u.Nick != "" {
		folded := irc.Casefold(u.Nick)
		if r.nicks[folded] == u.ConnID {
			delete(r.nicks, folded)
		}
	}
	if u.UID != "" && r.uids[u.UID] == u.ConnID {
		delete(r.uids, u.UID)
	}

	// Pending invites elsewhere
	for _, ch := range r.channels {
		ch.mu.Lock()
		delete(ch.invited, u.ConnID)
		ch.mu.Unlock()
	}

	delete(r.users, u.ConnID)
	sortChannels(channels)
	return channels
}

// UserCount returns the number of users, excluding server-link placeholders
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, u := range r.users {
		if !u.IsLink {
			n++
		}
	}
	return n
}

// ChannelCount returns the number of channels
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// IsJoined reports whether connID is a member of name according to the
// per-connection joined index
func (r *Registry) IsJoined(connID, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.joined[connID][irc.Casefold(name)]
	return ok
}

// UserChannels returns the channels connID has joined, sorted by name
func (r *Registry) UserChannels(connID string) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.joined[connID]
	out := make([]*Channel, 0, len(joined))
	for _, ch := range joined {
		out = append(out, ch)
	}
	sortChannels(out)
	return out
}

// GetChannel looks up a channel by name, case-insensitively
func (r *Registry) GetChannel(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[irc.Casefold(name)]
	return ch, ok
}

// Channels returns every channel sorted by name
func (r *Registry) Channels() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sortChannels(out)
	return out
}

func sortChannels(chs []*Channel) {
	sort.Slice(chs, func(i, j int) bool {
		return irc.Casefold(chs[i].name) < irc.Casefold(chs[j].name)
	})
}
