package state

import (
	"strconv"
	"time"

	"github.com/presbrey/ircd/irc"
)

// JoinOptions carries the credentials a JOIN presents against channel policy
type JoinOptions struct {
	Key      string
	Hostmask string
	// Force skips +i, +k, +l and ban checks (services and remote joins)
	Force bool
}

// TryJoinChannel adds connID to the channel, creating it if absent. The
// first joiner of a new channel becomes owner. It fails if connID is unknown
// or already a member.
func (r *Registry) TryJoinChannel(connID, nick, name string) bool {
	_, _, err := r.JoinChannel(connID, nick, name, JoinOptions{Force: true})
	return err == nil
}

// JoinChannel adds connID to the channel after checking invite-only, key,
// limit and ban policy against the channel's current state, all under the
// registry lock. It reports whether the channel was created by this join.
func (r *Registry) JoinChannel(connID, nick, name string, opts JoinOptions) (*Channel, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[connID]; !ok {
		return nil, false, ErrNoSuchNick
	}

	folded := irc.Casefold(name)
	ch, exists := r.channels[folded]
	if !exists {
		ch = newChannel(name)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, member := ch.members[connID]; member {
		return ch, false, ErrUserOnChannel
	}

	priv := PrivNone
	if !exists {
		priv = PrivOwner
	} else if !opts.Force {
		_, invited := ch.invited[connID]
		if ch.modes.Has(ChanInviteOnly) && !invited && !ch.inviteMatches(opts.Hostmask) {
			return ch, false, ErrInviteOnly
		}
		if ch.key != "" && ch.key != opts.Key {
			return ch, false, ErrBadChannelKey
		}
		if ch.limit > 0 && len(ch.members) >= ch.limit {
			return ch, false, ErrChannelIsFull
		}
		if !invited && ch.isBanned(opts.Hostmask) {
			return ch, false, ErrBannedFromChan
		}
	}

	ch.members[connID] = &Member{ConnID: connID, Nick: nick, Priv: priv}
	delete(ch.invited, connID)
	if !exists {
		r.channels[folded] = ch
	}
	if r.joined[connID] == nil {
		r.joined[connID] = make(map[string]*Channel)
	}
	r.joined[connID][folded] = ch
	return ch, !exists, nil
}

// TryPartChannel removes connID from the channel, deleting the channel when
// it becomes empty. The returned channel may already be detached from the
// registry; it is meant for broadcasting the PART.
func (r *Registry) TryPartChannel(connID, name string) (bool, *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	folded := irc.Casefold(name)
	ch, ok := r.channels[folded]
	if !ok {
		return false, nil
	}
	if !r.removeMemberLocked(ch, folded, connID) {
		return false, ch
	}
	return true, ch
}

func (r *Registry) removeMemberLocked(ch *Channel, folded, connID string) bool {
	ch.mu.Lock()
	_, member := ch.members[connID]
	if member {
		delete(ch.members, connID)
	}
	empty := len(ch.members) == 0
	ch.mu.Unlock()

	if !member {
		return false
	}
	if joined := r.joined[connID]; joined != nil {
		delete(joined, folded)
		if len(joined) == 0 {
			delete(r.joined, connID)
		}
	}
	if empty {
		delete(r.channels, folded)
	}
	return true
}

// TryKick removes targetNick from the channel on behalf of actorConnID. The
// actor needs at least halfop and may not kick a member ranked above itself.
func (r *Registry) TryKick(actorConnID, name, targetNick string) (Member, *Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	folded := irc.Casefold(name)
	ch, ok := r.channels[folded]
	if !ok {
		return Member{}, nil, ErrNoSuchChannel
	}
	targetID, ok := r.nicks[irc.Casefold(targetNick)]
	if !ok {
		return Member{}, ch, ErrNoSuchNick
	}

	ch.mu.RLock()
	actor, actorIn := ch.members[actorConnID]
	target, targetIn := ch.members[targetID]
	var actorPriv, targetPriv Privilege
	var victim Member
	if actorIn {
		actorPriv = actor.Priv
	}
	if targetIn {
		targetPriv = target.Priv
		victim = *target
	}
	ch.mu.RUnlock()

	switch {
	case !actorIn:
		return Member{}, ch, ErrNotOnChannel
	case !targetIn:
		return Member{}, ch, ErrUserNotInChannel
	case actorPriv < PrivHalfop || targetPriv > actorPriv:
		return Member{}, ch, ErrChanOpPrivsNeeded
	}

	r.removeMemberLocked(ch, folded, targetID)
	return victim, ch, nil
}

// TrySetTopic sets the topic, honoring +t
func (r *Registry) TrySetTopic(connID, name, topic string) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[irc.Casefold(name)]
	if !ok {
		return nil, ErrNoSuchChannel
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	m, ok := ch.members[connID]
	if !ok {
		return ch, ErrNotOnChannel
	}
	if ch.modes.Has(ChanTopicOps) && m.Priv < PrivHalfop {
		return ch, ErrChanOpPrivsNeeded
	}

	ch.topic = topic
	ch.topicSetBy = m.Nick
	if u, ok := r.users[connID]; ok && u.Nick != "" {
		ch.topicSetBy = u.Hostmask()
	}
	ch.topicSetAt = time.Now()
	return ch, nil
}

// AddInvite records a pending invite for connID
func (r *Registry) AddInvite(name, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[irc.Casefold(name)]
	if !ok {
		return false
	}
	if _, ok := r.users[connID]; !ok {
		return false
	}
	ch.mu.Lock()
	ch.invited[connID] = struct{}{}
	ch.mu.Unlock()
	return true
}

// TryInvite validates an INVITE from actorConnID and records it. Invites to
// +i channels require halfop. It returns the invited user.
func (r *Registry) TryInvite(actorConnID, name, targetNick string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targetID, ok := r.nicks[irc.Casefold(targetNick)]
	if !ok {
		return User{}, ErrNoSuchNick
	}
	ch, ok := r.channels[irc.Casefold(name)]
	if !ok {
		return User{}, ErrNoSuchChannel
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	actor, ok := ch.members[actorConnID]
	if !ok {
		return User{}, ErrNotOnChannel
	}
	if _, ok := ch.members[targetID]; ok {
		return User{}, ErrUserOnChannel
	}
	if ch.modes.Has(ChanInviteOnly) && actor.Priv < PrivHalfop {
		return User{}, ErrChanOpPrivsNeeded
	}
	ch.invited[targetID] = struct{}{}
	return r.users[targetID].clone(), nil
}

// TrySetChannelPrivilege grants or revokes a privilege level on targetNick.
// Enabling a level above the actor's own is rejected, as is disabling a
// target ranked above the actor. It reports whether anything changed.
func (r *Registry) TrySetChannelPrivilege(actorConnID, name, targetNick string, level Privilege, enable bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[irc.Casefold(name)]
	if !ok {
		return false, ErrNoSuchChannel
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	actor, ok := ch.members[actorConnID]
	if !ok {
		return false, ErrNotOnChannel
	}
	target, err := r.privilegeTargetLocked(ch, actor, targetNick, level, enable)
	if err != nil {
		return false, err
	}
	return applyPrivilege(target, level, enable), nil
}

func (r *Registry) privilegeTargetLocked(ch *Channel, actor *Member, targetNick string, level Privilege, enable bool) (*Member, error) {
	if level <= PrivNone || level > PrivOwner {
		return nil, ErrUnknownMode
	}
	if actor.Priv < PrivHalfop {
		return nil, ErrChanOpPrivsNeeded
	}
	targetID, ok := r.nicks[irc.Casefold(targetNick)]
	if !ok {
		return nil, ErrNoSuchNick
	}
	target, ok := ch.members[targetID]
	if !ok {
		return nil, ErrUserNotInChannel
	}
	if enable && level > actor.Priv {
		return nil, ErrChanOpPrivsNeeded
	}
	if !enable && target.Priv > actor.Priv {
		return nil, ErrChanOpPrivsNeeded
	}
	return target, nil
}

func applyPrivilege(target *Member, level Privilege, enable bool) bool {
	if enable {
		if target.Priv < level {
			target.Priv = level
			return true
		}
		return false
	}
	if target.Priv == level {
		target.Priv = PrivNone
		return true
	}
	return false
}

// TryApplyChannelModes validates every change against the actor's privilege
// and then applies them together. List modes (b, I) need halfop, flag and
// parameter modes need op and privilege modes follow TrySetChannelPrivilege.
// Nothing is applied if any change is rejected. The returned slice holds the
// changes that altered state, for broadcasting.
func (r *Registry) TryApplyChannelModes(connID, name string, changes []ModeChange) ([]ModeChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[irc.Casefold(name)]
	if !ok {
		return nil, ErrNoSuchChannel
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	actor, ok := ch.members[connID]
	if !ok {
		return nil, ErrNotOnChannel
	}

	targets := make([]*Member, len(changes))
	for i, c := range changes {
		if level, ok := PrivilegeForMode(c.Mode); ok {
			if c.Param == "" {
				return nil, ErrNeedMoreParams
			}
			target, err := r.privilegeTargetLocked(ch, actor, c.Param, level, c.Enable)
			if err != nil {
				return nil, err
			}
			targets[i] = target
			continue
		}

		switch c.Mode {
		case 'b', 'I':
			if actor.Priv < PrivHalfop {
				return nil, ErrChanOpPrivsNeeded
			}
		case 'k':
			if actor.Priv < PrivOp {
				return nil, ErrChanOpPrivsNeeded
			}
			if c.Enable && c.Param == "" {
				return nil, ErrNeedMoreParams
			}
		case 'l':
			if actor.Priv < PrivOp {
				return nil, ErrChanOpPrivsNeeded
			}
			if c.Enable {
				if n, err := strconv.Atoi(c.Param); err != nil || n <= 0 {
					return nil, ErrNeedMoreParams
				}
			}
		default:
			if _, ok := ChannelModeForLetter(c.Mode); !ok {
				return nil, ErrUnknownMode
			}
			if actor.Priv < PrivOp {
				return nil, ErrChanOpPrivsNeeded
			}
		}
	}

	applied := make([]ModeChange, 0, len(changes))
	for i, c := range changes {
		changed := false
		switch {
		case targets[i] != nil:
			level, _ := PrivilegeForMode(c.Mode)
			changed = applyPrivilege(targets[i], level, c.Enable)
		case c.Mode == 'b':
			if c.Param == "" {
				continue
			}
			if c.Enable {
				ch.bans, changed = addMask(ch.bans, c.Param)
			} else {
				ch.bans, changed = removeMask(ch.bans, c.Param)
			}
		case c.Mode == 'I':
			if c.Param == "" {
				continue
			}
			if c.Enable {
				ch.inviteMask, changed = addMask(ch.inviteMask, c.Param)
			} else {
				ch.inviteMask, changed = removeMask(ch.inviteMask, c.Param)
			}
		case c.Mode == 'k':
			if c.Enable {
				changed = ch.key != c.Param
				ch.key = c.Param
			} else {
				changed = ch.key != ""
				ch.key = ""
				c.Param = "*"
			}
		case c.Mode == 'l':
			if c.Enable {
				n, _ := strconv.Atoi(c.Param)
				changed = ch.limit != n
				ch.limit = n
			} else {
				changed = ch.limit != 0
				ch.limit = 0
				c.Param = ""
			}
		default:
			bit, _ := ChannelModeForLetter(c.Mode)
			before := ch.modes
			if c.Enable {
				ch.modes |= bit
			} else {
				ch.modes &^= bit
			}
			changed = before != ch.modes
			c.Param = ""
		}
		if changed {
			applied = append(applied, c)
		}
	}
	return applied, nil
}
