package dispatch

import (
	"errors"
	"strconv"
	"strings"

	"github.com/presbrey/ircd/irc"
	"github.com/presbrey/ircd/irc/state"
)

// replyStateError maps a registry error onto its numeric. It returns false
// for errors that have no numeric.
func (c *Context) replyStateError(err error, channel, target string) bool {
	switch {
	case errors.Is(err, state.ErrNoSuchChannel):
		c.Reply(irc.ERR_NOSUCHCHANNEL, channel, "No such channel")
	case errors.Is(err, state.ErrNotOnChannel):
		c.Reply(irc.ERR_NOTONCHANNEL, channel, "You're not on that channel")
	case errors.Is(err, state.ErrNoSuchNick):
		c.Reply(irc.ERR_NOSUCHNICK, target, "No such nick/channel")
	case errors.Is(err, state.ErrUserNotInChannel):
		c.Reply(irc.ERR_USERNOTINCHANNEL, target, channel, "They aren't on that channel")
	case errors.Is(err, state.ErrUserOnChannel):
		c.Reply(irc.ERR_USERONCHANNEL, target, channel, "is already on channel")
	case errors.Is(err, state.ErrChanOpPrivsNeeded):
		c.Reply(irc.ERR_CHANOPRIVSNEEDED, channel, "You're not channel operator")
	case errors.Is(err, state.ErrInviteOnly):
		c.Reply(irc.ERR_INVITEONLYCHAN, channel, "Cannot join channel (+i)")
	case errors.Is(err, state.ErrBadChannelKey):
		c.Reply(irc.ERR_BADCHANNELKEY, channel, "Cannot join channel (+k)")
	case errors.Is(err, state.ErrChannelIsFull):
		c.Reply(irc.ERR_CHANNELISFULL, channel, "Cannot join channel (+l)")
	case errors.Is(err, state.ErrBannedFromChan):
		c.Reply(irc.ERR_BANNEDFROMCHAN, channel, "Cannot join channel (+b)")
	case errors.Is(err, state.ErrNeedMoreParams):
		c.Reply(irc.ERR_NEEDMOREPARAMS, "MODE", "Not enough parameters")
	default:
		return false
	}
	return true
}

func (d *Dispatcher) self(c *Context) state.User {
	u, _ := d.reg.GetUser(c.Session.ID())
	return u
}

func (d *Dispatcher) handleJoin(c *Context) error {
	if err := c.NeedMoreParams(1); err != nil {
		return err
	}
	if c.Param(0) == "0" {
		for _, ch := range d.reg.UserChannels(c.Session.ID()) {
			d.part(c, ch.Name(), "Left all channels")
		}
		return nil
	}

	names := irc.SplitList(c.Param(0))
	keys := strings.Split(c.Param(1), ",")
	for i, name := range names {
		if !irc.IsValidChannelName(name) {
			c.Reply(irc.ERR_NOSUCHCHANNEL, name, "No such channel")
			continue
		}
		key := ""
		if i < len(keys) {
			key = keys[i]
		}

		u := d.self(c)
		ch, _, err := d.reg.JoinChannel(c.Session.ID(), u.Nick, name, state.JoinOptions{
			Key:      key,
			Hostmask: u.Hostmask(),
		})
		if errors.Is(err, state.ErrUserOnChannel) {
			continue
		}
		if err != nil {
			if !c.replyStateError(err, name, "") {
				return err
			}
			continue
		}

		d.sendToChannel(ch, FormatLine(u.Prefix(), "JOIN", ch.Name()), "")
		if topic, setBy, setAt := ch.Topic(); topic != "" {
			c.Reply(irc.RPL_TOPIC, ch.Name(), topic)
			c.Reply(irc.RPL_TOPICWHOTIME, ch.Name(), setBy, strconv.FormatInt(setAt.Unix(), 10))
		}
		d.sendNames(c, ch)
	}
	return nil
}

func (d *Dispatcher) handlePart(c *Context) error {
	if err := c.NeedMoreParams(1); err != nil {
		return err
	}
	for _, name := range irc.SplitList(c.Param(0)) {
		d.part(c, name, c.Param(1))
	}
	return nil
}

func (d *Dispatcher) part(c *Context, name, reason string) {
	u := d.self(c)
	ok, ch := d.reg.TryPartChannel(c.Session.ID(), name)
	if !ok {
		if ch == nil {
			c.Reply(irc.ERR_NOSUCHCHANNEL, name, "No such channel")
		} else {
			c.Reply(irc.ERR_NOTONCHANNEL, name, "You're not on that channel")
		}
		return
	}

	params := []string{ch.Name()}
	if reason != "" {
		params = append(params, reason)
	}
	line := FormatLine(u.Prefix(), "PART", params...)
	c.Session.Send(line)
	d.sendToChannel(ch, line, c.Session.ID())
}

func (d *Dispatcher) handleTopic(c *Context) error {
	if err := c.NeedMoreParams(1); err != nil {
		return err
	}
	name := c.Param(0)

	if len(c.Msg.Params) < 2 {
		ch, ok := d.reg.GetChannel(name)
		if !ok {
			c.Reply(irc.ERR_NOSUCHCHANNEL, name, "No such channel")
			return nil
		}
		if ch.Modes().Has(state.ChanSecret) && !ch.HasMember(c.Session.ID()) {
			c.Reply(irc.ERR_NOTONCHANNEL, name, "You're not on that channel")
			return nil
		}
		topic, setBy, setAt := ch.Topic()
		if topic == "" {
			c.Reply(irc.RPL_NOTOPIC, ch.Name(), "No topic is set")
			return nil
		}
		c.Reply(irc.RPL_TOPIC, ch.Name(), topic)
		c.Reply(irc.RPL_TOPICWHOTIME, ch.Name(), setBy, strconv.FormatInt(setAt.Unix(), 10))
		return nil
	}

	ch, err := d.reg.TrySetTopic(c.Session.ID(), name, c.Param(1))
	if err != nil {
		if !c.replyStateError(err, name, "") {
			return err
		}
		return nil
	}
	d.sendToChannel(ch, FormatLine(d.self(c).Prefix(), "TOPIC", ch.Name(), c.Param(1)), "")
	return nil
}

func (d *Dispatcher) handleNames(c *Context) error {
	if len(c.Msg.Params) == 0 {
		c.Reply(irc.RPL_ENDOFNAMES, "*", "End of /NAMES list")
		return nil
	}
	for _, name := range irc.SplitList(c.Param(0)) {
		ch, ok := d.reg.GetChannel(name)
		if !ok {
			c.Reply(irc.RPL_ENDOFNAMES, name, "End of /NAMES list")
			continue
		}
		d.sendNames(c, ch)
	}
	return nil
}

// sendNames replies RPL_NAMREPLY lines and RPL_ENDOFNAMES. Secret channels
// list members only to members.
func (d *Dispatcher) sendNames(c *Context, ch *state.Channel) {
	modes := ch.Modes()
	isMember := ch.HasMember(c.Session.ID())
	if modes.Has(state.ChanSecret) && !isMember {
		c.Reply(irc.RPL_ENDOFNAMES, ch.Name(), "End of /NAMES list")
		return
	}

	symbol := "="
	switch {
	case modes.Has(state.ChanSecret):
		symbol = "@"
	case modes.Has(state.ChanPrivate):
		symbol = "*"
	}

	userhost := c.State().Caps.Has("userhost-in-names")
	var names []string
	size := 0
	flush := func() {
		if len(names) > 0 {
			c.Reply(irc.RPL_NAMREPLY, symbol, ch.Name(), strings.Join(names, " "))
		}
		names, size = nil, 0
	}

	for _, m := range ch.Members() {
		entry := m.Priv.Prefix() + m.Nick
		if userhost {
			if u, ok := d.reg.GetUser(m.ConnID); ok {
				entry = m.Priv.Prefix() + u.Hostmask()
			}
		}
		if size+len(entry) > 400 {
			flush()
		}
		names = append(names, entry)
		size += len(entry) + 1
	}
	flush()
	c.Reply(irc.RPL_ENDOFNAMES, ch.Name(), "End of /NAMES list")
}

func (d *Dispatcher) handleInvite(c *Context) error {
	if err := c.NeedMoreParams(2); err != nil {
		return err
	}
	nick, name := c.Param(0), c.Param(1)

	target, err := d.reg.TryInvite(c.Session.ID(), name, nick)
	if err != nil {
		if !c.replyStateError(err, name, nick) {
			return err
		}
		return nil
	}

	me := d.self(c)
	c.Reply(irc.RPL_INVITING, target.Nick, name)
	d.sendToConn(target.ConnID, FormatLine(me.Prefix(), "INVITE", target.Nick, name))

	if ch, ok := d.reg.GetChannel(name); ok {
		notify := FormatLine(me.Prefix(), "INVITE", target.Nick, ch.Name())
		for _, m := range ch.Members() {
			if m.ConnID == c.Session.ID() || m.Priv < state.PrivHalfop {
				continue
			}
			if u, ok := d.reg.GetUser(m.ConnID); ok && u.Caps.Has("invite-notify") {
				d.sendToConn(m.ConnID, notify)
			}
		}
	}
	return nil
}

func (d *Dispatcher) handleKick(c *Context) error {
	if err := c.NeedMoreParams(2); err != nil {
		return err
	}
	name := c.Param(0)
	me := d.self(c)
	reason := c.Param(2)
	if reason == "" {
		reason = me.Nick
	}

	for _, nick := range irc.SplitList(c.Param(1)) {
		target, ch, err := d.reg.TryKick(c.Session.ID(), name, nick)
		if err != nil {
			if !c.replyStateError(err, name, nick) {
				return err
			}
			continue
		}
		line := FormatLine(me.Prefix(), "KICK", ch.Name(), target.Nick, reason)
		d.sendToChannel(ch, line, "")
		d.sendToConn(target.ConnID, line)
	}
	return nil
}

func (d *Dispatcher) handleMode(c *Context) error {
	if err := c.NeedMoreParams(1); err != nil {
		return err
	}
	if irc.IsChannelName(c.Param(0)) {
		return d.channelMode(c)
	}
	return d.userMode(c)
}

// Channel modes that consume a parameter when set and when unset
var (
	paramOnSet   = map[rune]bool{'b': true, 'I': true, 'k': true, 'l': true, 'q': true, 'a': true, 'o': true, 'h': true, 'v': true}
	paramOnUnset = map[rune]bool{'b': true, 'I': true, 'k': true, 'q': true, 'a': true, 'o': true, 'h': true, 'v': true}
)

func (d *Dispatcher) channelMode(c *Context) error {
	name := c.Param(0)
	ch, ok := d.reg.GetChannel(name)
	if !ok {
		c.Reply(irc.ERR_NOSUCHCHANNEL, name, "No such channel")
		return nil
	}

	if len(c.Msg.Params) < 2 {
		modes := strings.Fields(ch.ModeString(ch.HasMember(c.Session.ID())))
		c.Reply(irc.RPL_CHANNELMODEIS, append([]string{ch.Name()}, modes...)...)
		c.Reply(irc.RPL_CREATIONTIME, ch.Name(), strconv.FormatInt(ch.CreatedAt().Unix(), 10))
		return nil
	}

	changes, lists := parseChannelModes(c.Param(1), c.Msg.Params[2:])
	for _, mode := range lists {
		d.sendModeList(c, ch, mode)
	}
	if len(changes) == 0 {
		return nil
	}

	applied, err := d.reg.TryApplyChannelModes(c.Session.ID(), name, changes)
	if err != nil {
		if errors.Is(err, state.ErrUnknownMode) {
			c.Reply(irc.ERR_UNKNOWNMODE, unknownMode(changes), "is unknown mode char to me")
			return nil
		}
		target := ""
		for _, mc := range changes {
			if _, priv := state.PrivilegeForMode(mc.Mode); priv {
				target = mc.Param
			}
		}
		if !c.replyStateError(err, name, target) {
			return err
		}
		return nil
	}
	if len(applied) == 0 {
		return nil
	}

	modes, params := formatModeChanges(applied)
	d.sendToChannel(ch, FormatLine(d.self(c).Prefix(), "MODE", append([]string{ch.Name(), modes}, params...)...), "")
	return nil
}

// parseChannelModes splits a mode string into changes. List modes given
// without a mask are returned separately as list queries.
func parseChannelModes(modestr string, args []string) ([]state.ModeChange, []rune) {
	var changes []state.ModeChange
	var lists []rune
	enable := true
	for _, r := range modestr {
		switch r {
		case '+':
			enable = true
			continue
		case '-':
			enable = false
			continue
		}

		change := state.ModeChange{Mode: r, Enable: enable}
		needs := paramOnSet[r]
		if !enable {
			needs = paramOnUnset[r]
		}
		if needs && len(args) > 0 {
			change.Param, args = args[0], args[1:]
		} else if r == 'b' || r == 'I' {
			lists = append(lists, r)
			continue
		}
		changes = append(changes, change)
	}
	return changes, lists
}

func unknownMode(changes []state.ModeChange) string {
	for _, c := range changes {
		if _, ok := state.PrivilegeForMode(c.Mode); ok {
			continue
		}
		if _, ok := state.ChannelModeForLetter(c.Mode); ok {
			continue
		}
		switch c.Mode {
		case 'b', 'I', 'k', 'l':
			continue
		}
		return string(c.Mode)
	}
	return "?"
}

// formatModeChanges renders changes as "+o-v" plus their parameters
func formatModeChanges(changes []state.ModeChange) (string, []string) {
	var b strings.Builder
	var params []string
	sign := byte(0)
	for _, c := range changes {
		want := byte('-')
		if c.Enable {
			want = '+'
		}
		if want != sign {
			b.WriteByte(want)
			sign = want
		}
		b.WriteRune(c.Mode)
		if c.Param != "" {
			params = append(params, c.Param)
		}
	}
	return b.String(), params
}

func (d *Dispatcher) sendModeList(c *Context, ch *state.Channel, mode rune) {
	if mode == 'I' {
		for _, mask := range ch.InviteMasks() {
			c.Reply(irc.RPL_INVITELIST, ch.Name(), mask)
		}
		c.Reply(irc.RPL_ENDOFINVITELIST, ch.Name(), "End of channel invite list")
		return
	}
	for _, mask := range ch.Bans() {
		c.Reply(irc.RPL_BANLIST, ch.Name(), mask)
	}
	c.Reply(irc.RPL_ENDOFBANLIST, ch.Name(), "End of channel ban list")
}

func (d *Dispatcher) userMode(c *Context) error {
	st := c.State()
	if !irc.EqualFold(c.Param(0), st.Nick) {
		c.Reply(irc.ERR_USERSDONTMATCH, "Cant change mode for other users")
		return nil
	}
	if len(c.Msg.Params) < 2 {
		c.Reply(irc.RPL_UMODEIS, st.Modes.String())
		return nil
	}

	before := st.Modes
	enable := true
	unknown := false
	for _, r := range c.Param(1) {
		switch r {
		case '+':
			enable = true
			continue
		case '-':
			enable = false
			continue
		}
		bit, ok := state.UserModeForLetter(r)
		if !ok {
			unknown = true
			continue
		}
		switch {
		case bit == state.UModeInvisible || bit == state.UModeWallops || bit == state.UModeBot:
			if enable {
				st.Modes |= bit
			} else {
				st.Modes &^= bit
			}
		case bit == state.UModeOper && !enable:
			st.Modes &^= bit
		}
	}
	if unknown {
		c.Reply(irc.ERR_UMODEUNKNOWNFLAG, "Unknown MODE flag")
	}

	if st.Modes == before {
		return nil
	}
	modes := st.Modes
	d.reg.UpdateUser(c.Session.ID(), func(u *state.User) { u.Modes = modes })
	c.Session.Send(FormatLine(st.Nick, "MODE", st.Nick, userModeDiff(before, modes)))
	return nil
}

// userModeDiff renders the change from before to after as "+i-w"
func userModeDiff(before, after state.UserMode) string {
	var added, removed strings.Builder
	for _, r := range "iworZB" {
		bit, _ := state.UserModeForLetter(r)
		switch {
		case after.Has(bit) && !before.Has(bit):
			added.WriteRune(r)
		case before.Has(bit) && !after.Has(bit):
			removed.WriteRune(r)
		}
	}
	out := ""
	if added.Len() > 0 {
		out += "+" + added.String()
	}
	if removed.Len() > 0 {
		out += "-" + removed.String()
	}
	return out
}
