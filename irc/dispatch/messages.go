package dispatch

import (
	"github.com/presbrey/ircd/irc"
	"github.com/presbrey/ircd/irc/state"
)

func (d *Dispatcher) handlePrivmsg(c *Context) error {
	return d.message(c, "PRIVMSG", true)
}

func (d *Dispatcher) handleNotice(c *Context) error {
	return d.message(c, "NOTICE", false)
}

// message delivers PRIVMSG or NOTICE to each target. NOTICE never triggers
// error replies.
func (d *Dispatcher) message(c *Context, command string, replies bool) error {
	if len(c.Msg.Params) == 0 {
		if replies {
			c.Reply(irc.ERR_NORECIPIENT, "No recipient given ("+command+")")
		}
		return nil
	}
	text := c.Param(1)
	if text == "" {
		if replies {
			c.Reply(irc.ERR_NOTEXTTOSEND, "No text to send")
		}
		return nil
	}

	me := d.self(c)
	echo := c.State().Caps.Has("echo-message")

	for _, target := range irc.SplitList(c.Param(0)) {
		if irc.IsChannelName(target) {
			ch, ok := d.reg.GetChannel(target)
			if !ok {
				if replies {
					c.Reply(irc.ERR_NOSUCHCHANNEL, target, "No such channel")
				}
				continue
			}
			if !canSendToChannel(ch, c.Session.ID()) {
				if replies {
					c.Reply(irc.ERR_CANNOTSENDTOCHAN, ch.Name(), "Cannot send to channel")
				}
				continue
			}
			line := FormatLine(me.Prefix(), command, ch.Name(), text)
			d.sendToChannel(ch, line, c.Session.ID())
			if echo {
				c.Session.Send(line)
			}
			continue
		}

		u, ok := d.reg.GetUserByNick(target)
		if !ok || u.IsLink {
			if replies {
				c.Reply(irc.ERR_NOSUCHNICK, target, "No such nick/channel")
			}
			continue
		}
		d.deliverToUser(me, u, command, text)
		if echo {
			c.Session.Send(FormatLine(me.Prefix(), command, u.Nick, text))
		}
	}
	return nil
}

// deliverToUser sends a message to a local user directly, or to a remote
// user through the link that introduced it
func (d *Dispatcher) deliverToUser(from, to state.User, command, text string) {
	if !to.IsRemote {
		d.sendToConn(to.ConnID, FormatLine(from.Prefix(), command, to.Nick, text))
		return
	}
	link, ok := d.linkFor(to)
	if !ok || from.UID == "" {
		return
	}
	link.Send(FormatLine(from.UID, command, to.UID, text))
}

// canSendToChannel applies +n and +m
func canSendToChannel(ch *state.Channel, connID string) bool {
	member, isMember := ch.Member(connID)
	modes := ch.Modes()
	if !isMember && modes.Has(state.ChanNoExternal) {
		return false
	}
	if modes.Has(state.ChanModerated) && (!isMember || member.Priv < state.PrivVoice) {
		return false
	}
	return true
}
