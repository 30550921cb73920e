package dispatch

import (
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/presbrey/ircd/irc/session"
	"github.com/presbrey/ircd/irc/state"
	"go.uber.org/zap"
)

// FormatLine builds one wire line without its CRLF terminator
func FormatLine(source, command string, params ...string) string {
	msg := ircmsg.MakeMessage(nil, source, command, params...)
	line, err := msg.Line()
	if err != nil {
		// Only the final parameter may contain spaces or start with a colon
		var b strings.Builder
		if source != "" {
			b.WriteString(":" + source + " ")
		}
		b.WriteString(command)
		for i, p := range params {
			b.WriteByte(' ')
			if i == len(params)-1 {
				b.WriteByte(':')
			}
			b.WriteString(p)
		}
		return b.String()
	}
	return strings.TrimRight(line, "\r\n")
}

func (d *Dispatcher) numericLine(target, numeric string, params ...string) string {
	return FormatLine(d.cfg.ServerName, numeric, append([]string{target}, params...)...)
}

// linkSource is the prefix this server uses on link lines
func (d *Dispatcher) linkSource() string {
	if d.cfg.SID != "" {
		return d.cfg.SID
	}
	return d.cfg.ServerName
}

// sendToConn delivers line to a local session
func (d *Dispatcher) sendToConn(connID, line string) bool {
	if s, ok := d.sessions.Get(connID); ok {
		s.Send(line)
		return true
	}
	return false
}

// linkFor returns the link session through which a remote user is reached
func (d *Dispatcher) linkFor(u state.User) (session.Session, bool) {
	if !u.IsRemote {
		return nil, false
	}
	srv, ok := d.reg.GetRemoteServer(u.RemoteSID)
	if !ok {
		return nil, false
	}
	return d.sessions.Get(srv.ConnID)
}

// sendToChannel delivers line to every local member except one connection
func (d *Dispatcher) sendToChannel(ch *state.Channel, line, except string) {
	for _, m := range ch.Members() {
		if m.ConnID != except {
			d.sendToConn(m.ConnID, line)
		}
	}
}

// sendToCommonChannels delivers line once to every connection sharing a
// channel with connID
func (d *Dispatcher) sendToCommonChannels(connID string, channels []*state.Channel, line string, includeSelf bool) {
	seen := map[string]struct{}{connID: {}}
	if includeSelf {
		d.sendToConn(connID, line)
	}
	for _, ch := range channels {
		for _, m := range ch.Members() {
			if _, dup := seen[m.ConnID]; dup {
				continue
			}
			seen[m.ConnID] = struct{}{}
			d.sendToConn(m.ConnID, line)
		}
	}
}

// sendToLinks delivers line to every registered link except one connection
func (d *Dispatcher) sendToLinks(line, except string) {
	for _, s := range d.sessions.Links() {
		if s.ID() == except {
			continue
		}
		if u, ok := d.reg.GetUser(s.ID()); !ok || !u.Registered {
			continue
		}
		s.Send(line)
	}
}

// UserQuit announces a removed user to its former co-members and, for users
// known to the network, to every link. The registry entry is already gone.
func (d *Dispatcher) UserQuit(s session.Session, u state.User, channels []*state.Channel, reason string) {
	except := ""
	if s != nil && s.Kind() == session.KindLink {
		except = s.ID()
	}
	d.userQuit(u, channels, reason, except)
}

func (d *Dispatcher) userQuit(u state.User, channels []*state.Channel, reason, exceptLink string) {
	if u.IsLink {
		return
	}
	if u.Nick != "" {
		d.sendToCommonChannels(u.ConnID, channels, FormatLine(u.Prefix(), "QUIT", reason), false)
	}
	if u.UID != "" && u.Registered {
		d.sendToLinks(FormatLine(u.UID, "QUIT", reason), exceptLink)
	}
}

// LinkLost announces the servers and users that left with a link
func (d *Dispatcher) LinkLost(s session.Session, servers []state.RemoteServer, removed []state.Removed, reason string) {
	d.log.Info("server link lost",
		zap.String("conn", s.ID()),
		zap.Int("servers", len(servers)),
		zap.Int("users", len(removed)),
		zap.String("reason", reason))
	d.serversLost(s.ID(), servers, removed, reason)
}

func (d *Dispatcher) serversLost(fromConnID string, servers []state.RemoteServer, removed []state.Removed, reason string) {
	for _, r := range removed {
		d.userQuit(r.User, r.Channels, reason, fromConnID)
	}

	gone := make(map[string]struct{}, len(servers))
	for _, srv := range servers {
		gone[srv.SID] = struct{}{}
	}
	for _, srv := range servers {
		if _, parentGone := gone[srv.ParentSID]; parentGone {
			continue
		}
		d.sendToLinks(FormatLine(d.linkSource(), "SQUIT", srv.SID, reason), fromConnID)
	}
}
