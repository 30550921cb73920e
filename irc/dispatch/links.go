package dispatch

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/presbrey/ircd/irc"
	"github.com/presbrey/ircd/irc/session"
	"github.com/presbrey/ircd/irc/state"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Commands a link may send before its SERVER line is accepted
var linkPreRegistration = map[string]bool{
	"PASS":   true,
	"SERVER": true,
	"PING":   true,
	"PONG":   true,
	"ERROR":  true,
}

func (d *Dispatcher) registerLinkCommands() {
	d.RegisterWithPriority(session.KindLink, Wildcard, d.requireLinkRegistration, -100)

	d.Register(session.KindLink, "PASS", d.handleLinkPass)
	d.Register(session.KindLink, "SERVER", d.handleServer)
	d.Register(session.KindLink, "SID", d.handleSID)
	d.Register(session.KindLink, "UID", d.handleUID)
	d.Register(session.KindLink, "NICK", d.handleRemoteNick)
	d.Register(session.KindLink, "QUIT", d.handleRemoteQuit)
	d.Register(session.KindLink, "SQUIT", d.handleSquit)
	d.Register(session.KindLink, "PING", d.handleLinkPing)
	d.Register(session.KindLink, "PONG", d.handlePong)
	d.Register(session.KindLink, "ERROR", d.handleLinkError)
	d.Register(session.KindLink, "PRIVMSG", d.handleRemotePrivmsg)
	d.Register(session.KindLink, "NOTICE", d.handleRemotePrivmsg)
}

func (d *Dispatcher) requireLinkRegistration(c *Context) error {
	if c.State().Registered || linkPreRegistration[c.Msg.Command] {
		return nil
	}
	c.Session.Close("Not registered")
	return ErrStop
}

// PASS <password> [TS 6 <sid>]
func (d *Dispatcher) handleLinkPass(c *Context) error {
	if len(c.Msg.Params) == 0 {
		c.Session.Close("Need more params")
		return ErrStop
	}
	st := c.State()
	if st.Registered {
		return nil
	}
	st.Password = c.Param(0)
	if len(c.Msg.Params) >= 4 {
		st.LinkSID = c.Msg.Params[len(c.Msg.Params)-1]
	}
	return nil
}

// SERVER <name> <hops> [<sid>] :<description>
func (d *Dispatcher) handleServer(c *Context) error {
	st := c.State()
	if st.Registered {
		return nil
	}
	if len(c.Msg.Params) < 3 {
		c.Session.Close("Need more params")
		return ErrStop
	}

	name := c.Param(0)
	desc := c.Msg.Params[len(c.Msg.Params)-1]
	sid := st.LinkSID
	if len(c.Msg.Params) >= 4 {
		sid = c.Param(2)
	}
	log := c.Log().With(zap.String("server", name), zap.String("sid", sid))

	hash, ok := d.cfg.LinkPassword(name)
	if !ok {
		log.Warn("link from unknown server")
		c.Session.Close("Unauthorized server")
		return ErrStop
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(st.Password)) != nil {
		log.Warn("link password mismatch")
		c.Session.Close("Bad link password")
		return ErrStop
	}
	st.Password = ""
	if len(sid) != 3 || sid == d.cfg.SID || irc.EqualFold(name, d.cfg.ServerName) {
		c.Session.Close("Invalid server identity")
		return ErrStop
	}

	srv := state.RemoteServer{
		Name:        name,
		SID:         sid,
		Description: desc,
		ConnID:      c.Session.ID(),
		Hops:        1,
		LinkedAt:    d.now(),
	}
	if !d.reg.TryRegisterRemoteServer(srv) {
		log.Warn("server already linked")
		c.Session.Close("Server exists")
		return ErrStop
	}

	st.Registered = true
	st.LinkName, st.LinkSID, st.LinkDesc = name, sid, desc
	st.LinkPassword = true
	d.reg.UpdateUser(c.Session.ID(), func(u *state.User) {
		u.Registered = true
		u.RegisteredAt = srv.LinkedAt
		u.Realname = desc
	})
	log.Info("server linked")

	d.burst(c.Session)
	d.sendToLinks(FormatLine(d.linkSource(), "SID", name, "2", sid, desc), c.Session.ID())
	return nil
}

// burst introduces this server, every known server and every known user to
// a newly linked peer
func (d *Dispatcher) burst(link session.Session) {
	link.Send(FormatLine("", "SERVER", d.cfg.ServerName, "1", d.cfg.SID, d.cfg.Description))

	servers := d.reg.RemoteServers()
	sort.SliceStable(servers, func(i, j int) bool { return servers[i].Hops < servers[j].Hops })
	hops := make(map[string]int, len(servers))
	for _, srv := range servers {
		hops[srv.SID] = srv.Hops
		if srv.ConnID == link.ID() {
			continue
		}
		parent := srv.ParentSID
		if parent == "" {
			parent = d.cfg.SID
		}
		link.Send(FormatLine(parent, "SID", srv.Name, strconv.Itoa(srv.Hops+1), srv.SID, srv.Description))
	}

	for _, u := range d.reg.Users() {
		if !u.Registered || u.IsLink || u.UID == "" {
			continue
		}
		if u.IsRemote {
			srv, ok := d.reg.GetRemoteServer(u.RemoteSID)
			if !ok || srv.ConnID == link.ID() {
				continue
			}
			link.Send(d.uidLine(u.RemoteSID, u, hops[u.RemoteSID]+1))
			continue
		}
		link.Send(d.uidLine(d.cfg.SID, u, 1))
	}
}

// uidLine introduces a user: :<sid> UID <nick> <hops> <ts> <modes> <user> <host> <ip> <uid> :<realname>
func (d *Dispatcher) uidLine(sid string, u state.User, hops int) string {
	ip := u.RemoteIP
	if ip == "" {
		ip = "0"
	}
	host := u.Host
	if host == "" {
		host = ip
	}
	username := u.Username
	if username == "" {
		username = "*"
	}
	return FormatLine(sid, "UID",
		u.Nick,
		strconv.Itoa(hops),
		strconv.FormatInt(u.RegisteredAt.Unix(), 10),
		u.Modes.String(),
		username,
		host,
		ip,
		u.UID,
		u.Realname)
}

// ownedBy reports whether sid is reached through the link
func (d *Dispatcher) ownedBy(link session.Session, sid string) bool {
	srv, ok := d.reg.GetRemoteServer(sid)
	return ok && srv.ConnID == link.ID()
}

// remoteUser resolves the uid source of a link line to a user behind the link
func (d *Dispatcher) remoteUser(c *Context) (state.User, bool) {
	u, ok := d.reg.GetUserByUID(c.Msg.Source)
	if !ok || !u.IsRemote || !d.ownedBy(c.Session, u.RemoteSID) {
		return state.User{}, false
	}
	return u, true
}

// :<parent> SID <name> <hops> <sid> :<description>
func (d *Dispatcher) handleSID(c *Context) error {
	if len(c.Msg.Params) < 4 {
		return nil
	}
	parent := c.Msg.Source
	name, sid, desc := c.Param(0), c.Param(2), c.Param(3)
	hops, _ := strconv.Atoi(c.Param(1))

	if !d.ownedBy(c.Session, parent) {
		c.Log().Warn("SID from unexpected parent", zap.String("parent", parent), zap.String("sid", sid))
		return nil
	}
	srv := state.RemoteServer{
		Name:        name,
		SID:         sid,
		Description: desc,
		ConnID:      c.Session.ID(),
		ParentSID:   parent,
		Hops:        hops,
		LinkedAt:    d.now(),
	}
	if !d.reg.TryRegisterRemoteServer(srv) {
		c.Log().Warn("server collision", zap.String("server", name), zap.String("sid", sid))
		return nil
	}
	d.sendToLinks(FormatLine(parent, "SID", name, strconv.Itoa(srv.Hops+1), sid, desc), c.Session.ID())
	return nil
}

// :<sid> UID <nick> <hops> <ts> <modes> <user> <host> <ip> <uid> :<realname>
func (d *Dispatcher) handleUID(c *Context) error {
	if len(c.Msg.Params) < 9 {
		return nil
	}
	sid := c.Msg.Source
	if !d.ownedBy(c.Session, sid) {
		c.Log().Warn("UID from unknown server", zap.String("sid", sid))
		return nil
	}

	p := c.Msg.Params
	hops, _ := strconv.Atoi(p[1])
	ts, _ := strconv.ParseInt(p[2], 10, 64)
	var modes state.UserMode
	for _, r := range strings.TrimPrefix(p[3], "+") {
		if bit, ok := state.UserModeForLetter(r); ok {
			modes |= bit
		}
	}

	u := state.User{
		ConnID:       p[7],
		Nick:         p[0],
		Username:     p[4],
		Host:         p[5],
		RemoteIP:     p[6],
		UID:          p[7],
		Realname:     p[8],
		RemoteSID:    sid,
		Registered:   true,
		RegisteredAt: time.Unix(ts, 0),
		Modes:        modes,
	}
	if !d.reg.TryAddRemoteUser(u) {
		c.Log().Warn("remote user collision", zap.String("nick", u.Nick), zap.String("uid", u.UID))
		// The introducing side drops the user; a uid we already hold stays ours
		if _, known := d.reg.GetUserByUID(u.UID); !known {
			c.Session.Send(FormatLine(d.linkSource(), "KILL", u.UID, d.cfg.ServerName+" (Nick collision)"))
		}
		return nil
	}
	d.sendToLinks(d.uidLine(sid, u, hops+1), c.Session.ID())
	return nil
}

// :<uid> NICK <nick> [<ts>]
func (d *Dispatcher) handleRemoteNick(c *Context) error {
	u, ok := d.remoteUser(c)
	if !ok || len(c.Msg.Params) == 0 {
		return nil
	}
	nick := c.Param(0)
	if !d.reg.TrySetNick(u.ConnID, nick) {
		c.Log().Warn("remote nick collision", zap.String("uid", u.UID), zap.String("nick", nick))
		return nil
	}
	line := FormatLine(u.Prefix(), "NICK", nick)
	d.sendToCommonChannels(u.ConnID, d.reg.UserChannels(u.ConnID), line, false)
	d.sendToLinks(FormatLine(u.UID, "NICK", append([]string{nick}, c.Msg.Params[1:]...)...), c.Session.ID())
	return nil
}

// :<uid> QUIT :<reason>
func (d *Dispatcher) handleRemoteQuit(c *Context) error {
	u, ok := d.remoteUser(c)
	if !ok {
		return nil
	}
	removed, channels, ok := d.reg.RemoveUser(u.ConnID)
	if !ok {
		return nil
	}
	d.UserQuit(c.Session, removed, channels, c.Param(0))
	return nil
}

// SQUIT <sid> :<reason>
func (d *Dispatcher) handleSquit(c *Context) error {
	sid := c.Param(0)
	reason := c.Param(1)
	if reason == "" {
		reason = "Remote server quit"
	}

	if sid == c.State().LinkSID || irc.EqualFold(sid, c.State().LinkName) {
		c.Session.Close("SQUIT: " + reason)
		return ErrStop
	}
	if srv, ok := d.reg.GetRemoteServerByName(sid); ok {
		sid = srv.SID
	}
	if !d.ownedBy(c.Session, sid) {
		return nil
	}

	servers, removed := d.reg.RemoveRemoteServerTree(sid)
	c.Log().Info("remote server split",
		zap.String("sid", sid),
		zap.Int("servers", len(servers)),
		zap.Int("users", len(removed)))
	d.serversLost(c.Session.ID(), servers, removed, reason)
	return nil
}

func (d *Dispatcher) handleLinkPing(c *Context) error {
	origin := c.Param(0)
	if origin == "" {
		origin = c.Msg.Source
	}
	c.Session.Send(FormatLine(d.linkSource(), "PONG", d.cfg.ServerName, origin))
	return nil
}

func (d *Dispatcher) handleLinkError(c *Context) error {
	c.Log().Warn("link error", zap.String("message", c.Param(0)))
	c.Session.Close("Remote error")
	return ErrStop
}

// :<uid> PRIVMSG <target> :<text>
func (d *Dispatcher) handleRemotePrivmsg(c *Context) error {
	from, ok := d.remoteUser(c)
	if !ok || len(c.Msg.Params) < 2 {
		return nil
	}
	target, text := c.Param(0), c.Param(1)

	if irc.IsChannelName(target) {
		if ch, ok := d.reg.GetChannel(target); ok {
			d.sendToChannel(ch, FormatLine(from.Prefix(), c.Msg.Command, ch.Name(), text), "")
		}
		return nil
	}

	to, ok := d.reg.GetUserByUID(target)
	if !ok {
		to, ok = d.reg.GetUserByNick(target)
	}
	if !ok || to.IsLink {
		return nil
	}
	d.deliverToUser(from, to, c.Msg.Command, text)
	return nil
}
