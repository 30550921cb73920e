package dispatch

import (
	"strconv"
	"strings"

	"github.com/presbrey/ircd/irc"
	"github.com/presbrey/ircd/irc/session"
	"github.com/presbrey/ircd/irc/state"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Commands an unregistered client may send
var preRegistration = map[string]bool{
	"CAP":  true,
	"PASS": true,
	"NICK": true,
	"USER": true,
	"PING": true,
	"PONG": true,
	"QUIT": true,
}

const uidAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func (d *Dispatcher) registerClientCommands() {
	d.RegisterWithPriority(session.KindClient, Wildcard, d.requireRegistration, -100)

	d.Register(session.KindClient, "CAP", d.handleCap)
	d.Register(session.KindClient, "PASS", d.handlePass)
	d.Register(session.KindClient, "NICK", d.handleNick)
	d.Register(session.KindClient, "USER", d.handleUser)
	d.Register(session.KindClient, "PING", d.handlePing)
	d.Register(session.KindClient, "PONG", d.handlePong)
	d.Register(session.KindClient, "QUIT", d.handleQuit)
	d.Register(session.KindClient, "JOIN", d.handleJoin)
	d.Register(session.KindClient, "PART", d.handlePart)
	d.Register(session.KindClient, "PRIVMSG", d.handlePrivmsg)
	d.Register(session.KindClient, "NOTICE", d.handleNotice)
	d.Register(session.KindClient, "MODE", d.handleMode)
	d.Register(session.KindClient, "TOPIC", d.handleTopic)
	d.Register(session.KindClient, "NAMES", d.handleNames)
	d.Register(session.KindClient, "INVITE", d.handleInvite)
	d.Register(session.KindClient, "KICK", d.handleKick)
	d.Register(session.KindClient, "ISON", d.handleIson)
}

func (d *Dispatcher) requireRegistration(c *Context) error {
	if c.State().Registered || preRegistration[c.Msg.Command] {
		return nil
	}
	c.Reply(irc.ERR_NOTREGISTERED, "You have not registered")
	return ErrStop
}

func (d *Dispatcher) handleCap(c *Context) error {
	if err := c.NeedMoreParams(1); err != nil {
		return err
	}
	st := c.State()

	switch strings.ToUpper(c.Param(0)) {
	case "LS":
		if !st.Registered {
			st.CapNegotiating = true
		}
		if v, err := strconv.Atoi(c.Param(1)); err == nil && v > st.CapVersion {
			st.CapVersion = v
		}
		c.Session.Send(FormatLine(d.cfg.ServerName, "CAP", c.Nick(), "LS", irc.CapabilityList()))

	case "LIST":
		c.Session.Send(FormatLine(d.cfg.ServerName, "CAP", c.Nick(), "LIST", strings.Join(st.Caps.Names(), " ")))

	case "REQ":
		if !st.Registered {
			st.CapNegotiating = true
		}
		requested := strings.Fields(c.Param(1))
		for _, name := range requested {
			if !irc.IsSupportedCapability(strings.TrimPrefix(name, "-")) {
				c.Session.Send(FormatLine(d.cfg.ServerName, "CAP", c.Nick(), "NAK", c.Param(1)))
				return nil
			}
		}
		for _, name := range requested {
			if strings.HasPrefix(name, "-") {
				delete(st.Caps, strings.ToLower(name[1:]))
			} else {
				st.Caps[strings.ToLower(name)] = struct{}{}
			}
		}
		caps := st.Caps.Clone()
		d.reg.UpdateUser(c.Session.ID(), func(u *state.User) { u.Caps = caps })
		c.Session.Send(FormatLine(d.cfg.ServerName, "CAP", c.Nick(), "ACK", c.Param(1)))

	case "END":
		if st.CapNegotiating {
			st.CapNegotiating = false
			return d.tryRegister(c)
		}

	default:
		c.Reply(irc.ERR_INVALIDCAPCMD, c.Param(0), "Invalid CAP command")
	}
	return nil
}

func (d *Dispatcher) handlePass(c *Context) error {
	if err := c.NeedMoreParams(1); err != nil {
		return err
	}
	if c.State().Registered {
		c.Reply(irc.ERR_ALREADYREGISTERED, "You may not reregister")
		return nil
	}
	c.State().Password = c.Param(0)
	return nil
}

func (d *Dispatcher) handleNick(c *Context) error {
	nick := c.Param(0)
	if nick == "" {
		c.Reply(irc.ERR_NONICKNAMEGIVEN, "No nickname given")
		return nil
	}
	if !irc.IsValidNickname(nick) {
		c.Reply(irc.ERR_ERRONEUSNICKNAME, nick, "Erroneous nickname")
		return nil
	}

	st := c.State()
	if nick == st.Nick {
		return nil
	}

	old, _ := d.reg.GetUser(c.Session.ID())
	if !d.reg.TrySetNick(c.Session.ID(), nick) {
		c.Reply(irc.ERR_NICKNAMEINUSE, nick, "Nickname is already in use")
		return nil
	}
	st.Nick = nick

	if !st.Registered {
		return d.tryRegister(c)
	}

	line := FormatLine(old.Prefix(), "NICK", nick)
	d.sendToCommonChannels(c.Session.ID(), d.reg.UserChannels(c.Session.ID()), line, true)
	if old.UID != "" {
		d.sendToLinks(FormatLine(old.UID, "NICK", nick, strconv.FormatInt(d.now().Unix(), 10)), "")
	}
	return nil
}

func (d *Dispatcher) handleUser(c *Context) error {
	st := c.State()
	if st.Registered {
		c.Reply(irc.ERR_ALREADYREGISTERED, "You may not reregister")
		return nil
	}
	if err := c.NeedMoreParams(4); err != nil {
		return err
	}

	username := c.Param(0)
	if len(username) > 10 {
		username = username[:10]
	}
	st.Username = username
	st.Realname = c.Param(3)
	return d.tryRegister(c)
}

// tryRegister completes registration once NICK and USER are known, the
// password matches and CAP negotiation is over
func (d *Dispatcher) tryRegister(c *Context) error {
	st := c.State()
	if st.Registered || st.Nick == "" || st.Username == "" || st.CapNegotiating {
		return nil
	}

	if d.cfg.Password != "" {
		if bcrypt.CompareHashAndPassword([]byte(d.cfg.Password), []byte(st.Password)) != nil {
			c.Reply(irc.ERR_PASSWDMISMATCH, "Password incorrect")
			c.Session.Close("Bad password")
			return ErrStop
		}
	}
	st.Password = ""

	id := c.Session.ID()
	now := d.now()
	st.Registered = true
	if c.Session.Secure() {
		st.Modes |= state.UModeSecure
	}

	uid := ""
	if d.cfg.SID != "" {
		for i := 0; i < 8 && uid == ""; i++ {
			candidate := d.nextUID()
			if d.reg.SetUID(id, candidate) {
				uid = candidate
			}
		}
	}

	caps := st.Caps.Clone()
	modes := st.Modes
	d.reg.UpdateUser(id, func(u *state.User) {
		u.Username = st.Username
		u.Realname = st.Realname
		u.Caps = caps
		u.Modes = modes
		u.Registered = true
		u.RegisteredAt = now
	})

	c.Log().Info("client registered", zap.String("nick", st.Nick), zap.String("uid", uid))
	d.welcome(c)

	if uid != "" {
		if u, ok := d.reg.GetUser(id); ok {
			d.sendToLinks(d.uidLine(d.cfg.SID, u, 1), "")
		}
	}
	return nil
}

// nextUID returns the next local uid: the SID followed by six characters
func (d *Dispatcher) nextUID() string {
	n := d.uidSeq.Add(1) - 1
	var buf [6]byte
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i] = uidAlphabet[n%uint64(len(uidAlphabet))]
		n /= uint64(len(uidAlphabet))
	}
	return d.cfg.SID + string(buf[:])
}

func (d *Dispatcher) welcome(c *Context) {
	u, _ := d.reg.GetUser(c.Session.ID())
	srv := d.cfg.ServerName

	c.Reply(irc.RPL_WELCOME, "Welcome to the "+d.cfg.Network+" IRC Network "+u.Hostmask())
	c.Reply(irc.RPL_YOURHOST, "Your host is "+srv+", running version "+d.cfg.Version)
	c.Reply(irc.RPL_CREATED, "This server was created "+d.cfg.Created.UTC().Format("Mon Jan 2 2006 at 15:04:05 UTC"))
	c.Reply(irc.RPL_MYINFO, srv, d.cfg.Version, "iwoZB", "beIiklmnpst", "beIklqaohv")
	c.Reply(irc.RPL_ISUPPORT, d.isupport()...)

	d.sendMOTD(c)

	if modes := c.State().Modes; modes != 0 {
		c.Session.Send(FormatLine(c.Nick(), "MODE", c.Nick(), modes.String()))
	}
}

func (d *Dispatcher) isupport() []string {
	return []string{
		"CASEMAPPING=rfc1459",
		"CHANTYPES=#&",
		"CHANMODES=beI,k,l,imnpst",
		"PREFIX=(qaohv)~&@%+",
		"NETWORK=" + d.cfg.Network,
		"NICKLEN=30",
		"CHANNELLEN=50",
		"are supported by this server",
	}
}

func (d *Dispatcher) sendMOTD(c *Context) {
	if len(d.cfg.MOTD) == 0 {
		c.Reply(irc.ERR_NOMOTD, "MOTD File is missing")
		return
	}
	c.Reply(irc.RPL_MOTDSTART, "- "+d.cfg.ServerName+" Message of the day - ")
	for _, line := range d.cfg.MOTD {
		c.Reply(irc.RPL_MOTD, "- "+line)
	}
	c.Reply(irc.RPL_ENDOFMOTD, "End of /MOTD command.")
}

func (d *Dispatcher) handlePing(c *Context) error {
	if len(c.Msg.Params) == 0 {
		c.Reply(irc.ERR_NOORIGIN, "No origin specified")
		return nil
	}
	c.Session.Send(FormatLine(d.cfg.ServerName, "PONG", d.cfg.ServerName, c.Param(0)))
	return nil
}

func (d *Dispatcher) handlePong(c *Context) error {
	c.State().PingOutstanding = false
	return nil
}

func (d *Dispatcher) handleQuit(c *Context) error {
	reason := "Client Quit"
	if msg := c.Param(0); msg != "" {
		reason = "Quit: " + msg
	}
	c.Session.Close(reason)
	return ErrStop
}

func (d *Dispatcher) handleIson(c *Context) error {
	if err := c.NeedMoreParams(1); err != nil {
		return err
	}
	var online []string
	for _, param := range c.Msg.Params {
		for _, nick := range strings.Fields(param) {
			if u, ok := d.reg.GetUserByNick(nick); ok && u.Registered {
				online = append(online, u.Nick)
			}
		}
	}
	c.Reply(irc.RPL_ISON, strings.Join(online, " "))
	return nil
}
