package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/presbrey/ircd/irc/dispatch"
	"github.com/presbrey/ircd/irc/guard"
	"github.com/presbrey/ircd/irc/session"
	"github.com/presbrey/ircd/irc/state"
	"go.uber.org/zap"
)

// Close reasons set by the connection loop
const (
	ReasonRegistrationTimeout = "Registration timeout"
	ReasonExcessFlood         = "Excess Flood"
	ReasonServerError         = "Server error"
	ReasonPingTimeout         = "Ping timeout"
	ReasonRemoteClosed        = "Remote host closed the connection"
	ReasonReadError           = "Read error"
)

const rejectWriteTimeout = 2 * time.Second

// connState tracks a connection through admission and registration
type connState int

const (
	stateAccepted connState = iota
	stateBanChecked
	stateGuardChecked
	stateTLSHandshaking
	stateSessionCreated
	stateUnregistered
	stateRegistered
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateBanChecked:
		return "ban-checked"
	case stateGuardChecked:
		return "guard-checked"
	case stateTLSHandshaking:
		return "tls-handshaking"
	case stateSessionCreated:
		return "session-created"
	case stateUnregistered:
		return "unregistered"
	case stateRegistered:
		return "registered"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// conn is the read-loop side of one admitted connection
type conn struct {
	srv    *Server
	l      *listener
	sess   session.Session
	ticket *guard.Ticket
	log    *zap.Logger
	state  connState

	// acceptedAt starts the registration deadline, before any TLS handshake
	acceptedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *conn) transition(to connState) {
	c.log.Debug("connection state", zap.Stringer("from", c.state), zap.Stringer("to", to))
	c.state = to
}

func remoteIP(nc net.Conn) string {
	addr := nc.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// rejectRaw writes a best-effort ERROR line to a socket that has no session
func rejectRaw(nc net.Conn, ip, reason string) {
	nc.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	fmt.Fprintf(nc, "ERROR :Closing Link: %s (%s)\r\n", ip, reason)
	nc.Close()
}

// handleConn takes an accepted socket through ban check, admission and the
// TLS handshake, then runs the session until it closes
func (s *Server) handleConn(nc net.Conn, l *listener) {
	accepted := time.Now()
	ip := remoteIP(nc)
	log := s.log.With(zap.String("ip", ip), zap.String("listener", l.name))
	log.Debug("connection state", zap.Stringer("to", stateAccepted))

	if s.bans != nil {
		ban, err := s.bans.TryMatchIP(s.ctx, ip)
		if err != nil {
			log.Warn("ban lookup failed", zap.Error(err))
		}
		if ban != nil {
			log.Info("rejected banned connection", zap.String("kind", string(ban.Kind)), zap.String("mask", ban.Mask))
			s.metrics.BanRejection(string(ban.Kind))
			rejectRaw(nc, ip, ban.Message())
			return
		}
	}
	log.Debug("connection state", zap.Stringer("to", stateBanChecked))

	ticket, reason := s.guard.Admit(ip, l.secure)
	if ticket == nil {
		log.Info("rejected by connection guard", zap.String("reason", reason))
		s.metrics.GuardRejection()
		rejectRaw(nc, ip, reason)
		return
	}
	log.Debug("connection state", zap.Stringer("to", stateGuardChecked))

	opts := session.Options{
		Kind:          l.kind,
		MaxLineLength: s.cfg.MaxLineLength,
		SendQueue:     s.cfg.SendQueue,
		Logger:        s.log,
	}
	if l.kind == session.KindLink {
		opts.MaxLineLength = s.cfg.LinkMaxLineLength
		opts.SendQueue = s.cfg.LinkSendQueue
	}
	if s.metrics != nil {
		opts.Observer = s.metrics
	}

	var sess session.Session
	if l.secure {
		log.Debug("connection state", zap.Stringer("to", stateTLSHandshaking))
		tc, err := s.handshake(nc, ticket)
		if err != nil {
			log.Info("TLS handshake failed", zap.Error(err))
			ticket.Release()
			nc.Close()
			return
		}
		sess = session.NewTLS(tc, opts)
	} else {
		sess = session.NewPlain(nc, opts)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	c := &conn{
		srv:    s,
		l:      l,
		sess:   sess,
		ticket: ticket,
		log:    log.With(zap.String("conn", sess.ID())),
		state:  stateGuardChecked,
		ctx:    ctx,
		cancel: cancel,

		acceptedAt: accepted,
	}
	c.run()
}

var errHandshakeSlots = errors.New(guard.ReasonHandshakes)

// handshake holds a handshake slot for the duration of the TLS handshake,
// bounded by the guard's handshake timeout
func (s *Server) handshake(nc net.Conn, t *guard.Ticket) (*tls.Conn, error) {
	if ok, _ := t.StartHandshake(); !ok {
		s.metrics.GuardRejection()
		return nil, errHandshakeSlots
	}
	defer t.EndHandshake()

	ctx, cancel := context.WithTimeout(s.ctx, s.guard.TLSHandshakeTimeout())
	defer cancel()

	tc := tls.Server(nc, s.tlsConfig)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// run registers the session, drives its read loop and tears it down
func (c *conn) run() {
	s := c.srv
	id := c.sess.ID()

	s.sessions.Add(c.sess)
	s.reg.TryAddUser(state.User{
		ConnID:   id,
		RemoteIP: c.sess.RemoteIP(),
		Host:     c.sess.RemoteIP(),
		Secure:   c.sess.Secure(),
		IsLink:   c.sess.Kind() == session.KindLink,
	})
	s.metrics.ConnectionAccepted(c.sess.Secure())
	c.transition(stateSessionCreated)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := c.sess.RunWriter(c.ctx); err != nil {
			c.log.Debug("writer stopped", zap.Error(err))
		}
	}()

	if c.sess.Kind() == session.KindClient {
		c.sess.Send(dispatch.FormatLine(s.cfg.ServerName, "NOTICE", "*", "*** Connected to "+s.cfg.ServerName))
	}
	c.transition(stateUnregistered)

	reason := c.loop()
	c.teardown(reason)
	<-writerDone
}

// loop returns the close reason once the connection is finished
func (c *conn) loop() string {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		for {
			line, err := c.sess.ReadLine(c.ctx)
			if err != nil {
				errs <- err
				return
			}
			select {
			case lines <- line:
			case <-c.ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(c.srv.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return session.ReasonShutdown
		case <-c.sess.Done():
			return c.sess.CloseReason()
		case err := <-errs:
			return c.readFailed(err)
		case now := <-ticker.C:
			if reason := c.tick(now); reason != "" {
				return reason
			}
		case line := <-lines:
			if reason := c.handleLine(line); reason != "" {
				return reason
			}
		}
	}
}

func (c *conn) readFailed(err error) string {
	switch {
	case c.sess.Closed():
		return c.sess.CloseReason()
	case errors.Is(err, session.ErrLineTooLong):
		return session.ReasonLineTooLong
	case errors.Is(err, io.EOF):
		return ReasonRemoteClosed
	case errors.Is(err, context.Canceled):
		return session.ReasonShutdown
	}
	c.log.Debug("read failed", zap.Error(err))
	return ReasonReadError
}

// tick enforces the registration deadline and the ping cycle
func (c *conn) tick(now time.Time) string {
	st := c.sess.State()
	if !st.Registered {
		if now.Sub(c.acceptedAt) >= c.srv.guard.RegistrationTimeout() {
			c.srv.metrics.RegistrationTimeout()
			return ReasonRegistrationTimeout
		}
		return ""
	}

	if st.PingOutstanding {
		if now.Sub(st.LastPing) >= c.srv.cfg.PingTimeout {
			return ReasonPingTimeout + ": " + strconv.Itoa(int(c.srv.cfg.PingTimeout.Seconds())) + " seconds"
		}
		return ""
	}
	if now.Sub(st.LastActivity) >= c.srv.cfg.PingInterval {
		st.PingOutstanding = true
		st.LastPing = now
		st.PingToken = strconv.FormatInt(now.Unix(), 10)
		c.sess.Send(dispatch.FormatLine("", "PING", st.PingToken))
	}
	return ""
}

// handleLine applies the flood gate, parses and dispatches one line
func (c *conn) handleLine(line string) string {
	if strings.TrimSpace(line) == "" {
		return ""
	}
	if c.sess.Kind() == session.KindClient && !c.srv.flood.Allow(c.sess.ID()) {
		c.log.Info("flood limit exceeded")
		c.srv.metrics.FloodKick()
		return ReasonExcessFlood
	}
	c.sess.State().Touch(time.Now())

	msg, err := dispatch.ParseLine(line)
	if err != nil {
		c.log.Debug("dropping unparsable line", zap.Error(err))
		return ""
	}

	if err := c.dispatch(msg); err != nil {
		c.log.Error("dispatch failed", zap.String("command", msg.Command), zap.Error(err))
		return ReasonServerError
	}

	if c.state == stateUnregistered && c.sess.State().Registered {
		c.ticket.MarkRegistered()
		c.transition(stateRegistered)
	}
	if c.sess.Closed() {
		return c.sess.CloseReason()
	}
	return ""
}

// dispatch hands msg to the dispatcher. A panic escaping it is logged and
// returned as an error so only this connection is lost.
func (c *conn) dispatch(msg ircmsg.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in dispatcher",
				zap.String("command", msg.Command),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()
	return c.srv.dispatcher.Dispatch(c.ctx, c.sess, msg)
}

// announce runs a departure callback, containing any panic so teardown
// still releases the ticket and closes the session
func (c *conn) announce(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic announcing departure",
				zap.String("callback", what),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

// teardown releases everything the connection holds. It runs once, on the
// connection's own goroutine, after the loop has returned.
func (c *conn) teardown(reason string) {
	s := c.srv
	id := c.sess.ID()
	if c.sess.Closed() {
		if r := c.sess.CloseReason(); r != "" {
			reason = r
		}
	}
	c.transition(stateClosing)

	s.sessions.Remove(id)
	if c.sess.Kind() == session.KindLink {
		servers, removed := s.reg.RemoveRemoteServerTreeByConnection(id)
		s.reg.RemoveUser(id)
		if len(servers) > 0 || len(removed) > 0 {
			c.announce("LinkLost", func() { s.dispatcher.LinkLost(c.sess, servers, removed, reason) })
		}
	} else if u, channels, ok := s.reg.RemoveUser(id); ok {
		c.announce("UserQuit", func() { s.dispatcher.UserQuit(c.sess, u, channels, reason) })
	}

	s.flood.Clear(id)
	c.ticket.Release()
	c.sess.Close(reason)
	c.cancel()
	s.metrics.ConnectionClosed(c.sess.Secure())

	c.transition(stateClosed)
	c.log.Info("connection closed", zap.String("reason", reason))
}
