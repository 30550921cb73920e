package server_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/lrstanley/girc"
	"github.com/presbrey/ircd/irc/bans"
	"github.com/presbrey/ircd/irc/certs"
	"github.com/presbrey/ircd/irc/dispatch"
	"github.com/presbrey/ircd/irc/guard"
	"github.com/presbrey/ircd/irc/metrics"
	"github.com/presbrey/ircd/irc/server"
	"github.com/presbrey/ircd/irc/session"
	"github.com/presbrey/ircd/irc/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type setup struct {
	cfg      server.Config
	guard    guard.Config
	flood    *guard.FloodGate
	bans     server.BanChecker
	tls      *tls.Config
	dispatch dispatch.Config
	// wrap, when set, decorates the dispatcher handed to the server
	wrap func(server.Dispatcher) server.Dispatcher
}

type testServer struct {
	srv      *server.Server
	reg      *state.Registry
	sessions *session.Registry
	guard    *guard.Guard
	metrics  *metrics.Metrics
}

func startServer(t *testing.T, mutate func(*setup)) *testServer {
	t.Helper()
	st := &setup{
		cfg: server.Config{
			ServerName:   "irc.test",
			ListenAddr:   "127.0.0.1:0",
			TickInterval: 20 * time.Millisecond,
		},
		guard: guard.Config{
			Window:                time.Minute,
			MaxConnsPerWindow:     50,
			MaxTLSConnsPerWindow:  50,
			MaxUnregisteredPerIP:  10,
			MaxActivePerIP:        10,
			MaxTLSHandshakesPerIP: 5,
			RegistrationTimeout:   5 * time.Second,
			TLSHandshakeTimeout:   2 * time.Second,
		},
		flood:    guard.NewFloodGate(100, time.Second),
		dispatch: dispatch.Config{ServerName: "irc.test", Network: "TestNet"},
	}
	if mutate != nil {
		mutate(st)
	}

	g, err := guard.New(st.guard)
	require.NoError(t, err)
	reg := state.New()
	sessions := session.NewRegistry()
	m := metrics.New()
	log := zaptest.NewLogger(t)

	var d server.Dispatcher = dispatch.New(st.dispatch, reg, sessions, log)
	if st.wrap != nil {
		d = st.wrap(d)
	}

	srv, err := server.New(st.cfg, server.Deps{
		Registry:   reg,
		Sessions:   sessions,
		Guard:      g,
		Flood:      st.flood,
		Bans:       st.bans,
		TLS:        st.tls,
		Metrics:    m,
		Dispatcher: d,
		Logger:     log,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &testServer{srv: srv, reg: reg, sessions: sessions, guard: g, metrics: m}
}

func counter(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

// client is a raw line-oriented test client
type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr net.Addr) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func dialTLS(t *testing.T, addr net.Addr) *client {
	t.Helper()
	dialer := &net.Dialer{Timeout: 2 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr.String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(line string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\r\n", line)
	require.NoError(c.t, err)
}

// expect reads lines until one contains substr
func (c *client) expect(substr string) string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		line, err := c.r.ReadString('\n')
		require.NoError(c.t, err, "waiting for %q", substr)
		line = strings.TrimRight(line, "\r\n")
		if strings.Contains(line, substr) {
			return line
		}
	}
}

func (c *client) register(nick string) {
	c.t.Helper()
	c.send("NICK " + nick)
	c.send("USER " + nick + " 0 * :" + nick)
	c.expect(" 001 " + nick + " ")
}

func TestRegisterChatAndQuit(t *testing.T) {
	ts := startServer(t, nil)
	addr := ts.srv.Addr("client")
	require.NotNil(t, addr)

	alice := dial(t, addr)
	assert.Equal(t, ":irc.test NOTICE * :*** Connected to irc.test", alice.expect("NOTICE"))
	alice.register("alice")

	bob := dial(t, addr)
	bob.register("bob")

	alice.send("JOIN #chat")
	alice.expect(" 366 alice #chat ")
	bob.send("JOIN #chat")
	assert.Equal(t, ":bob!bob@127.0.0.1 JOIN #chat", alice.expect("JOIN"))

	bob.send("PRIVMSG #chat :hello over tcp")
	assert.Equal(t, ":bob!bob@127.0.0.1 PRIVMSG #chat :hello over tcp", alice.expect("PRIVMSG"))

	assert.Eventually(t, func() bool {
		return ts.guard.Stats("127.0.0.1").Active == 2
	}, 2*time.Second, 10*time.Millisecond)

	bob.conn.Close()
	assert.Equal(t, ":bob!bob@127.0.0.1 QUIT :Remote host closed the connection", alice.expect("QUIT"))

	assert.Eventually(t, func() bool {
		return ts.reg.UserCount() == 1 && ts.sessions.Count() == 1 && ts.guard.Stats("127.0.0.1").Active == 1
	}, 2*time.Second, 10*time.Millisecond)
	ch, ok := ts.reg.GetChannel("#chat")
	require.True(t, ok)
	assert.Equal(t, 1, ch.MemberCount())
	assert.Equal(t, 2.0, counter(t, ts.metrics, "ircd_connections_accepted_total"))
}

func TestRegistrationTimeout(t *testing.T) {
	ts := startServer(t, func(s *setup) {
		s.guard.RegistrationTimeout = 200 * time.Millisecond
	})

	c := dial(t, ts.srv.Addr("client"))
	c.send("NICK slowpoke")
	assert.Equal(t, "ERROR :Closing Link: 127.0.0.1 (Registration timeout)", c.expect("ERROR"))

	assert.Eventually(t, func() bool {
		return ts.sessions.Count() == 0 && ts.guard.Stats("127.0.0.1").Unregistered == 0
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := ts.reg.GetUserByNick("slowpoke")
	assert.False(t, ok)
	assert.Equal(t, 1.0, counter(t, ts.metrics, "ircd_registration_timeouts_total"))
}

func TestRegistrationTimeoutCountsHandshake(t *testing.T) {
	cert, err := certs.GenerateSelfSigned("irc.test", "Test Network", "127.0.0.1")
	require.NoError(t, err)

	ts := startServer(t, func(s *setup) {
		s.cfg.ListenAddr = ""
		s.cfg.TLSListenAddr = "127.0.0.1:0"
		s.tls = &tls.Config{Certificates: []tls.Certificate{*cert}, MinVersion: tls.VersionTLS12}
		s.guard.RegistrationTimeout = 400 * time.Millisecond
	})

	raw, err := net.DialTimeout("tcp", ts.srv.Addr("client-tls").String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	// a slow handshake eats into the registration deadline
	time.Sleep(250 * time.Millisecond)
	tc := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, tc.Handshake())
	handshaken := time.Now()

	c := &client{t: t, conn: tc, r: bufio.NewReader(tc)}
	assert.Equal(t, "ERROR :Closing Link: 127.0.0.1 (Registration timeout)", c.expect("ERROR"))
	assert.Less(t, time.Since(handshaken), 350*time.Millisecond)
}

func TestNickFreedByQuit(t *testing.T) {
	ts := startServer(t, nil)
	addr := ts.srv.Addr("client")

	first := dial(t, addr)
	first.register("a")

	second := dial(t, addr)
	second.send("NICK a")
	assert.Equal(t, ":irc.test 433 * a :Nickname is already in use", second.expect(" 433 "))

	first.send("QUIT :bye")
	assert.Equal(t, "ERROR :Closing Link: 127.0.0.1 (Quit: bye)", first.expect("ERROR"))
	assert.Eventually(t, func() bool {
		_, ok := ts.reg.GetUserByNick("a")
		return !ok && ts.sessions.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	second.register("a")
	u, ok := ts.reg.GetUserByNick("a")
	require.True(t, ok)
	assert.True(t, u.Registered)

	assert.Eventually(t, func() bool {
		stats := ts.guard.Stats("127.0.0.1")
		return stats.Active == 1 && stats.Unregistered == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, counter(t, ts.metrics, "ircd_connections_accepted_total"))
}

// faultyDispatcher panics outside the handler table
type faultyDispatcher struct {
	server.Dispatcher
	panicOnNick string
	panicOnQuit bool
}

func (f *faultyDispatcher) Dispatch(ctx context.Context, s session.Session, msg ircmsg.Message) error {
	if msg.Command == "NICK" && len(msg.Params) > 0 && msg.Params[0] == f.panicOnNick {
		panic("dispatcher exploded")
	}
	return f.Dispatcher.Dispatch(ctx, s, msg)
}

func (f *faultyDispatcher) UserQuit(s session.Session, u state.User, channels []*state.Channel, reason string) {
	if f.panicOnQuit {
		panic("quit announcement exploded")
	}
	f.Dispatcher.UserQuit(s, u, channels, reason)
}

func TestDispatcherPanicDropsOnlyThatConnection(t *testing.T) {
	ts := startServer(t, func(s *setup) {
		s.wrap = func(d server.Dispatcher) server.Dispatcher {
			return &faultyDispatcher{Dispatcher: d, panicOnNick: "boom"}
		}
	})
	addr := ts.srv.Addr("client")

	bystander := dial(t, addr)
	bystander.register("calm")

	c := dial(t, addr)
	c.expect("NOTICE")
	c.send("NICK boom")
	assert.Equal(t, "ERROR :Closing Link: 127.0.0.1 (Server error)", c.expect("ERROR"))

	assert.Eventually(t, func() bool {
		stats := ts.guard.Stats("127.0.0.1")
		return ts.sessions.Count() == 1 && stats.Unregistered == 0 && stats.Active == 1
	}, 2*time.Second, 10*time.Millisecond)

	bystander.send("PING still-here")
	assert.Contains(t, bystander.expect("PONG"), "still-here")

	again := dial(t, addr)
	again.register("again")
}

func TestDeparturePanicStillReleases(t *testing.T) {
	ts := startServer(t, func(s *setup) {
		s.wrap = func(d server.Dispatcher) server.Dispatcher {
			return &faultyDispatcher{Dispatcher: d, panicOnQuit: true}
		}
	})
	addr := ts.srv.Addr("client")

	c := dial(t, addr)
	c.register("leaver")
	c.send("QUIT")
	c.expect("ERROR")

	assert.Eventually(t, func() bool {
		stats := ts.guard.Stats("127.0.0.1")
		return ts.sessions.Count() == 0 && ts.reg.UserCount() == 0 && stats.Active == 0
	}, 2*time.Second, 10*time.Millisecond)

	next := dial(t, addr)
	next.register("next")
}

func TestExcessFlood(t *testing.T) {
	ts := startServer(t, func(s *setup) {
		s.flood = guard.NewFloodGate(3, time.Minute)
	})

	c := dial(t, ts.srv.Addr("client"))
	c.register("chatty")
	c.send("PING one")
	c.send("PING two")
	assert.Equal(t, "ERROR :Closing Link: 127.0.0.1 (Excess Flood)", c.expect("ERROR"))
	assert.Equal(t, 1.0, counter(t, ts.metrics, "ircd_flood_kicks_total"))

	assert.Eventually(t, func() bool {
		return ts.reg.UserCount() == 0 && ts.guard.Stats("127.0.0.1").Active == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBannedAddressRejected(t *testing.T) {
	store, err := bans.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), &bans.Ban{
		Kind:   bans.KindZLine,
		Mask:   "127.0.0.1",
		Reason: "go away",
	}))

	ts := startServer(t, func(s *setup) {
		s.bans = store
	})

	c := dial(t, ts.srv.Addr("client"))
	assert.Equal(t, "ERROR :Closing Link: 127.0.0.1 (Z-Lined: go away)", c.expect("ERROR"))
	assert.Equal(t, 1.0, counter(t, ts.metrics, "ircd_ban_rejections_total"))
	assert.Equal(t, 0, ts.guard.Tracked())
	assert.Equal(t, 0.0, counter(t, ts.metrics, "ircd_connections_accepted_total"))
}

func TestGuardRejection(t *testing.T) {
	ts := startServer(t, func(s *setup) {
		s.guard.MaxUnregisteredPerIP = 1
	})
	addr := ts.srv.Addr("client")

	first := dial(t, addr)
	first.expect("NOTICE")

	second := dial(t, addr)
	assert.Equal(t, "ERROR :Closing Link: 127.0.0.1 (Too many unregistered connections from your host)", second.expect("ERROR"))
	assert.Equal(t, 1.0, counter(t, ts.metrics, "ircd_guard_rejections_total"))

	// registering frees the unregistered slot
	first.register("first")
	assert.Eventually(t, func() bool {
		return ts.guard.Stats("127.0.0.1").Unregistered == 0
	}, 2*time.Second, 10*time.Millisecond)
	third := dial(t, addr)
	third.expect("NOTICE")
}

func TestTLSClient(t *testing.T) {
	cert, err := certs.GenerateSelfSigned("irc.test", "Test Network", "127.0.0.1")
	require.NoError(t, err)

	ts := startServer(t, func(s *setup) {
		s.cfg.ListenAddr = ""
		s.cfg.TLSListenAddr = "127.0.0.1:0"
		s.tls = &tls.Config{Certificates: []tls.Certificate{*cert}, MinVersion: tls.VersionTLS12}
	})
	assert.Nil(t, ts.srv.Addr("client"))

	c := dialTLS(t, ts.srv.Addr("client-tls"))
	c.register("secure")
	assert.Equal(t, ":secure MODE secure +Z", c.expect(" MODE secure"))

	u, ok := ts.reg.GetUserByNick("secure")
	require.True(t, ok)
	assert.True(t, u.Secure)
	assert.Equal(t, 0, ts.guard.Stats("127.0.0.1").Handshakes)
}

func TestTLSListenerRequiresConfig(t *testing.T) {
	g, err := guard.New(guard.Config{})
	require.NoError(t, err)
	reg := state.New()
	sessions := session.NewRegistry()

	srv, err := server.New(server.Config{TLSListenAddr: "127.0.0.1:0"}, server.Deps{
		Registry:   reg,
		Sessions:   sessions,
		Guard:      g,
		Dispatcher: dispatch.New(dispatch.Config{}, reg, sessions, nil),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Start(context.Background()), server.ErrNoTLSConfig)
	assert.ErrorIs(t, srv.Shutdown(context.Background()), server.ErrNotRunning)
}

func TestPingTimeout(t *testing.T) {
	ts := startServer(t, func(s *setup) {
		s.cfg.PingInterval = 100 * time.Millisecond
		s.cfg.PingTimeout = 200 * time.Millisecond
	})

	c := dial(t, ts.srv.Addr("client"))
	c.register("sleepy")
	ping := c.expect("PING ")
	assert.True(t, strings.HasPrefix(ping, "PING "))
	assert.Contains(t, c.expect("ERROR"), "Ping timeout")
}

func TestPongKeepsSessionAlive(t *testing.T) {
	ts := startServer(t, func(s *setup) {
		s.cfg.PingInterval = 100 * time.Millisecond
		s.cfg.PingTimeout = 300 * time.Millisecond
	})

	c := dial(t, ts.srv.Addr("client"))
	c.register("awake")
	token := strings.TrimPrefix(c.expect("PING "), "PING ")
	c.send("PONG " + token)

	time.Sleep(200 * time.Millisecond)
	_, ok := ts.reg.GetUserByNick("awake")
	assert.True(t, ok)
}

func TestShutdown(t *testing.T) {
	ts := startServer(t, nil)
	addr := ts.srv.Addr("client")

	c := dial(t, addr)
	c.register("alice")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- ts.srv.Shutdown(ctx)
	}()

	assert.Equal(t, "ERROR :Closing Link: 127.0.0.1 (Server shutting down)", c.expect("ERROR"))
	require.NoError(t, <-done)
	assert.Equal(t, 0, ts.sessions.Count())
	assert.Equal(t, 0, ts.reg.UserCount())

	_, err := net.DialTimeout("tcp", addr.String(), 500*time.Millisecond)
	assert.Error(t, err)
}

func TestServerLink(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("linkpass"), bcrypt.MinCost)
	require.NoError(t, err)

	ts := startServer(t, func(s *setup) {
		s.cfg.LinkListenAddr = "127.0.0.1:0"
		s.dispatch.SID = "0AA"
		s.dispatch.Description = "Test server"
		s.dispatch.LinkPassword = func(name string) (string, bool) {
			return string(hash), name == "hub.test"
		}
	})

	alice := dial(t, ts.srv.Addr("client"))
	alice.register("alice")

	link := dial(t, ts.srv.Addr("link"))
	link.send("PASS linkpass TS 6 :1BB")
	link.send("SERVER hub.test 1 :Hub server")
	assert.Equal(t, "SERVER irc.test 1 0AA :Test server", link.expect("SERVER"))
	assert.Contains(t, link.expect(" UID "), "alice")

	link.send(":1BB UID carol 1 1700000000 + carol remote.host 10.0.0.1 1BBAAAAAA :Carol")
	link.send(":1BBAAAAAA PRIVMSG alice :over the link")
	assert.Equal(t, ":carol!carol@remote.host PRIVMSG alice :over the link", alice.expect("PRIVMSG"))

	link.conn.Close()
	assert.Eventually(t, func() bool {
		_, carol := ts.reg.GetUserByNick("carol")
		return ts.reg.ServerCount() == 0 && !carol
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGircClient(t *testing.T) {
	ts := startServer(t, nil)
	addr := ts.srv.Addr("client").(*net.TCPAddr)

	received := make(chan string, 4)
	bot := girc.New(girc.Config{
		Server: "127.0.0.1",
		Port:   addr.Port,
		Nick:   "gopher",
		User:   "gopher",
		Name:   "Gopher Bot",
	})
	bot.Handlers.Add(girc.CONNECTED, func(c *girc.Client, e girc.Event) {
		c.Cmd.Join("#go")
	})
	bot.Handlers.Add(girc.PRIVMSG, func(c *girc.Client, e girc.Event) {
		if e.Source != nil && e.Source.Name == "alice" {
			received <- e.Last()
		}
	})
	go bot.Connect()
	t.Cleanup(bot.Close)

	assert.Eventually(t, func() bool {
		u, ok := ts.reg.GetUserByNick("gopher")
		return ok && ts.reg.IsJoined(u.ConnID, "#go")
	}, 5*time.Second, 20*time.Millisecond)

	alice := dial(t, ts.srv.Addr("client"))
	alice.register("alice")
	alice.send("JOIN #go")
	alice.expect(" 366 alice #go ")

	bot.Cmd.Message("#go", "hello from girc")
	assert.Equal(t, ":gopher!gopher@127.0.0.1 PRIVMSG #go :hello from girc", alice.expect("PRIVMSG"))

	alice.send("PRIVMSG #go :hi gopher")
	select {
	case text := <-received:
		assert.Equal(t, "hi gopher", text)
	case <-time.After(3 * time.Second):
		t.Fatal("girc client did not receive the channel message")
	}
}
