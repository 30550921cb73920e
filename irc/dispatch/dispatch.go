// Package dispatch parses inbound IRC lines and routes them through a
// priority-ordered handler table. Client connections and server links each
// have their own command set. Handlers drive every state transition through
// the shared state registry and deliver replies through the session
// registry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/presbrey/ircd/irc"
	"github.com/presbrey/ircd/irc/session"
	"github.com/presbrey/ircd/irc/state"
	"go.uber.org/zap"
)

// Wildcard registers a handler that runs before every command
const Wildcard = "*"

// ErrStop ends a handler chain without reporting an error
var ErrStop = errors.New("stop handler chain")

// ErrHandlerPanic wraps a recovered handler panic
var ErrHandlerPanic = errors.New("handler panic")

// Config identifies this server to clients and peers
type Config struct {
	ServerName  string
	Network     string
	SID         string
	Description string
	Version     string
	// Password is the bcrypt hash clients present with PASS; empty disables it
	Password string
	MOTD     []string
	// LinkPassword returns the bcrypt hash configured for a peer server
	LinkPassword func(name string) (string, bool)
	Created      time.Time
}

// Handler processes one message. Returning ErrStop ends the chain quietly;
// any other error is fatal to the connection.
type Handler func(c *Context) error

type handlerInfo struct {
	name     string
	fn       Handler
	priority int64
	seq      int
}

// Dispatcher owns the command tables for client and link sessions
type Dispatcher struct {
	cfg      Config
	reg      *state.Registry
	sessions *session.Registry
	log      *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[session.Kind]map[string][]handlerInfo
	seq      int

	uidSeq atomic.Uint64
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher with the standard client and link command sets
func New(cfg Config, reg *state.Registry, sessions *session.Registry, log *zap.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Version == "" {
		cfg.Version = "ircd-1.0"
	}
	if cfg.Created.IsZero() {
		cfg.Created = time.Now()
	}
	if cfg.LinkPassword == nil {
		cfg.LinkPassword = func(string) (string, bool) { return "", false }
	}

	d := &Dispatcher{
		cfg:      cfg,
		reg:      reg,
		sessions: sessions,
		log:      log.Named("dispatch"),
		now:      time.Now,
		handlers: make(map[session.Kind]map[string][]handlerInfo),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.registerClientCommands()
	d.registerLinkCommands()
	return d
}

// Config returns the server identity
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Register adds a handler for command with default priority (0)
func (d *Dispatcher) Register(kind session.Kind, command string, h Handler) {
	d.RegisterWithPriority(kind, command, h, 0)
}

// RegisterWithPriority adds a handler for command. Lower priorities run
// first; handlers of equal priority run in registration order.
func (d *Dispatcher) RegisterWithPriority(kind session.Kind, command string, h Handler, priority int64) {
	name := runtime.FuncForPC(reflect.ValueOf(h).Pointer()).Name()
	command = strings.ToUpper(command)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handlers[kind] == nil {
		d.handlers[kind] = make(map[string][]handlerInfo)
	}
	d.seq++
	list := append(d.handlers[kind][command], handlerInfo{
		name:     name,
		fn:       h,
		priority: priority,
		seq:      d.seq,
	})
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	d.handlers[kind][command] = list
}

// Count returns the number of handlers registered for command
func (d *Dispatcher) Count(kind session.Kind, command string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind][strings.ToUpper(command)])
}

func (d *Dispatcher) lookup(kind session.Kind, command string) (wild, cmd []handlerInfo) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	table := d.handlers[kind]
	wild = append([]handlerInfo(nil), table[Wildcard]...)
	cmd = append([]handlerInfo(nil), table[command]...)
	return wild, cmd
}

// ParseLine parses one client or link line. Line length is enforced by the
// session before parsing.
func ParseLine(line string) (ircmsg.Message, error) {
	msg, err := ircmsg.ParseLineStrict(line, true, 0)
	if err != nil {
		return msg, err
	}
	msg.Command = strings.ToUpper(msg.Command)
	return msg, nil
}

// Dispatch runs the wildcard handlers and then the handlers for msg.Command.
// A panic inside a handler is recovered and returned as an error wrapping
// ErrHandlerPanic.
func (d *Dispatcher) Dispatch(ctx context.Context, s session.Session, msg ircmsg.Message) error {
	c := &Context{Context: ctx, Session: s, Msg: msg, d: d}
	wild, cmd := d.lookup(s.Kind(), msg.Command)

	for _, h := range wild {
		if err := d.run(c, h); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}

	if len(cmd) == 0 {
		if s.Kind() == session.KindClient {
			c.Reply(irc.ERR_UNKNOWNCOMMAND, msg.Command, "Unknown command")
		} else {
			c.Log().Debug("ignoring link command", zap.String("command", msg.Command))
		}
		return nil
	}

	for _, h := range cmd {
		if err := d.run(c, h); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (d *Dispatcher) run(c *Context, h handlerInfo) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.Log().Error("panic in handler",
				zap.String("handler", h.name),
				zap.String("command", c.Msg.Command),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%w in %s: %v", ErrHandlerPanic, h.name, r)
		}
	}()
	return h.fn(c)
}

// Context carries one message through its handler chain
type Context struct {
	context.Context
	Session session.Session
	Msg     ircmsg.Message
	d       *Dispatcher
}

// State returns the session's read-loop-owned state
func (c *Context) State() *session.State {
	return c.Session.State()
}

// Param returns the i-th parameter or ""
func (c *Context) Param(i int) string {
	if i < len(c.Msg.Params) {
		return c.Msg.Params[i]
	}
	return ""
}

// Nick returns the session's nickname, or "*" before one is set
func (c *Context) Nick() string {
	if nick := c.State().Nick; nick != "" {
		return nick
	}
	return "*"
}

// Reply sends a numeric from the server addressed to the session
func (c *Context) Reply(numeric string, params ...string) {
	c.Session.Send(c.d.numericLine(c.Nick(), numeric, params...))
}

// NeedMoreParams replies ERR_NEEDMOREPARAMS when fewer than n params were
// given and stops the chain
func (c *Context) NeedMoreParams(n int) error {
	if len(c.Msg.Params) >= n {
		return nil
	}
	c.Reply(irc.ERR_NEEDMOREPARAMS, c.Msg.Command, "Not enough parameters")
	return ErrStop
}

// Log returns a logger carrying the connection fields
func (c *Context) Log() *zap.Logger {
	return c.d.log.With(zap.String("conn", c.Session.ID()), zap.String("ip", c.Session.RemoteIP()))
}
