// Package session wraps an accepted socket in a line-oriented session with a
// bounded outbound queue drained by a single writer goroutine.
package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind distinguishes client sessions from server links
type Kind int

const (
	KindClient Kind = iota
	KindLink
)

func (k Kind) String() string {
	if k == KindLink {
		return "link"
	}
	return "client"
}

const (
	ReasonSendQOverflow = "Send queue overflow"
	ReasonLineTooLong   = "Input line too long"
	ReasonWriteError    = "Write error"
	ReasonShutdown      = "Server shutting down"
)

var (
	ErrLineTooLong = errors.New("input line too long")
	ErrWriterBusy  = errors.New("writer already running")
)

// Observer receives the counters a session contributes to
type Observer interface {
	SendQOverflow()
	SendQDropped()
}

type nopObserver struct{}

func (nopObserver) SendQOverflow() {}
func (nopObserver) SendQDropped()  {}

// Options configures a session
type Options struct {
	Kind          Kind
	MaxLineLength int
	SendQueue     int
	DrainTimeout  time.Duration
	Logger        *zap.Logger
	Observer      Observer
}

func (o Options) withDefaults() Options {
	if o.MaxLineLength <= 0 {
		o.MaxLineLength = 512
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 1024
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Session is the transport-independent view of one connection
type Session interface {
	ID() string
	Kind() Kind
	RemoteIP() string
	Secure() bool
	StartedAt() time.Time

	// ReadLine returns the next line without its CRLF terminator
	ReadLine(ctx context.Context) (string, error)
	// Send enqueues a line without blocking
	Send(line string)
	// RunWriter drains the queue to the socket until the session closes
	RunWriter(ctx context.Context) error
	// Close tears the session down; only the first call has effect
	Close(reason string) bool
	CloseReason() string
	Closed() bool
	Done() <-chan struct{}

	State() *State
	Queue() *Queue
}

// base is the implementation shared by plain and TLS sessions
type base struct {
	id      string
	ip      string
	secure  bool
	started time.Time
	opts    Options
	log     *zap.Logger

	nc    net.Conn
	rd    *bufio.Reader
	queue *Queue
	state *State

	closing    atomic.Bool
	overflowed atomic.Bool
	writing    atomic.Bool
	reasonMu   sync.Mutex
	reason     string
	writerDone chan struct{}
	done       chan struct{}
}

func newBase(nc net.Conn, secure bool, opts Options) base {
	opts = opts.withDefaults()
	now := time.Now()
	id := uuid.New().String()

	ip := nc.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	// Room for the longest allowed line plus CRLF
	size := opts.MaxLineLength + 2
	if size < 16 {
		size = 16
	}

	return base{
		id:         id,
		ip:         ip,
		secure:     secure,
		started:    now,
		opts:       opts,
		log:        opts.Logger.With(zap.String("conn", id), zap.String("ip", ip), zap.Stringer("kind", opts.Kind)),
		nc:         nc,
		rd:         bufio.NewReaderSize(nc, size),
		queue:      NewQueue(opts.SendQueue),
		state:      newState(now),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (b *base) ID() string            { return b.id }
func (b *base) Kind() Kind            { return b.opts.Kind }
func (b *base) RemoteIP() string      { return b.ip }
func (b *base) Secure() bool          { return b.secure }
func (b *base) StartedAt() time.Time  { return b.started }
func (b *base) State() *State         { return b.state }
func (b *base) Queue() *Queue         { return b.queue }
func (b *base) Done() <-chan struct{} { return b.done }
func (b *base) Closed() bool          { return b.closing.Load() }

// CloseReason returns the reason given to the winning Close call
func (b *base) CloseReason() string {
	b.reasonMu.Lock()
	defer b.reasonMu.Unlock()
	return b.reason
}

// ReadLine returns one line with CRLF or LF stripped. It returns io.EOF once
// the peer or the session has closed. A line longer than the configured
// maximum closes the session and returns ErrLineTooLong. Cancelling ctx
// interrupts a pending read.
func (b *base) ReadLine(ctx context.Context) (string, error) {
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			b.nc.SetReadDeadline(time.Now())
		})
		defer stop()
	}

	raw, err := b.rd.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		b.log.Warn("Input line too long", zap.Int("max", b.opts.MaxLineLength))
		b.Close(ReasonLineTooLong)
		return "", ErrLineTooLong
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if b.closing.Load() || errors.Is(err, net.ErrClosed) {
			return "", io.EOF
		}
		return "", err
	}

	raw = bytes.TrimSuffix(raw, []byte("\n"))
	raw = bytes.TrimSuffix(raw, []byte("\r"))
	if len(raw) > b.opts.MaxLineLength {
		b.log.Warn("Input line too long", zap.Int("len", len(raw)), zap.Int("max", b.opts.MaxLineLength))
		b.Close(ReasonLineTooLong)
		return "", ErrLineTooLong
	}
	return string(raw), nil
}

// Send enqueues line for the writer. Lines sent after Close are dropped and
// counted. A full queue is fatal: the overflow is counted once and the
// session closes with ReasonSendQOverflow.
func (b *base) Send(line string) {
	err := b.queue.Push(line)
	if err == nil {
		return
	}
	b.opts.Observer.SendQDropped()

	if errors.Is(err, ErrQueueFull) && b.overflowed.CompareAndSwap(false, true) {
		b.opts.Observer.SendQOverflow()
		b.log.Warn("Send queue overflow, dropping session",
			zap.Int("capacity", b.queue.Cap()),
			zap.Int("high_water", b.queue.HighWater()))
		go b.Close(ReasonSendQOverflow)
	}
}

// Sendf formats and enqueues a line
func (b *base) Sendf(format string, args ...interface{}) {
	b.Send(fmt.Sprintf(format, args...))
}

// RunWriter is the only writer to the socket. It batches lines and flushes
// whenever the queue is momentarily empty. It returns once Close has
// completed the queue and the buffered lines are written, or on a write
// error. Cancelling ctx starts a shutdown close and keeps draining.
func (b *base) RunWriter(ctx context.Context) error {
	if !b.writing.CompareAndSwap(false, true) {
		if b.closing.Load() {
			return nil
		}
		return ErrWriterBusy
	}
	defer close(b.writerDone)
	return b.drain(ctx.Done())
}

func (b *base) drain(cancel <-chan struct{}) error {
	bw := bufio.NewWriterSize(b.nc, 4096)
	lines := b.queue.Lines()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return bw.Flush()
			}
			if _, err := bw.WriteString(line); err != nil {
				return b.writeFailed(err)
			}
			if _, err := bw.WriteString("\r\n"); err != nil {
				return b.writeFailed(err)
			}
			if len(lines) == 0 {
				if err := bw.Flush(); err != nil {
					return b.writeFailed(err)
				}
			}
		case <-cancel:
			cancel = nil
			go b.Close(ReasonShutdown)
		}
	}
}

func (b *base) writeFailed(err error) error {
	if !b.closing.Load() {
		b.log.Debug("Write failed", zap.Error(err))
		go b.Close(ReasonWriteError)
	}
	return err
}

// Close tears the session down. The first caller wins: it sends a final
// ERROR line best-effort, completes the queue, gives the writer a bounded
// time to drain, waits for it and closes the socket. Later calls return
// false immediately.
func (b *base) Close(reason string) bool {
	if !b.closing.CompareAndSwap(false, true) {
		return false
	}

	b.reasonMu.Lock()
	b.reason = reason
	b.reasonMu.Unlock()

	b.log.Debug("Closing session", zap.String("reason", reason))

	b.queue.PushFinal(fmt.Sprintf("ERROR :Closing Link: %s (%s)", b.ip, reason))
	b.queue.Complete()

	b.nc.SetWriteDeadline(time.Now().Add(b.opts.DrainTimeout))
	if b.writing.CompareAndSwap(false, true) {
		// No writer was started; drain on this goroutine
		b.drain(nil)
		close(b.writerDone)
	} else {
		<-b.writerDone
	}

	b.nc.Close()
	close(b.done)
	return true
}
