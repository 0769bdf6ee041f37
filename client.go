// Package tabby implements the connection core of a console IRC
// client: one Client maintains one logical conversation with one IRC
// server, from address resolution and TLS through registration, SASL,
// keepalive and reconnection, and exposes a command sink and an event
// stream to its embedder.
package tabby

import (
	"crypto/x509"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
	log "gopkg.in/inconshreveable/log15.v2"
	logext "gopkg.in/inconshreveable/log15.v2/ext"
	"gopkg.in/tomb.v2"
)

// SessionState is where the session currently is in its lifecycle.
type SessionState int32

const (
	Disconnected SessionState = iota
	Resolving
	Connecting
	Introducing
	CapNegotiating
	SaslAuthenticating
	Registering
	Registered
	PingSent
	Reconnecting
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Resolving:
		return "resolving"
	case Connecting:
		return "connecting"
	case Introducing:
		return "introducing"
	case CapNegotiating:
		return "cap-negotiating"
	case SaslAuthenticating:
		return "sasl-authenticating"
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	case PingSent:
		return "ping-sent"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Command errors.
var (
	ErrBackpressure = errors.New("outgoing queue is full")
	ErrClosed       = errors.New("client is closed")
	ErrPingTimeout  = errors.New("ping timeout")
	ErrNoNicks      = errors.New("spec needs at least one non-empty nick")
)

// Client is one IRC session. Create it with New, drive it with the
// command methods, and consume Events until the channel closes.
type Client struct {
	// Logger is a log15 logger. Logs are discarded unless a handler
	// is attached or a configured logger is passed via the Logger
	// option.
	log.Logger

	spec    ServerSpec
	roots   *x509.CertPool
	proxy   proxy.Dialer
	dialFn  func(network, addr string) (net.Conn, error)
	limiter *rate.Limiter

	cmds   chan command
	events chan Event

	queued int64 // outgoing queue size in bytes
	closed int32 // set once ClosedEvent went out

	stateAtomic int32
	nickAtomic  atomic.Value // string
	acceptedAtm int32

	// timing knobs; fixed by the protocol, adjustable in tests
	joinRetryEvery time.Duration
	quitDrain      time.Duration
	dialTimeout    time.Duration

	t tomb.Tomb
}

type command interface{}

type (
	cmdConnect   struct{}
	cmdReconnect struct{ port uint16 }
	cmdQuit      struct{ msg string }
	cmdSendRaw   struct{ line string }
	cmdMsg       struct {
		target string
		text   string
		notice bool
		action bool
	}
	cmdJoin struct{ channels []string }
	cmdPart struct {
		channel string
		reason  string
	}
	cmdNick struct{ nick string }
	cmdAway struct{ msg string }
	cmdPing struct{ token string }
)

// New creates a client for the given server and starts its session
// loop. The session stays Disconnected until Connect is called.
func New(spec ServerSpec, options ...func(*Client)) (*Client, error) {
	if len(spec.Nicks) == 0 {
		return nil, ErrNoNicks
	}
	for _, n := range spec.Nicks {
		if n == "" {
			return nil, ErrNoNicks
		}
	}

	c := &Client{
		spec:           spec.withDefaults(),
		cmds:           make(chan command, 64),
		events:         make(chan Event, 64),
		limiter:        rate.NewLimiter(rate.Every(200*time.Millisecond), 4),
		joinRetryEvery: 10 * time.Second,
		quitDrain:      2 * time.Second,
		dialTimeout:    30 * time.Second,
	}
	c.Logger = log.New("id", logext.RandId(8), "host", c.spec.Addr)
	c.Logger.SetHandler(log.DiscardHandler())
	c.nickAtomic.Store(c.spec.Nicks[0])

	for _, option := range options {
		option(c)
	}
	if c.roots == nil && c.spec.TLS {
		c.roots = systemRoots()
	}

	c.t.Go(c.run)
	return c, nil
}

// Events returns the event stream. It is closed after ClosedEvent.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Wait blocks until the session loop has finished.
func (c *Client) Wait() error {
	return c.t.Wait()
}

// State reports the session state at this instant.
func (c *Client) State() SessionState {
	return SessionState(atomic.LoadInt32(&c.stateAtomic))
}

// Nick is the nick the session currently uses or is trying to get.
func (c *Client) Nick() string {
	return c.nickAtomic.Load().(string)
}

// NickAccepted reports whether the server accepted our nick.
func (c *Client) NickAccepted() bool {
	return atomic.LoadInt32(&c.acceptedAtm) == 1
}

// ServerName is the display name of this connection: the alias when
// configured, the address otherwise.
func (c *Client) ServerName() string {
	if c.spec.Alias != "" {
		return c.spec.Alias
	}
	return c.spec.Addr
}

// Connect starts connecting. No-op unless the session is disconnected.
func (c *Client) Connect() error {
	return c.submit(cmdConnect{})
}

// Reconnect drops the current transport, if any, and reconnects
// immediately. A non-zero port replaces the configured one.
func (c *Client) Reconnect(port uint16) error {
	return c.submit(cmdReconnect{port: port})
}

// Quit closes the session: a best-effort QUIT is sent when
// registered, the outgoing queue gets a bounded drain, and the event
// stream ends with ClosedEvent. Quit is never rejected for
// backpressure.
func (c *Client) Quit(msg string) error {
	return c.submit(cmdQuit{msg: msg})
}

// SendRaw enqueues a raw IRC line (without CRLF).
func (c *Client) SendRaw(line string) error {
	if err := c.pressure(); err != nil {
		return err
	}
	return c.submit(cmdSendRaw{line: line})
}

// Privmsg sends a message, splitting it when it does not fit one line.
func (c *Client) Privmsg(target, text string) error {
	if err := c.pressure(); err != nil {
		return err
	}
	return c.submit(cmdMsg{target: target, text: text})
}

// Notice sends a notice, split like Privmsg.
func (c *Client) Notice(target, text string) error {
	if err := c.pressure(); err != nil {
		return err
	}
	return c.submit(cmdMsg{target: target, text: text, notice: true})
}

// Action sends a CTCP ACTION ("/me").
func (c *Client) Action(target, text string) error {
	if err := c.pressure(); err != nil {
		return err
	}
	return c.submit(cmdMsg{target: target, text: text, action: true})
}

// Join asks to join the given channels.
func (c *Client) Join(channels ...string) error {
	return c.submit(cmdJoin{channels: channels})
}

// Part leaves a channel.
func (c *Client) Part(channel, reason string) error {
	return c.submit(cmdPart{channel: channel, reason: reason})
}

// SetNick asks the server for a new nick. The session's own nick
// changes only once the server confirms.
func (c *Client) SetNick(nick string) error {
	return c.submit(cmdNick{nick: nick})
}

// Away sets the away message; an empty message marks us back. The
// away state is replayed when the session re-registers after a
// reconnect.
func (c *Client) Away(msg string) error {
	return c.submit(cmdAway{msg: msg})
}

// Ping sends a PING with the given token.
func (c *Client) Ping(token string) error {
	return c.submit(cmdPing{token: token})
}

func (c *Client) pressure() error {
	if atomic.LoadInt64(&c.queued) > maxQueueBytes {
		return ErrBackpressure
	}
	return nil
}

func (c *Client) submit(cmd command) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.t.Dying():
		return ErrClosed
	}
}

func (c *Client) emit(ev Event) {
	c.events <- ev
}

func (c *Client) setState(s SessionState) {
	atomic.StoreInt32(&c.stateAtomic, int32(s))
}

// run is the session loop: the only goroutine that touches session
// state. It multiplexes embedder commands, inbound traffic, queue
// writeout and timers, and dispatches exactly one cause per turn.
func (c *Client) run() error {
	defer close(c.events)

	s := newSession(c)
	defer s.teardown()

	dying := c.t.Dying()
	for {
		// The write case is armed only while a transport is up and
		// the queue is non-empty; a nil channel otherwise keeps the
		// case dormant.
		var sendCh chan<- []byte
		var head []byte
		if s.sendCh != nil && s.q.len() > 0 {
			sendCh = s.sendCh
			head = s.q.head()
		}

		select {
		case <-dying:
			dying = nil
			s.beginQuit("")

		case cmd := <-c.cmds:
			s.handleCommand(cmd)

		case res := <-s.dialCh:
			s.handleDialResult(res)

		case chunk := <-s.reads:
			s.handleRead(chunk)

		case sendCh <- head:
			atomic.AddInt64(&c.queued, -int64(len(head)))
			s.q.pop()
			s.inflight++

		case <-s.flushed:
			if s.inflight > 0 {
				s.inflight--
			}
			if s.quitting && s.q.len() == 0 && s.inflight == 0 {
				s.finishQuit()
			}

		case err := <-s.writeErr:
			s.transportLost(err)

		case <-timerC(s.pingTimer):
			s.pingTimer = nil
			s.onSilence()

		case <-timerC(s.pongTimer):
			s.pongTimer = nil
			s.transportLost(ErrPingTimeout)

		case <-timerC(s.reconnTimer):
			s.reconnTimer = nil
			s.beginConnect()

		case <-timerC(s.joinTimer):
			s.joinTimer = nil
			s.onJoinRetry()

		case <-timerC(s.quitTimer):
			s.quitTimer = nil
			s.finishQuit()
		}

		if s.finished {
			atomic.StoreInt32(&c.closed, 1)
			c.emit(ClosedEvent{})
			return nil
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) *time.Timer {
	if t != nil {
		t.Stop()
	}
	return nil
}
