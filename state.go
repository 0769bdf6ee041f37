package tabby

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ugjka/tabby/wire"
)

// clientVersion is the CTCP VERSION reply.
const clientVersion = "tabby IRC"

// saslChunk is the AUTHENTICATE payload chunk size.
const saslChunk = 400

// joinGroupBudget bounds the channel-list portion of a grouped JOIN.
const joinGroupBudget = 400

type readChunk struct {
	data []byte
	err  error
}

type dialResult struct {
	conn net.Conn
	err  error
}

type joinRetry struct {
	name     ChanName
	attempts int
	due      time.Time
}

// session is the loop-owned state of one connection lifecycle. Only
// Client.run touches it.
type session struct {
	c    *Client
	port uint16

	state SessionState

	// transport; all nil while disconnected
	conn     net.Conn
	reads    chan readChunk
	sendCh   chan []byte
	writeErr chan error
	flushed  chan struct{}
	done     chan struct{}
	inflight int

	dialCh     chan dialResult
	dialCancel context.CancelFunc
	redial     bool

	asm assembler
	q   outQueue

	attempt int

	nickIdx      int
	underscores  int
	currentNick  string
	lastNickSent string
	nickAccepted bool

	serverName string
	prefixLen  int // learned length of our "nick!user@host", 0 when unknown

	capLS    []string
	saslDone bool

	joined  map[string]ChanName
	retries map[string]*joinRetry

	away    string
	awaySet bool

	pingTimer   *time.Timer
	pongTimer   *time.Timer
	reconnTimer *time.Timer
	joinTimer   *time.Timer
	quitTimer   *time.Timer

	quitting bool
	finished bool
}

func newSession(c *Client) *session {
	return &session{
		c:       c,
		port:    c.spec.Port,
		state:   Disconnected,
		joined:  map[string]ChanName{},
		retries: map[string]*joinRetry{},
	}
}

func (s *session) setState(state SessionState) {
	s.state = state
	s.c.setState(state)
}

func (s *session) setNick(nick string) {
	s.currentNick = nick
	s.c.nickAtomic.Store(nick)
}

func (s *session) teardown() {
	s.closeTransport()
	s.cancelDial()
	s.pingTimer = stopTimer(s.pingTimer)
	s.pongTimer = stopTimer(s.pongTimer)
	s.reconnTimer = stopTimer(s.reconnTimer)
	s.joinTimer = stopTimer(s.joinTimer)
	s.quitTimer = stopTimer(s.quitTimer)
}

//
// Connecting
//

// beginConnect starts one connection cycle: resolve and dial in a
// helper goroutine so commands (in particular quit) stay serviceable
// while the dial is in flight.
func (s *session) beginConnect() {
	if s.conn != nil || s.dialCh != nil || s.quitting {
		return
	}
	s.attempt++
	s.setState(Resolving)
	s.c.emit(ConnectingEvent{Attempt: s.attempt})
	s.c.Info("connecting", "attempt", s.attempt, "port", s.port)

	d := &dialer{
		host:   s.c.spec.Addr,
		port:   s.port,
		tls:    s.c.spec.TLS,
		roots:  s.c.roots,
		proxy:  s.c.proxy,
		dialFn: s.c.dialFn,
	}
	ctx, cancel := context.WithTimeout(s.c.t.Context(context.Background()), s.c.dialTimeout)
	s.dialCancel = cancel
	ch := make(chan dialResult, 1)
	s.dialCh = ch
	go func() {
		conn, err := d.dial(ctx)
		ch <- dialResult{conn: conn, err: err}
	}()
}

func (s *session) cancelDial() {
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if ch := s.dialCh; ch != nil {
		s.dialCh = nil
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}
}

func (s *session) handleDialResult(res dialResult) {
	s.dialCh = nil
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}

	if s.quitting {
		if res.conn != nil {
			res.conn.Close()
		}
		s.finishQuit()
		return
	}
	if s.redial {
		s.redial = false
		if res.conn != nil {
			res.conn.Close()
		}
		s.beginConnect()
		return
	}
	if res.err != nil {
		s.c.Error("connect failed", "err", res.err)
		s.c.emit(DisconnectedEvent{Reason: res.err})
		s.scheduleReconnect()
		return
	}

	s.startTransport(res.conn)
}

// startTransport installs the fresh connection, spawns its reader and
// writer, and runs the introduction sequence.
func (s *session) startTransport(conn net.Conn) {
	s.conn = conn
	s.done = make(chan struct{})
	s.reads = make(chan readChunk, 4)
	s.sendCh = make(chan []byte)
	s.writeErr = make(chan error, 1)
	s.flushed = make(chan struct{}, 64)
	s.inflight = 0

	go readLoop(conn, s.reads, s.done)
	go writeLoop(conn, s.sendCh, s.writeErr, s.flushed, s.done, s.c.limiter, s.c.t.Context(context.Background()))

	// fresh registration state
	s.nickIdx = 0
	s.underscores = 0
	s.nickAccepted = false
	atomic.StoreInt32(&s.c.acceptedAtm, 0)
	s.setNick(s.c.spec.Nicks[0])
	s.joined = map[string]ChanName{}
	s.retries = map[string]*joinRetry{}
	s.joinTimer = stopTimer(s.joinTimer)
	s.capLS = nil
	s.saslDone = false
	s.serverName = ""

	s.setState(Introducing)
	s.armPing()
	s.c.emit(ConnectedEvent{})
	s.c.Info("connected")

	s.enqueue("CAP", "LS", "302")
	if s.c.spec.Pass != "" {
		s.enqueue("PASS", s.c.spec.Pass)
	}
	s.sendNick(s.currentNick)
	s.enqueue("USER", s.c.spec.Hostname, "0", "*", s.c.spec.Realname)
}

func readLoop(conn net.Conn, reads chan<- readChunk, done <-chan struct{}) {
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		var chunk readChunk
		if n > 0 {
			chunk.data = append([]byte(nil), buf[:n]...)
		}
		chunk.err = err
		select {
		case reads <- chunk:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func writeLoop(conn net.Conn, lines <-chan []byte, werr chan<- error, flushed chan<- struct{}, done <-chan struct{}, limiter *rate.Limiter, ctx context.Context) {
	for line := range lines {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := conn.Write(line); err != nil {
			select {
			case werr <- err:
			case <-done:
			}
			return
		}
		select {
		case flushed <- struct{}{}:
		default:
		}
	}
}

func (s *session) closeTransport() {
	if s.conn == nil {
		return
	}
	close(s.done)
	s.conn.Close()
	close(s.sendCh)
	s.conn = nil
	s.done = nil
	s.reads = nil
	s.sendCh = nil
	s.writeErr = nil
	s.flushed = nil
	s.inflight = 0

	s.asm.reset()
	s.q.clear()
	atomic.StoreInt64(&s.c.queued, 0)

	// invariant: membership does not survive the transport
	s.joined = map[string]ChanName{}
	s.retries = map[string]*joinRetry{}
	s.joinTimer = stopTimer(s.joinTimer)

	s.nickAccepted = false
	atomic.StoreInt32(&s.c.acceptedAtm, 0)

	s.pingTimer = stopTimer(s.pingTimer)
	s.pongTimer = stopTimer(s.pongTimer)
}

// transportLost handles a broken transport: read/write error, EOF,
// ping timeout or a server ERROR.
func (s *session) transportLost(reason error) {
	if s.conn == nil {
		return
	}
	if s.quitting {
		s.finishQuit()
		return
	}
	s.c.Error("disconnected", "err", reason)
	s.c.emit(DisconnectedEvent{Reason: reason})
	s.scheduleReconnect()
}

func (s *session) scheduleReconnect() {
	s.closeTransport()
	s.setState(Reconnecting)
	delay := reconnectDelay(s.c.spec.ReconnectBase, s.attempt)
	s.c.Info("reconnecting", "in", delay, "attempt", s.attempt)
	s.reconnTimer = stopTimer(s.reconnTimer)
	s.reconnTimer = time.NewTimer(delay)
}

//
// Keepalive
//

func (s *session) armPing() {
	s.pingTimer = stopTimer(s.pingTimer)
	s.pingTimer = time.NewTimer(s.c.spec.PingInterval)
}

// onSilence fires when nothing arrived for a full ping interval: probe
// the server and give it one more interval to produce any traffic.
func (s *session) onSilence() {
	if s.conn == nil {
		return
	}
	target := s.serverName
	if target == "" {
		target = s.c.spec.Addr
	}
	s.pushFront([]byte("PING :" + target + "\r\n"))
	if s.state == Registered {
		s.setState(PingSent)
	}
	s.pongTimer = stopTimer(s.pongTimer)
	s.pongTimer = time.NewTimer(s.c.spec.PingInterval)
}

//
// Inbound
//

func (s *session) handleRead(chunk readChunk) {
	if len(chunk.data) > 0 {
		s.asm.push(chunk.data)
		// any inbound traffic proves the link alive
		s.armPing()
		s.pongTimer = stopTimer(s.pongTimer)
		if s.state == PingSent {
			s.setState(Registered)
		}
		for {
			line := s.asm.next()
			if line == nil {
				break
			}
			s.handleLine(line)
			if s.conn == nil || s.finished {
				return
			}
		}
		if s.asm.overflowed() {
			s.c.Error("inbound buffer exceeded limit, dropping partial line")
		}
	}
	if chunk.err != nil {
		s.transportLost(chunk.err)
	}
}

func (s *session) handleLine(line []byte) {
	msg, err := wire.Parse(line)
	if err != nil {
		s.c.Debug("dropping unparsable line", "err", err)
		return
	}
	s.handleMessage(msg)
	s.c.emit(MessageEvent{
		Raw:        msg.Raw,
		Msg:        msg,
		Tags:       msg.Tags,
		FromServer: s.fromServer(msg),
	})
}

// fromServer attributes a message to the server or to a user. A bare
// prefix (no !user@host) is the server when it matches the name
// remembered from 001/002, a nick otherwise.
func (s *session) fromServer(msg *wire.Message) bool {
	if msg.Prefix.Name == "" {
		return true
	}
	if msg.Prefix.IsUser() {
		return false
	}
	return strings.EqualFold(msg.Prefix.Name, s.serverName)
}

func (s *session) handleMessage(msg *wire.Message) {
	switch msg.Command {
	case "PING":
		s.enqueue("PONG", msg.Params...)

	case "PONG":
		// the inbound bytes already reset the deadlines

	case "CAP":
		s.handleCap(msg)

	case "AUTHENTICATE":
		if msg.Param(0) == "+" && !s.saslDone {
			s.sendSASLPayload()
		}

	case "900":
		// logged in; 903 completes the exchange

	case "903":
		if !s.saslDone {
			s.saslDone = true
			s.enqueue("CAP", "END")
		}

	case "904", "905", "906", "907":
		if !s.saslDone {
			s.saslDone = true
			s.c.Error("SASL authentication failed", "code", msg.Command)
			s.c.emit(SaslFailedEvent{Code: msg.Command})
			s.enqueue("CAP", "END")
		}

	case "001":
		s.handleWelcome(msg)

	case "002":
		if s.serverName == "" {
			if name := parseYourHost(msg.Trailing()); name != "" {
				s.serverName = name
			}
		}

	case "431", "432", "433", "436", "437":
		if !s.nickAccepted {
			s.advanceNick()
		} else {
			s.c.Error("nick rejected", "code", msg.Command, "reason", msg.Trailing())
		}

	case "NICK":
		s.handleNick(msg)

	case "JOIN":
		s.handleJoin(msg)

	case "332": // RPL_TOPIC
		s.confirmJoin(msg.Param(1))

	case "353": // RPL_NAMREPLY
		s.confirmJoin(msg.Param(2))

	case "PART":
		if strings.EqualFold(msg.Prefix.Name, s.currentNick) {
			s.dropChannel(msg.Param(0), msg.Param(1))
		}

	case "KICK":
		if strings.EqualFold(msg.Param(1), s.currentNick) {
			s.dropChannel(msg.Param(0), msg.Param(2))
		}

	case "477": // ERR_NEEDREGGEDNICK
		s.handleNeedReggedNick(msg.Param(1), msg.Trailing())

	case "ERROR":
		s.c.Error("server error", "msg", msg.Trailing())
		s.c.emit(DisconnectedEvent{Reason: fmt.Errorf("server error: %s", msg.Trailing())})
		if s.quitting {
			s.finishQuit()
			return
		}
		s.scheduleReconnect()

	case "PRIVMSG":
		s.handlePrivmsg(msg)
	}
}

func (s *session) handleCap(msg *wire.Message) {
	switch msg.Param(1) {
	case "LS":
		if s.state == Introducing {
			s.setState(CapNegotiating)
		}
		more := msg.Param(2) == "*"
		s.capLS = append(s.capLS, strings.Fields(msg.Trailing())...)
		if more {
			return
		}
		if s.c.spec.SASL != nil && capAdvertised(s.capLS, "sasl") {
			s.push([]byte("CAP REQ :sasl\r\n"))
		} else {
			if s.c.spec.SASL != nil {
				s.c.Error("server does not advertise sasl")
				s.c.emit(SaslFailedEvent{Code: "unsupported"})
			}
			s.saslDone = true
			s.enqueue("CAP", "END")
		}

	case "ACK":
		if s.c.spec.SASL != nil && strings.Contains(msg.Trailing(), "sasl") && !s.saslDone {
			s.setState(SaslAuthenticating)
			s.enqueue("AUTHENTICATE", "PLAIN")
		} else if !s.saslDone {
			s.saslDone = true
			s.enqueue("CAP", "END")
		}

	case "NAK":
		if !s.saslDone {
			s.saslDone = true
			if s.c.spec.SASL != nil {
				s.c.emit(SaslFailedEvent{Code: "rejected"})
			}
			s.enqueue("CAP", "END")
		}
	}
}

func capAdvertised(caps []string, want string) bool {
	for _, c := range caps {
		// values may be attached as name=value
		if c == want || strings.HasPrefix(c, want+"=") {
			return true
		}
	}
	return false
}

// sendSASLPayload answers the server's AUTHENTICATE + challenge with
// the PLAIN payload in 400-byte chunks. A final chunk of exactly 400
// bytes is terminated by an empty "+" chunk.
func (s *session) sendSASLPayload() {
	auth := s.c.spec.SASL
	if auth == nil {
		s.enqueue("AUTHENTICATE", "*")
		return
	}
	payload := "\x00" + auth.Username + "\x00" + auth.Password
	enc := base64.StdEncoding.EncodeToString([]byte(payload))
	for len(enc) > 0 {
		n := len(enc)
		if n > saslChunk {
			n = saslChunk
		}
		s.enqueue("AUTHENTICATE", enc[:n])
		enc = enc[n:]
		if len(enc) == 0 && n == saslChunk {
			s.enqueue("AUTHENTICATE", "+")
		}
	}
}

func (s *session) handleWelcome(msg *wire.Message) {
	if s.nickAccepted {
		return
	}
	if msg.Prefix.Name != "" {
		s.serverName = msg.Prefix.Name
	}
	if nick := msg.Param(0); nick != "" && nick != "*" {
		s.setNick(nick)
	}
	s.nickAccepted = true
	atomic.StoreInt32(&s.c.acceptedAtm, 1)
	s.learnUsermask(msg.Trailing())

	s.setState(Registering)
	if s.c.spec.NickServIdent != "" {
		s.identify()
	}
	for _, group := range groupJoin(s.c.spec.AutoJoin) {
		s.enqueue("JOIN", strings.Join(group, ","))
	}
	if s.awaySet {
		s.enqueue("AWAY", s.away)
	}
	s.setState(Registered)
	s.attempt = 0
	s.c.Info("registered", "server", s.serverName, "nick", s.currentNick)
	s.c.emit(RegisteredEvent{ServerName: s.serverName, Nick: s.currentNick})
}

// learnUsermask captures our own nick!user@host when the welcome text
// ends with it, to size outgoing message splits.
func (s *session) learnUsermask(trailing string) {
	fields := strings.Fields(trailing)
	if len(fields) == 0 {
		return
	}
	last := fields[len(fields)-1]
	if strings.Contains(last, "!") && strings.Contains(last, "@") {
		s.prefixLen = len(last)
	}
}

// parseYourHost extracts the server name from the RPL_YOURHOST text
// "Your host is <name>[, running version ...]".
func parseYourHost(text string) string {
	const p = "Your host is "
	if !strings.HasPrefix(text, p) {
		return ""
	}
	rest := text[len(p):]
	if i := strings.IndexAny(rest, ", "); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func (s *session) identify() {
	s.enqueue("PRIVMSG", "NickServ", "IDENTIFY "+s.c.spec.NickServIdent)
}

//
// Nicks
//

func (s *session) sendNick(nick string) {
	s.lastNickSent = nick
	s.enqueue("NICK", nick)
}

// advanceNick moves the nick cursor after a conflict numeric: next
// candidate from the list, then growing underscore suffixes on the
// last one.
func (s *session) advanceNick() {
	tried := s.lastNickSent
	nicks := s.c.spec.Nicks
	s.nickIdx++
	var next string
	if s.nickIdx < len(nicks) {
		next = nicks[s.nickIdx]
	} else {
		s.underscores++
		next = nicks[len(nicks)-1] + strings.Repeat("_", s.underscores)
	}
	s.setNick(next)
	s.sendNick(next)
	s.c.Info("nick conflict", "tried", tried, "next", next)
	s.c.emit(NickConflictEvent{Tried: tried, Next: next})
}

// handleNick processes a server NICK line. A nick change we asked for
// takes effect only here, on the server's echo of our request.
func (s *session) handleNick(msg *wire.Message) {
	if !strings.EqualFold(msg.Prefix.Name, s.currentNick) {
		return
	}
	newNick := msg.Param(0)
	if newNick == "" {
		return
	}
	old := s.currentNick
	s.setNick(newNick)
	s.c.Info("nick changed", "old", old, "new", newNick)
	s.c.emit(NickChangedEvent{Old: old, New: newNick})
	if s.nickAccepted && s.c.spec.NickServIdent != "" {
		s.identify()
	}
}

//
// Channels
//

func (s *session) handleJoin(msg *wire.Message) {
	name := msg.Param(0)
	if name == "" {
		name = msg.Trailing()
	}
	if !strings.EqualFold(msg.Prefix.Name, s.currentNick) {
		return
	}
	if msg.Prefix.IsUser() {
		s.prefixLen = len(msg.Prefix.String())
	}
	s.confirmJoin(name)
}

func (s *session) confirmJoin(name string) {
	if !IsChanName(name) {
		return
	}
	ch := NewChanName(name)
	if _, ok := s.joined[ch.Key()]; ok {
		return
	}
	s.joined[ch.Key()] = ch
	delete(s.retries, ch.Key())
	s.c.Info("joined", "channel", ch.String())
	s.c.emit(ChannelJoinedEvent{Channel: ch.String()})
}

func (s *session) dropChannel(name, reason string) {
	if !IsChanName(name) {
		return
	}
	ch := NewChanName(name)
	if _, ok := s.joined[ch.Key()]; !ok {
		return
	}
	delete(s.joined, ch.Key())
	s.c.emit(ChannelPartedEvent{Channel: ch.String(), Reason: reason})
}

// handleNeedReggedNick handles 477 on a +R channel: when we have
// nickserv credentials the identify may still be settling, so the join
// is retried twice before giving up.
func (s *session) handleNeedReggedNick(name, reason string) {
	if !IsChanName(name) {
		return
	}
	if s.c.spec.NickServIdent == "" {
		s.c.emit(JoinFailedEvent{Channel: name, Reason: reason})
		return
	}
	ch := NewChanName(name)
	r := s.retries[ch.Key()]
	if r == nil {
		r = &joinRetry{name: ch}
		s.retries[ch.Key()] = r
	}
	r.attempts++
	if r.attempts >= 3 {
		delete(s.retries, ch.Key())
		s.c.Error("join failed", "channel", ch.String(), "reason", reason)
		s.c.emit(JoinFailedEvent{Channel: ch.String(), Reason: reason})
		return
	}
	r.due = time.Now().Add(s.c.joinRetryEvery)
	s.armJoinTimer()
}

func (s *session) armJoinTimer() {
	var earliest time.Time
	for _, r := range s.retries {
		if r.due.IsZero() {
			continue
		}
		if earliest.IsZero() || r.due.Before(earliest) {
			earliest = r.due
		}
	}
	s.joinTimer = stopTimer(s.joinTimer)
	if earliest.IsZero() {
		return
	}
	d := time.Until(earliest)
	if d < 0 {
		d = 0
	}
	s.joinTimer = time.NewTimer(d)
}

func (s *session) onJoinRetry() {
	if s.conn == nil {
		return
	}
	now := time.Now()
	for _, r := range s.retries {
		if r.due.IsZero() || r.due.After(now) {
			continue
		}
		r.due = time.Time{}
		s.enqueue("JOIN", r.name.String())
	}
	s.armJoinTimer()
}

// groupJoin packs channels into comma-separated JOIN groups within a
// conservative byte budget.
func groupJoin(channels []string) [][]string {
	var groups [][]string
	var cur []string
	size := 0
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		if len(cur) > 0 && size+1+len(ch) > joinGroupBudget {
			groups = append(groups, cur)
			cur = nil
			size = 0
		}
		cur = append(cur, ch)
		size += 1 + len(ch)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

//
// CTCP
//

func (s *session) handlePrivmsg(msg *wire.Message) {
	kind, _, ok := wire.ParseCTCP(msg.Trailing())
	if !ok {
		return
	}
	if kind == "VERSION" && strings.EqualFold(msg.Param(0), s.currentNick) && msg.Prefix.Name != "" {
		s.enqueue("NOTICE", msg.Prefix.Name, wire.CTCP("VERSION", clientVersion))
	}
}

//
// Commands
//

func (s *session) handleCommand(cmd command) {
	if s.quitting {
		return
	}
	switch cmd := cmd.(type) {
	case cmdConnect:
		if s.state == Disconnected {
			s.beginConnect()
		}

	case cmdReconnect:
		if cmd.port != 0 {
			s.port = cmd.port
		}
		s.reconnTimer = stopTimer(s.reconnTimer)
		if s.dialCh != nil {
			s.redial = true
			s.dialCancel()
			return
		}
		s.closeTransport()
		s.beginConnect()

	case cmdQuit:
		s.beginQuit(cmd.msg)

	case cmdSendRaw:
		s.sendRaw(cmd.line)

	case cmdMsg:
		s.sendSplit(cmd)

	case cmdJoin:
		var valid []string
		for _, ch := range cmd.channels {
			if IsChanName(ch) {
				valid = append(valid, ch)
			} else {
				s.c.Error("not a channel name", "name", ch)
			}
		}
		for _, group := range groupJoin(valid) {
			s.enqueue("JOIN", strings.Join(group, ","))
		}

	case cmdPart:
		if cmd.reason == "" {
			s.enqueue("PART", cmd.channel)
		} else {
			s.enqueue("PART", cmd.channel, cmd.reason)
		}

	case cmdNick:
		s.sendNick(cmd.nick)

	case cmdAway:
		if cmd.msg == "" {
			s.awaySet = false
			s.away = ""
			s.enqueue("AWAY")
		} else {
			s.awaySet = true
			s.away = cmd.msg
			s.enqueue("AWAY", cmd.msg)
		}

	case cmdPing:
		s.enqueue("PING", cmd.token)
	}
}

func (s *session) sendRaw(line string) {
	if strings.ContainsAny(line, "\r\n\x00") {
		s.c.Error("raw line contains line breaks, dropping")
		return
	}
	if len(line)+2 > wire.MaxLine {
		s.c.Error("raw line exceeds the wire limit, dropping", "len", len(line))
		return
	}
	s.push(append([]byte(line), '\r', '\n'))
}

// sendSplit serializes a PRIVMSG/NOTICE/ACTION, splitting the text so
// every produced line fits the wire limit with our prefix accounted
// for.
func (s *session) sendSplit(cmd cmdMsg) {
	command := "PRIVMSG"
	if cmd.notice {
		command = "NOTICE"
	}
	prefixLen := s.prefixLen
	if prefixLen == 0 {
		prefixLen = defaultPrefixLen
	}
	if cmd.action {
		// the 0x01 ACTION framing around every fragment
		prefixLen += len("\x01ACTION \x01")
	}
	for _, frag := range splitPayload(command, cmd.target, cmd.text, prefixLen) {
		body := frag
		if cmd.action {
			body = wire.CTCP("ACTION", frag)
		}
		s.enqueue(command, cmd.target, body)
	}
}

//
// Quit
//

// beginQuit starts the terminal sequence: a best-effort QUIT when
// registered, then a bounded drain of the queue.
func (s *session) beginQuit(msg string) {
	if s.quitting {
		return
	}
	s.quitting = true
	s.cancelDial()
	s.reconnTimer = stopTimer(s.reconnTimer)

	if s.conn == nil {
		s.finishQuit()
		return
	}
	if s.state == Registered || s.state == PingSent {
		msg = strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' {
				return ' '
			}
			return r
		}, msg)
		if msg == "" {
			s.push([]byte("QUIT\r\n"))
		} else {
			s.push([]byte("QUIT :" + msg + "\r\n"))
		}
	}
	if s.q.len() == 0 && s.inflight == 0 {
		s.finishQuit()
		return
	}
	s.quitTimer = time.NewTimer(s.c.quitDrain)
}

func (s *session) finishQuit() {
	if s.finished {
		return
	}
	s.quitTimer = stopTimer(s.quitTimer)
	s.closeTransport()
	s.setState(Disconnected)
	s.finished = true
}

//
// Outgoing queue plumbing
//

func (s *session) enqueue(command string, params ...string) {
	line, err := wire.Marshal(command, params...)
	if err != nil {
		s.c.Error("cannot encode message", "command", command, "err", err)
		return
	}
	s.push(line)
}

func (s *session) push(line []byte) {
	if s.conn == nil {
		s.c.Debug("not connected, dropping outgoing line")
		return
	}
	s.q.pushBack(line)
	atomic.AddInt64(&s.c.queued, int64(len(line)))
}

func (s *session) pushFront(line []byte) {
	if s.conn == nil {
		return
	}
	s.q.pushFront(line)
	atomic.AddInt64(&s.c.queued, int64(len(line)))
}
