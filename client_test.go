package tabby

import (
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/ugjka/tabby/irctest"
)

func testSpec() ServerSpec {
	return ServerSpec{
		Addr:         "irc.test",
		Nicks:        []string{"tabby"},
		Hostname:     "testhost",
		Realname:     "Tabby Cat",
		PingInterval: 10 * time.Second,
	}
}

func newTestClient(t *testing.T, spec ServerSpec, srv *irctest.Server) *Client {
	t.Helper()
	c, err := New(spec, DialWith(srv.Dial()), SendRate(rate.Inf, 1))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		srv.Close()
		c.Quit("")
		for range c.Events() {
		}
	})
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	return c
}

func expectLine(t *testing.T, srv *irctest.Server, want string) {
	t.Helper()
	got, err := srv.Recv()
	if err != nil {
		t.Fatalf("waiting for %q: %v", want, err)
	}
	if got != want {
		t.Fatalf("got line %q, want %q", got, want)
	}
}

func expectPrefixed(t *testing.T, srv *irctest.Server, prefix string) string {
	t.Helper()
	got, err := srv.RecvMatching(func(line string) bool {
		return strings.HasPrefix(line, prefix)
	})
	if err != nil {
		t.Fatalf("waiting for %q…: %v", prefix, err)
	}
	return got
}

func waitEvent(t *testing.T, c *Client, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event stream ended while waiting")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func register(t *testing.T, srv *irctest.Server, nick string) {
	t.Helper()
	expectLine(t, srv, "CAP LS 302")
	expectLine(t, srv, "NICK "+nick)
	expectLine(t, srv, "USER testhost 0 * :Tabby Cat")
	srv.Send(":irc.test 001 " + nick + " :Welcome to the test network")
}

func TestRegistration(t *testing.T) {
	srv := irctest.NewServer()
	c := newTestClient(t, testSpec(), srv)

	register(t, srv, "tabby")

	ev := waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	}).(RegisteredEvent)
	if ev.ServerName != "irc.test" || ev.Nick != "tabby" {
		t.Errorf("registered event: %+v", ev)
	}
	if c.State() != Registered {
		t.Errorf("state = %v, want registered", c.State())
	}
	if !c.NickAccepted() {
		t.Error("nick not accepted")
	}
}

func TestServerPassword(t *testing.T) {
	srv := irctest.NewServer()
	spec := testSpec()
	spec.Pass = "hunter2"
	newTestClient(t, spec, srv)

	expectLine(t, srv, "CAP LS 302")
	expectLine(t, srv, "PASS hunter2")
	expectLine(t, srv, "NICK tabby")
	expectLine(t, srv, "USER testhost 0 * :Tabby Cat")
}

// Nick fallback: candidates in order, then underscore suffixes on the
// last one.
func TestNickFallback(t *testing.T) {
	srv := irctest.NewServer()
	spec := testSpec()
	spec.Nicks = []string{"a", "b"}
	c := newTestClient(t, spec, srv)

	expectLine(t, srv, "CAP LS 302")
	expectLine(t, srv, "NICK a")
	expectLine(t, srv, "USER testhost 0 * :Tabby Cat")

	srv.Send(":irc.test 433 * a :Nickname is already in use")
	expectLine(t, srv, "NICK b")
	ev := waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(NickConflictEvent)
		return ok
	}).(NickConflictEvent)
	if ev.Tried != "a" || ev.Next != "b" {
		t.Errorf("conflict event: %+v", ev)
	}

	srv.Send(":irc.test 433 * b :Nickname is already in use")
	expectLine(t, srv, "NICK b_")

	srv.Send(":irc.test 001 b_ :Welcome")
	reg := waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	}).(RegisteredEvent)
	if reg.Nick != "b_" {
		t.Errorf("registered with %q, want b_", reg.Nick)
	}
	if c.Nick() != "b_" {
		t.Errorf("Nick() = %q, want b_", c.Nick())
	}
}

// SASL PLAIN: the full ordered exchange of S4.
func TestSASLPlain(t *testing.T) {
	srv := irctest.NewServer()
	spec := testSpec()
	spec.Nicks = []string{"u"}
	spec.SASL = &SASLAuth{Username: "u", Password: "p"}
	c := newTestClient(t, spec, srv)

	expectLine(t, srv, "CAP LS 302")
	expectLine(t, srv, "NICK u")
	expectLine(t, srv, "USER testhost 0 * :Tabby Cat")

	srv.Send(":irc.test CAP * LS :multi-prefix sasl=PLAIN,EXTERNAL")
	expectLine(t, srv, "CAP REQ :sasl")

	srv.Send(":irc.test CAP u ACK :sasl")
	expectLine(t, srv, "AUTHENTICATE PLAIN")

	srv.Send("AUTHENTICATE +")
	expectLine(t, srv, "AUTHENTICATE AHUAcA==")

	srv.Send(":irc.test 903 u :SASL authentication successful")
	expectLine(t, srv, "CAP END")

	srv.Send(":irc.test 001 u :Welcome")
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	})
}

func TestSASLFailure(t *testing.T) {
	srv := irctest.NewServer()
	spec := testSpec()
	spec.SASL = &SASLAuth{Username: "u", Password: "wrong"}
	c := newTestClient(t, spec, srv)

	expectLine(t, srv, "CAP LS 302")
	expectLine(t, srv, "NICK tabby")
	expectLine(t, srv, "USER testhost 0 * :Tabby Cat")

	srv.Send(":irc.test CAP * LS :sasl")
	expectLine(t, srv, "CAP REQ :sasl")
	srv.Send(":irc.test CAP tabby ACK :sasl")
	expectLine(t, srv, "AUTHENTICATE PLAIN")
	srv.Send("AUTHENTICATE +")
	expectPrefixed(t, srv, "AUTHENTICATE ")

	srv.Send(":irc.test 904 tabby :SASL authentication failed")
	ev := waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(SaslFailedEvent)
		return ok
	}).(SaslFailedEvent)
	if ev.Code != "904" {
		t.Errorf("sasl failure code %q", ev.Code)
	}
	// registration continues; server policy decides
	expectLine(t, srv, "CAP END")
	srv.Send(":irc.test 001 tabby :Welcome")
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	})
}

// A long SASL payload goes out in 400-byte chunks, terminated with an
// empty chunk when the last one is full.
func TestSASLChunking(t *testing.T) {
	user := strings.Repeat("u", 200)
	pass := strings.Repeat("p", 97)
	// payload = 1 + 200 + 1 + 97 = 299 bytes -> 400 base64 chars
	srv := irctest.NewServer()
	spec := testSpec()
	spec.SASL = &SASLAuth{Username: user, Password: pass}
	newTestClient(t, spec, srv)

	expectLine(t, srv, "CAP LS 302")
	expectLine(t, srv, "NICK tabby")
	expectLine(t, srv, "USER testhost 0 * :Tabby Cat")
	srv.Send(":irc.test CAP * LS :sasl")
	expectLine(t, srv, "CAP REQ :sasl")
	srv.Send(":irc.test CAP tabby ACK :sasl")
	expectLine(t, srv, "AUTHENTICATE PLAIN")
	srv.Send("AUTHENTICATE +")

	chunk := expectPrefixed(t, srv, "AUTHENTICATE ")
	if len(chunk) != len("AUTHENTICATE ")+400 {
		t.Fatalf("first chunk is %d bytes, want 400 of payload", len(chunk)-len("AUTHENTICATE "))
	}
	expectLine(t, srv, "AUTHENTICATE +")
}

func TestAutoJoinAndNickserv(t *testing.T) {
	srv := irctest.NewServer()
	spec := testSpec()
	spec.NickServIdent = "secret"
	spec.AutoJoin = []string{"#one", "#two"}
	c := newTestClient(t, spec, srv)

	register(t, srv, "tabby")
	expectLine(t, srv, "PRIVMSG NickServ :IDENTIFY secret")
	expectLine(t, srv, "JOIN #one,#two")

	srv.Send(":tabby!t@h JOIN #one")
	ev := waitEvent(t, c, func(ev Event) bool {
		j, ok := ev.(ChannelJoinedEvent)
		return ok && j.Channel == "#one"
	}).(ChannelJoinedEvent)
	if ev.Channel != "#one" {
		t.Errorf("joined %q", ev.Channel)
	}
}

// +R join retry: two spaced retries, then JoinFailed.
func TestJoinRetryNeedReggedNick(t *testing.T) {
	srv := irctest.NewServer()
	spec := testSpec()
	spec.NickServIdent = "secret"
	spec.AutoJoin = []string{"#x"}
	c, err := New(spec, DialWith(srv.Dial()), SendRate(rate.Inf, 1))
	if err != nil {
		t.Fatal(err)
	}
	c.joinRetryEvery = 20 * time.Millisecond
	t.Cleanup(func() {
		srv.Close()
		c.Quit("")
		for range c.Events() {
		}
	})
	c.Connect()

	register(t, srv, "tabby")
	expectLine(t, srv, "PRIVMSG NickServ :IDENTIFY secret")
	expectLine(t, srv, "JOIN #x")

	srv.Send(":irc.test 477 tabby #x :You need a registered nick")
	expectLine(t, srv, "JOIN #x")
	srv.Send(":irc.test 477 tabby #x :You need a registered nick")
	expectLine(t, srv, "JOIN #x")
	srv.Send(":irc.test 477 tabby #x :You need a registered nick")

	ev := waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(JoinFailedEvent)
		return ok
	}).(JoinFailedEvent)
	if ev.Channel != "#x" {
		t.Errorf("join failed for %q", ev.Channel)
	}
}

func TestPrivmsgSplit(t *testing.T) {
	srv := irctest.NewServer()
	c := newTestClient(t, testSpec(), srv)
	register(t, srv, "tabby")
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	})

	text := strings.Repeat("x", 1000)
	if err := c.Privmsg("#c", text); err != nil {
		t.Fatal(err)
	}

	var rebuilt strings.Builder
	lines := 0
	for rebuilt.Len() < 1000 {
		line := expectPrefixed(t, srv, "PRIVMSG #c ")
		if len(line)+2 > 512 {
			t.Errorf("line %d exceeds the wire limit: %d bytes", lines, len(line)+2)
		}
		// the serializer omits the colon before a single-token trailing
		frag := strings.TrimPrefix(line, "PRIVMSG #c ")
		rebuilt.WriteString(strings.TrimPrefix(frag, ":"))
		lines++
	}
	if lines < 3 {
		t.Errorf("expected at least 3 lines, got %d", lines)
	}
	if rebuilt.String() != text {
		t.Error("fragments do not concatenate back to the original text")
	}
}

func TestActionFraming(t *testing.T) {
	srv := irctest.NewServer()
	c := newTestClient(t, testSpec(), srv)
	register(t, srv, "tabby")
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	})

	c.Action("#c", "waves")
	expectLine(t, srv, "PRIVMSG #c :\x01ACTION waves\x01")
}

func TestNickChangeAndReidentify(t *testing.T) {
	srv := irctest.NewServer()
	spec := testSpec()
	spec.NickServIdent = "secret"
	c := newTestClient(t, spec, srv)

	register(t, srv, "tabby")
	expectLine(t, srv, "PRIVMSG NickServ :IDENTIFY secret")

	c.SetNick("kitten")
	expectLine(t, srv, "NICK kitten")
	if c.Nick() != "tabby" {
		t.Errorf("nick changed before the server confirmed: %q", c.Nick())
	}

	srv.Send(":tabby!t@h NICK kitten")
	ev := waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(NickChangedEvent)
		return ok
	}).(NickChangedEvent)
	if ev.Old != "tabby" || ev.New != "kitten" {
		t.Errorf("nick change event: %+v", ev)
	}
	if c.Nick() != "kitten" {
		t.Errorf("Nick() = %q after confirm", c.Nick())
	}
	expectLine(t, srv, "PRIVMSG NickServ :IDENTIFY secret")
}

func TestPingPong(t *testing.T) {
	srv := irctest.NewServer()
	c := newTestClient(t, testSpec(), srv)
	register(t, srv, "tabby")
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	})

	srv.Send("PING :irc.test")
	expectLine(t, srv, "PONG irc.test")
}

// Ping timeout: a silent server gets probed, then dropped.
func TestPingTimeout(t *testing.T) {
	srv := irctest.NewServer()
	spec := testSpec()
	spec.PingInterval = 50 * time.Millisecond
	spec.ReconnectBase = 10 * time.Millisecond
	c := newTestClient(t, spec, srv)
	register(t, srv, "tabby")
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	})

	expectLine(t, srv, "PING :irc.test")

	ev := waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(DisconnectedEvent)
		return ok
	}).(DisconnectedEvent)
	if !errors.Is(ev.Reason, ErrPingTimeout) {
		t.Errorf("disconnect reason %v, want ping timeout", ev.Reason)
	}
}

// Malformed lines are logged and dropped; the session survives.
func TestParseErrorTolerated(t *testing.T) {
	srv := irctest.NewServer()
	c := newTestClient(t, testSpec(), srv)
	register(t, srv, "tabby")
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	})

	srv.Send("12 not-a-command")
	srv.Send("PING :still-alive")
	expectLine(t, srv, "PONG still-alive")
}

// A server ERROR tears the transport down and a reconnect follows.
func TestServerErrorReconnects(t *testing.T) {
	srv := irctest.NewServer()
	spec := testSpec()
	spec.ReconnectBase = 10 * time.Millisecond
	c := newTestClient(t, spec, srv)
	register(t, srv, "tabby")
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	})

	srv.Send("ERROR :Closing Link")
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(DisconnectedEvent)
		return ok
	})
	// the dial hook refuses a second connection, so the retry shows up
	// as another connecting/disconnected pair
	waitEvent(t, c, func(ev Event) bool {
		conn, ok := ev.(ConnectingEvent)
		return ok && conn.Attempt >= 2
	})
}

// Away state and channel membership across a reconnect: away replays,
// but only the configured channels are rejoined.
func TestReconnectReplaysAwayNotChannels(t *testing.T) {
	srv1 := irctest.NewServer()
	srv2 := irctest.NewServer()
	servers := make(chan *irctest.Server, 2)
	servers <- srv1
	servers <- srv2
	dial := func(network, addr string) (net.Conn, error) {
		select {
		case s := <-servers:
			return s.ClientSide(), nil
		default:
			return nil, errors.New("no more servers")
		}
	}

	spec := testSpec()
	spec.AutoJoin = []string{"#auto"}
	spec.ReconnectBase = 10 * time.Millisecond
	c, err := New(spec, DialWith(dial), SendRate(rate.Inf, 1))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		srv1.Close()
		srv2.Close()
		c.Quit("")
		for range c.Events() {
		}
	})
	c.Connect()

	register(t, srv1, "tabby")
	expectLine(t, srv1, "JOIN #auto")
	srv1.Send(":tabby!t@h JOIN #auto")

	c.Join("#extra")
	expectLine(t, srv1, "JOIN #extra")
	srv1.Send(":tabby!t@h JOIN #extra")
	waitEvent(t, c, func(ev Event) bool {
		j, ok := ev.(ChannelJoinedEvent)
		return ok && j.Channel == "#extra"
	})

	c.Away("brb")
	expectLine(t, srv1, "AWAY brb")

	// kill the first connection
	srv1.Close()
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(DisconnectedEvent)
		return ok
	})

	register(t, srv2, "tabby")
	expectLine(t, srv2, "JOIN #auto")
	expectLine(t, srv2, "AWAY brb")

	// nothing further: #extra must not be rejoined
	srv2.Send("PING :probe")
	expectLine(t, srv2, "PONG probe")
}

// Quit emits Closed exactly once, as the final event.
func TestQuitClosesStream(t *testing.T) {
	srv := irctest.NewServer()
	defer srv.Close()
	c, err := New(testSpec(), DialWith(srv.Dial()), SendRate(rate.Inf, 1))
	if err != nil {
		t.Fatal(err)
	}
	c.Connect()
	register(t, srv, "tabby")
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	})

	if err := c.Quit("goodbye"); err != nil {
		t.Fatal(err)
	}
	expectLine(t, srv, "QUIT :goodbye")

	closed := 0
	for ev := range c.Events() {
		if _, ok := ev.(ClosedEvent); ok {
			closed++
		} else if closed > 0 {
			t.Errorf("event after Closed: %#v", ev)
		}
	}
	if closed != 1 {
		t.Errorf("ClosedEvent emitted %d times", closed)
	}

	if err := c.Wait(); err != nil {
		t.Errorf("session loop: %v", err)
	}
	if err := c.Privmsg("#c", "too late"); !errors.Is(err, ErrClosed) {
		t.Errorf("command after close: %v", err)
	}
}

// Backpressure rejects message commands but never Quit.
func TestBackpressure(t *testing.T) {
	srv := irctest.NewServer()
	c := newTestClient(t, testSpec(), srv)
	register(t, srv, "tabby")
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	})

	atomic.StoreInt64(&c.queued, maxQueueBytes+1)
	if err := c.Privmsg("#c", "x"); !errors.Is(err, ErrBackpressure) {
		t.Errorf("Privmsg under pressure: %v", err)
	}
	if err := c.Notice("#c", "x"); !errors.Is(err, ErrBackpressure) {
		t.Errorf("Notice under pressure: %v", err)
	}
	if err := c.SendRaw("PING x"); !errors.Is(err, ErrBackpressure) {
		t.Errorf("SendRaw under pressure: %v", err)
	}
	atomic.StoreInt64(&c.queued, 0)
	if err := c.Quit("bye"); err != nil {
		t.Errorf("Quit must always be accepted: %v", err)
	}
}

func TestCTCPVersionReply(t *testing.T) {
	srv := irctest.NewServer()
	c := newTestClient(t, testSpec(), srv)
	register(t, srv, "tabby")
	waitEvent(t, c, func(ev Event) bool {
		_, ok := ev.(RegisteredEvent)
		return ok
	})

	srv.Send(":someone!s@h PRIVMSG tabby :\x01VERSION\x01")
	line := expectPrefixed(t, srv, "NOTICE someone :")
	if !strings.Contains(line, "\x01VERSION") {
		t.Errorf("version reply: %q", line)
	}
}
