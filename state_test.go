package tabby

import (
	"strings"
	"testing"

	"github.com/ugjka/tabby/wire"
)

func TestGroupJoin(t *testing.T) {
	groups := groupJoin([]string{"#a", "#b", "#c"})
	if len(groups) != 1 {
		t.Fatalf("groups = %v", groups)
	}
	if strings.Join(groups[0], ",") != "#a,#b,#c" {
		t.Errorf("group = %v", groups[0])
	}

	long := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		long = append(long, "#"+strings.Repeat("c", 20))
	}
	groups = groupJoin(long)
	if len(groups) < 2 {
		t.Errorf("40 long channels fit one group: %d", len(groups))
	}
	total := 0
	for _, g := range groups {
		size := 0
		for _, ch := range g {
			size += 1 + len(ch)
		}
		if size > joinGroupBudget {
			t.Errorf("group exceeds budget: %d", size)
		}
		total += len(g)
	}
	if total != 40 {
		t.Errorf("channels lost in grouping: %d", total)
	}

	if got := groupJoin(nil); got != nil {
		t.Errorf("empty input: %v", got)
	}
}

func TestParseYourHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Your host is irc.example.org, running version x", "irc.example.org"},
		{"Your host is irc.example.org running version x", "irc.example.org"},
		{"Your host is irc.example.org", "irc.example.org"},
		{"something else entirely", ""},
	}
	for _, tt := range tests {
		if got := parseYourHost(tt.in); got != tt.want {
			t.Errorf("parseYourHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCapAdvertised(t *testing.T) {
	caps := []string{"multi-prefix", "sasl=PLAIN,EXTERNAL", "server-time"}
	if !capAdvertised(caps, "sasl") {
		t.Error("sasl with value not recognized")
	}
	if !capAdvertised([]string{"sasl"}, "sasl") {
		t.Error("bare sasl not recognized")
	}
	if capAdvertised(caps, "batch") {
		t.Error("absent capability recognized")
	}
}

// Bare prefixes resolve to the server only when they match the
// remembered server name.
func TestFromServer(t *testing.T) {
	s := &session{serverName: "irc.test"}

	parse := func(line string) *wire.Message {
		m, err := wire.Parse([]byte(line))
		if err != nil {
			t.Fatal(err)
		}
		return m
	}

	if !s.fromServer(parse("PING :x")) {
		t.Error("no prefix should be the server")
	}
	if !s.fromServer(parse(":IRC.TEST NOTICE * :hi")) {
		t.Error("server name should match case-insensitively")
	}
	if s.fromServer(parse(":somenick NOTICE me :hi")) {
		t.Error("unknown bare prefix should be a nick")
	}
	if s.fromServer(parse(":nick!u@h PRIVMSG #c :hi")) {
		t.Error("a user mask is never the server")
	}
}

func TestLearnUsermask(t *testing.T) {
	s := &session{c: &Client{}}
	s.learnUsermask("Welcome to the network tabby!t@example.com")
	if s.prefixLen != len("tabby!t@example.com") {
		t.Errorf("prefixLen = %d", s.prefixLen)
	}

	s2 := &session{c: &Client{}}
	s2.learnUsermask("Welcome to the network")
	if s2.prefixLen != 0 {
		t.Errorf("prefixLen learned from plain text: %d", s2.prefixLen)
	}
}
