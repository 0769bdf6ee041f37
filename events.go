package tabby

import "github.com/ugjka/tabby/wire"

// Event is something that happened on the session, delivered on the
// channel returned by Events. The stream is finite: ClosedEvent is the
// last event, after which the channel is closed.
type Event interface{}

// ConnectingEvent is emitted when a connection cycle starts. Attempt
// counts consecutive failed cycles, starting at 1, and resets once
// registration completes.
type ConnectingEvent struct {
	Attempt int
}

// ConnectedEvent is emitted when the TCP (and TLS, if any) stream is
// up and the introduction sequence starts.
type ConnectedEvent struct{}

// RegisteredEvent is emitted on RPL_WELCOME, after the post-welcome
// actions (nickserv identify, auto-joins, away replay) were queued.
type RegisteredEvent struct {
	ServerName string
	Nick       string
}

// NickChangedEvent is emitted when the server confirms a nick change.
type NickChangedEvent struct {
	Old string
	New string
}

// NickConflictEvent is emitted when a candidate nick is rejected
// during registration and the next one is being tried.
type NickConflictEvent struct {
	Tried string
	Next  string
}

// MessageEvent carries every parsed server line. Raw is the line as
// received; Tags is the opaque IRCv3 tag block, if any. FromServer
// tells the embedder whether to attribute a bare prefix to the server
// rather than to a user.
type MessageEvent struct {
	Raw        []byte
	Msg        *wire.Message
	Tags       string
	FromServer bool
}

// ChannelJoinedEvent is emitted when our own join is confirmed.
type ChannelJoinedEvent struct {
	Channel string
}

// ChannelPartedEvent is emitted when we leave or are removed from a
// channel.
type ChannelPartedEvent struct {
	Channel string
	Reason  string
}

// JoinFailedEvent is emitted when a join gave up, e.g. after the +R
// retries are exhausted.
type JoinFailedEvent struct {
	Channel string
	Reason  string
}

// SaslFailedEvent is emitted on a SASL failure numeric (904–907).
// Registration still proceeds; server policy decides what happens.
type SaslFailedEvent struct {
	Code string
}

// DisconnectedEvent is emitted when the transport is lost; a reconnect
// cycle follows unless the client is closing.
type DisconnectedEvent struct {
	Reason error
}

// ClosedEvent is the final event of a session.
type ClosedEvent struct{}
