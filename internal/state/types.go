package state

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a network connection
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusRegistered
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusRegistered:
		return "registered"
	default:
		return "disconnected"
	}
}

// BufferType classifies a buffer as the server pseudo-conversation, a
// channel, or a direct conversation with a nick
type BufferType int

const (
	BufferServer BufferType = iota
	BufferChannel
	BufferNick
)

// ServerBufferName is the sentinel name of the buffer representing the
// server itself
const ServerBufferName = "*"

// channelTypes are the standard channel name prefixes
const channelTypes = "#&+!"

// IsChannel reports whether name looks like a channel name
func IsChannel(name string) bool {
	return strings.IndexAny(name, channelTypes) == 0
}

// UnreadLevel forms a join-semilattice: None < Message < Highlight
type UnreadLevel int

const (
	UnreadNone UnreadLevel = iota
	UnreadMessage
	UnreadHighlight
)

// Union returns the join (maximum) of the two unread levels
func (u UnreadLevel) Union(v UnreadLevel) UnreadLevel {
	if v > u {
		return v
	}
	return u
}

func (u UnreadLevel) String() string {
	switch u {
	case UnreadMessage:
		return "message"
	case UnreadHighlight:
		return "highlight"
	default:
		return "none"
	}
}

// ParseUnreadLevel is the inverse of UnreadLevel.String
func ParseUnreadLevel(s string) UnreadLevel {
	switch s {
	case "message":
		return UnreadMessage
	case "highlight":
		return UnreadHighlight
	default:
		return UnreadNone
	}
}

// Prefix is the origin identity of a message
type Prefix struct {
	Name string
	User string
	Host string
}

// Copy returns an independent copy of the prefix
func (p *Prefix) Copy() *Prefix {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Message is one protocol message rendered into a buffer. Time comes from
// the server-time tag when present, the local arrival time otherwise. Seq is
// a process-local strictly increasing key that stays stable when timestamps
// collide.
type Message struct {
	Command string
	Params  []string
	Prefix  *Prefix
	Tags    map[string]string
	Time    time.Time
	Seq     uint64
}

// Text returns the trailing parameter, the conventional message body
func (m Message) Text() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// ServerInfo holds the name/version advertised in the MYINFO reply
type ServerInfo struct {
	Name    string
	Version string
}

// WhoInfo is the identity snapshot of a nick from a WHO reply
type WhoInfo struct {
	Nick     string
	Username string
	Hostname string
	Server   string
	Away     bool
	Realname string
}

// Network is one connection identity
type Network struct {
	ID     string
	Status Status
}

// Buffer is a single conversation view. Members, Who, Topic and Offline are
// populated depending on Type. The Messages slice and Members map are
// treated as immutable snapshots: mutators replace them, never write into
// them.
type Buffer struct {
	ID         int
	Name       string
	Type       BufferType
	Network    string
	ServerInfo *ServerInfo
	Topic      *string
	Members    map[string]string
	Who        *WhoInfo
	Offline    bool
	Messages   []Message
	Unread     UnreadLevel

	// LastReadReceipt is the read-receipt snapshot taken when the buffer was
	// last switched to; it marks the unread divider position.
	LastReadReceipt *time.Time
}

// CopyMembers returns a fresh membership map with the same contents
func CopyMembers(members map[string]string) map[string]string {
	out := make(map[string]string, len(members)+1)
	for nick, prefix := range members {
		out[nick] = prefix
	}
	return out
}
