package irc

import (
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/palaverchat/palaver/internal/state"
)

// serverTimeLayout is the IRCv3 server-time tag format
const serverTimeLayout = "2006-01-02T15:04:05.000Z"

// membershipSigils are the channel membership prefixes, highest rank first
const membershipSigils = "~&@%+"

func parseServerTime(s string) (time.Time, bool) {
	t, err := time.Parse(serverTimeLayout, s)
	if err != nil {
		// Some servers send more or fewer fractional digits
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

func formatServerTime(t time.Time) string {
	return t.UTC().Format(serverTimeLayout)
}

// parseMembership splits a NAMES entry into its sigil prefix and the bare
// nick, e.g. "@alice" into ("@", "alice")
func parseMembership(entry string) (prefix, nick string) {
	i := 0
	for i < len(entry) && strings.ContainsRune(membershipSigils, rune(entry[i])) {
		i++
	}
	return entry[:i], entry[i:]
}

// parsePrefix extracts the origin identity from a message source
func parsePrefix(source string) *state.Prefix {
	if source == "" {
		return nil
	}
	nuh, err := ircmsg.ParseNUH(source)
	if err != nil {
		return &state.Prefix{Name: source}
	}
	return &state.Prefix{Name: nuh.Name, User: nuh.User, Host: nuh.Host}
}

// toStateMessage converts a wire message into the buffer representation,
// resolving its timestamp from the server-time tag when present
func toStateMessage(msg ircmsg.Message) state.Message {
	out := state.Message{
		Command: msg.Command,
		Params:  append([]string(nil), msg.Params...),
		Prefix:  parsePrefix(msg.Source),
		Tags:    msg.AllTags(),
	}
	if present, raw := msg.GetTag("time"); present {
		if t, ok := parseServerTime(raw); ok {
			out.Time = t
		}
	}
	if out.Time.IsZero() {
		out.Time = time.Now()
	}
	return out
}

func isNickChar(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	return strings.IndexByte("[]\\`_^{|}-", b) >= 0
}

// isHighlight reports whether text mentions nick as a whole word,
// case-insensitively
func isHighlight(text, nick string) bool {
	if nick == "" {
		return false
	}
	text = strings.ToLower(text)
	nick = strings.ToLower(nick)
	for i := 0; ; {
		j := strings.Index(text[i:], nick)
		if j < 0 {
			return false
		}
		j += i
		end := j + len(nick)
		startOK := j == 0 || !isNickChar(text[j-1])
		endOK := end == len(text) || !isNickChar(text[end])
		if startOK && endOK {
			return true
		}
		i = end
	}
}

// isCTCP reports whether text is a CTCP query or reply
func isCTCP(text string) bool {
	return strings.HasPrefix(text, "\x01")
}

// ctcpCommand extracts the CTCP command name, e.g. "VERSION" from
// "\x01VERSION\x01". ok is false when text is not CTCP.
func ctcpCommand(text string) (command, args string, ok bool) {
	if !isCTCP(text) {
		return "", "", false
	}
	body := strings.TrimSuffix(text[1:], "\x01")
	command, args, _ = strings.Cut(body, " ")
	return strings.ToUpper(command), args, true
}
