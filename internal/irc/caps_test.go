package irc

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/ergochat/irc-go/ircmsg"
)

func capMessages(msgs []ircmsg.Message, sub string) []ircmsg.Message {
	var out []ircmsg.Message
	for _, msg := range msgs {
		if len(msg.Params) > 0 && msg.Params[0] == sub {
			out = append(out, msg)
		}
	}
	return out
}

func TestCapNegotiationRequestsIntersection(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})

	srv.deliver(t, ":irc.test CAP * LS :server-time batch sasl unrelated-cap")

	reqs := capMessages(srv.endpoint().sentWith("CAP"), "REQ")
	if len(reqs) != 1 {
		t.Fatalf("CAP REQ count = %d, want 1", len(reqs))
	}
	requested := reqs[0].Params[1]
	if !strings.Contains(requested, "server-time") || !strings.Contains(requested, "batch") {
		t.Errorf("requested %q, want server-time and batch", requested)
	}
	// No SASL config, no sasl request
	if strings.Contains(requested, "sasl") {
		t.Errorf("requested sasl without credentials")
	}
	if strings.Contains(requested, "unrelated-cap") {
		t.Errorf("requested a capability we do not support")
	}

	srv.deliver(t, ":irc.test CAP alice ACK :" + requested)
	if !s.CapEnabled("server-time") || !s.CapEnabled("batch") {
		t.Errorf("acknowledged caps not enabled")
	}
	if ends := capMessages(srv.endpoint().sentWith("CAP"), "END"); len(ends) != 1 {
		t.Errorf("CAP END count = %d, want 1", len(ends))
	}
}

func TestCapMultilineListing(t *testing.T) {
	_, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})

	srv.deliver(t, ":irc.test CAP * LS * :server-time message-tags")
	if got := len(capMessages(srv.endpoint().sentWith("CAP"), "REQ")); got != 0 {
		t.Fatalf("requested before the listing finished")
	}

	srv.deliver(t, ":irc.test CAP * LS :batch draft/chathistory")
	reqs := capMessages(srv.endpoint().sentWith("CAP"), "REQ")
	if len(reqs) != 1 {
		t.Fatalf("CAP REQ count = %d, want 1", len(reqs))
	}
	for _, want := range []string{"server-time", "message-tags", "batch", "draft/chathistory"} {
		if !strings.Contains(reqs[0].Params[1], want) {
			t.Errorf("request %q missing %q from multiline listing", reqs[0].Params[1], want)
		}
	}
}

func TestSASLPlainFlow(t *testing.T) {
	_, srv := newTestSession(t, ConnectParams{
		Addr: "irc.test:6697",
		Nick: "alice",
		SASL: &SASLParams{Mechanism: "PLAIN", Username: "alice", Password: "sekret"},
	})

	srv.deliver(t, ":irc.test CAP * LS :sasl server-time")
	srv.deliver(t, ":irc.test CAP alice ACK :server-time sasl")

	auths := srv.endpoint().sentWith("AUTHENTICATE")
	if len(auths) != 1 || auths[0].Params[0] != "PLAIN" {
		t.Fatalf("mechanism announcement = %v", auths)
	}
	// CAP END must wait for the exchange
	if ends := capMessages(srv.endpoint().sentWith("CAP"), "END"); len(ends) != 0 {
		t.Fatalf("CAP END sent mid-authentication")
	}

	srv.deliver(t, "AUTHENTICATE +")
	auths = srv.endpoint().sentWith("AUTHENTICATE")
	if len(auths) != 2 {
		t.Fatalf("no credential payload sent")
	}
	decoded, _ := base64.StdEncoding.DecodeString(auths[1].Params[0])
	if string(decoded) != "\x00alice\x00sekret" {
		t.Errorf("credential payload = %q", decoded)
	}

	srv.deliver(t, ":irc.test 903 alice :SASL authentication successful")
	if ends := capMessages(srv.endpoint().sentWith("CAP"), "END"); len(ends) != 1 {
		t.Errorf("CAP END count = %d after success, want 1", len(ends))
	}
}

func TestSASLFailureStillEndsNegotiation(t *testing.T) {
	_, srv := newTestSession(t, ConnectParams{
		Addr: "irc.test:6697",
		Nick: "alice",
		SASL: &SASLParams{Mechanism: "PLAIN", Username: "alice", Password: "wrong"},
	})

	srv.deliver(t, ":irc.test CAP * LS :sasl")
	srv.deliver(t, ":irc.test CAP alice ACK :sasl")
	srv.deliver(t, "AUTHENTICATE +")
	srv.deliver(t, ":irc.test 904 alice :SASL authentication failed")

	// Registration still completes; the failure is surfaced, not fatal
	if ends := capMessages(srv.endpoint().sentWith("CAP"), "END"); len(ends) != 1 {
		t.Errorf("CAP END count = %d after failure, want 1", len(ends))
	}
}

func TestCapDelDisablesCapability(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})

	srv.deliver(t, ":irc.test CAP * LS :server-time")
	srv.deliver(t, ":irc.test CAP alice ACK :server-time")
	if !s.CapEnabled("server-time") {
		t.Fatalf("server-time not enabled")
	}

	srv.deliver(t, ":irc.test CAP alice DEL :server-time")
	if s.CapEnabled("server-time") {
		t.Errorf("server-time still enabled after CAP DEL")
	}
}
