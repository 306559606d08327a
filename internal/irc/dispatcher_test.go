package irc

import (
	"testing"
	"time"

	"github.com/palaverchat/palaver/internal/state"
)

func TestWelcomeRegistersAndAutojoins(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{
		Addr:     "irc.test:6697",
		Nick:     "alice",
		Autojoin: []string{"#go", "#irc"},
	})

	srv.deliver(t, ":irc.test 001 alyce :Welcome to the test network")

	n, ok := s.store.Network("testnet")
	if !ok || n.Status != state.StatusRegistered {
		t.Errorf("network status = %v, want registered", n.Status)
	}
	// The server's RPL_WELCOME target overrides the requested nick
	if got := s.Nick(); got != "alyce" {
		t.Errorf("nick = %q, want %q", got, "alyce")
	}

	joins := srv.endpoint().sentWith("JOIN")
	if len(joins) != 1 || joins[0].Params[0] != "#go,#irc" {
		t.Errorf("autojoin = %v, want one JOIN #go,#irc", joins)
	}
}

func TestNamesAppliesIncrementally(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, ":alice!u@h JOIN #go")
	srv.deliver(t, ":irc.test 353 alice = #go :@bob carol")
	srv.deliver(t, ":irc.test 353 alice = #go :+dave")

	buf := bufferByName(t, s, "#go")
	want := map[string]string{"alice": "", "bob": "@", "carol": "", "dave": "+"}
	for nick, sigil := range want {
		if got, ok := buf.Members[nick]; !ok || got != sigil {
			t.Errorf("member %q = %q (present=%v), want %q", nick, got, ok, sigil)
		}
	}
}

func TestMessagesInsertInTimestampOrder(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, "@time=2024-05-01T10:00:02.000Z :bob!u@h PRIVMSG #go :second")
	srv.deliver(t, "@time=2024-05-01T10:00:01.000Z :bob!u@h PRIVMSG #go :first")

	buf := bufferByName(t, s, "#go")
	if len(buf.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(buf.Messages))
	}
	if buf.Messages[0].Text() != "first" || buf.Messages[1].Text() != "second" {
		t.Errorf("order = [%q %q], want [first second]",
			buf.Messages[0].Text(), buf.Messages[1].Text())
	}
}

func TestUnreadEscalatesButNeverRegresses(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, "@time=2024-05-01T10:00:01.000Z :bob!u@h PRIVMSG #go :plain chatter")

	if buf := bufferByName(t, s, "#go"); buf.Unread != state.UnreadMessage {
		t.Fatalf("unread = %v, want message", buf.Unread)
	}

	srv.deliver(t, "@time=2024-05-01T10:00:02.000Z :bob!u@h PRIVMSG #go :alice: ping")
	if buf := bufferByName(t, s, "#go"); buf.Unread != state.UnreadHighlight {
		t.Fatalf("unread = %v, want highlight", buf.Unread)
	}

	// More plain chatter must not demote the highlight
	srv.deliver(t, "@time=2024-05-01T10:00:03.000Z :bob!u@h PRIVMSG #go :more chatter")
	if buf := bufferByName(t, s, "#go"); buf.Unread != state.UnreadHighlight {
		t.Errorf("unread = %v, want highlight to stick", buf.Unread)
	}
}

func TestSwitchClearsUnreadAndSnapshotsDivider(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, "@time=2024-05-01T10:00:01.000Z :bob!u@h PRIVMSG #go :one")
	srv.deliver(t, "@time=2024-05-01T10:00:02.000Z :bob!u@h PRIVMSG #go :two")

	s.SwitchTo(state.ByName("testnet", "#go"))

	buf := bufferByName(t, s, "#go")
	if buf.Unread != state.UnreadNone {
		t.Errorf("unread after switch = %v, want none", buf.Unread)
	}
	// Nothing was read before the switch, so there is no divider yet
	if buf.LastReadReceipt != nil {
		t.Errorf("divider = %v, want nil on first visit", buf.LastReadReceipt)
	}

	// New traffic while the buffer is active is read immediately
	srv.deliver(t, "@time=2024-05-01T10:00:03.000Z :bob!u@h PRIVMSG #go :three")
	if buf := bufferByName(t, s, "#go"); buf.Unread != state.UnreadNone {
		t.Errorf("unread on active buffer = %v, want none", buf.Unread)
	}
}

func TestHighlightNotifiesOnceAcrossReplay(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	n := &recordingNotifier{granted: true}
	s.notifier = n

	line := "@time=2024-05-01T10:00:01.000Z :bob!u@h PRIVMSG alice :hey there"
	srv.deliver(t, line)
	if n.count() != 1 {
		t.Fatalf("notifications = %d, want 1", n.count())
	}

	// A history replay of the same message is already covered by the
	// delivered receipt and stays silent
	srv.deliver(t, line)
	if n.count() != 1 {
		t.Errorf("notifications after replay = %d, want 1", n.count())
	}
}

func TestCTCPQueryDoesNotNotify(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	n := &recordingNotifier{granted: true}
	s.notifier = n

	srv.deliver(t, "@time=2024-05-01T10:00:01.000Z :bob!u@h PRIVMSG alice :\x01VERSION\x01")
	if n.count() != 0 {
		t.Errorf("notifications = %d, want 0 for CTCP", n.count())
	}

	replies := srv.endpoint().sentWith("NOTICE")
	if len(replies) != 1 || replies[0].Params[1] != "\x01VERSION palaver\x01" {
		t.Errorf("CTCP reply = %v, want VERSION notice", replies)
	}
}

func TestReplayedCTCPQueryNotReanswered(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	enableCaps(s, "draft/chathistory", "server-time")

	// An old query arriving inside a history batch stays unanswered
	srv.deliver(t, ":irc.test BATCH +h1 chathistory alice")
	srv.deliver(t, "@batch=h1;time=2024-05-01T10:00:01.000Z :bob!u@h PRIVMSG alice :\x01PING 12345\x01")
	srv.deliver(t, ":irc.test BATCH -h1")
	if got := len(srv.endpoint().sentWith("NOTICE")); got != 0 {
		t.Fatalf("sent %d NOTICE replies for replayed query, want 0", got)
	}

	// A live query still gets its reply
	srv.deliver(t, "@time=2024-05-01T10:05:00.000Z :bob!u@h PRIVMSG alice :\x01PING 67890\x01")
	replies := srv.endpoint().sentWith("NOTICE")
	if len(replies) != 1 || replies[0].Params[1] != "\x01PING 67890\x01" {
		t.Errorf("live query reply = %v, want one PING notice", replies)
	}
}

func TestDirectMessageLandsInSenderBuffer(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, "@time=2024-05-01T10:00:01.000Z :bob!u@h PRIVMSG alice :hi")

	buf := bufferByName(t, s, "bob")
	if buf.Type != state.BufferNick {
		t.Errorf("buffer type = %v, want nick", buf.Type)
	}
	if buf.Unread != state.UnreadHighlight {
		t.Errorf("unread = %v, want highlight for direct message", buf.Unread)
	}
}

func TestQuitFansOutAndMarksDMOffline(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, ":alice!u@h JOIN #go")
	srv.deliver(t, ":irc.test 353 alice = #go :bob")
	srv.deliver(t, ":bob!u@h PRIVMSG alice :hi")

	srv.deliver(t, "@time=2024-05-01T10:00:05.000Z :bob!u@h QUIT :gone")

	channel := bufferByName(t, s, "#go")
	if _, ok := channel.Members["bob"]; ok {
		t.Errorf("bob still member of #go after quit")
	}
	if got := channel.Messages[len(channel.Messages)-1].Command; got != "QUIT" {
		t.Errorf("last channel message = %q, want QUIT", got)
	}

	dm := bufferByName(t, s, "bob")
	if !dm.Offline {
		t.Errorf("DM buffer not marked offline after quit")
	}
	if got := dm.Messages[len(dm.Messages)-1].Command; got != "QUIT" {
		t.Errorf("last DM message = %q, want QUIT", got)
	}
}

func TestNickRenameKeepsSigil(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, ":alice!u@h JOIN #go")
	srv.deliver(t, ":irc.test 353 alice = #go :@bob")

	srv.deliver(t, ":bob!u@h NICK robert")

	buf := bufferByName(t, s, "#go")
	if _, ok := buf.Members["bob"]; ok {
		t.Errorf("old nick still present after rename")
	}
	if sigil := buf.Members["robert"]; sigil != "@" {
		t.Errorf("renamed member sigil = %q, want @", sigil)
	}
}

func TestOwnNickChangeTracked(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, ":alice!u@h NICK alize")
	if got := s.Nick(); got != "alize" {
		t.Errorf("nick = %q, want alize", got)
	}
}

func TestSelfPartDropsReceiptKeepsBuffer(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, ":alice!u@h JOIN #go")
	srv.deliver(t, "@time=2024-05-01T10:00:01.000Z :bob!u@h PRIVMSG #go :hello")

	srv.deliver(t, ":alice!u@h PART #go")

	s.mu.Lock()
	_, hasReceipt := s.receipts["#go"]
	s.mu.Unlock()
	if hasReceipt {
		t.Errorf("receipt survived self-part")
	}
	// The buffer itself stays until the user closes it
	if _, ok := s.store.ResolveBuffer(state.ByName("testnet", "#go")); !ok {
		t.Errorf("buffer removed by self-part")
	}
}

func TestTopicLifecycle(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, ":alice!u@h JOIN #go")

	srv.deliver(t, ":irc.test 332 alice #go :welcome to #go")
	if buf := bufferByName(t, s, "#go"); buf.Topic == nil || *buf.Topic != "welcome to #go" {
		t.Fatalf("topic not applied from numeric")
	}

	srv.deliver(t, ":bob!u@h TOPIC #go :new topic")
	if buf := bufferByName(t, s, "#go"); buf.Topic == nil || *buf.Topic != "new topic" {
		t.Fatalf("topic not applied from TOPIC")
	}

	srv.deliver(t, ":irc.test 331 alice #go :No topic is set")
	if buf := bufferByName(t, s, "#go"); buf.Topic != nil {
		t.Errorf("topic = %q, want cleared", *buf.Topic)
	}
}

func TestUnknownNumericGoesToServerBuffer(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, ":irc.test 372 alice :- today's motd line")

	buf := bufferByName(t, s, state.ServerBufferName)
	last := buf.Messages[len(buf.Messages)-1]
	if last.Command != "372" || last.Text() != "- today's motd line" {
		t.Errorf("server buffer got %q %q", last.Command, last.Text())
	}
}

func TestLocalEchoWithoutEchoMessageCap(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, ":alice!u@h JOIN #go")

	if err := s.SendPrivMsg("#go", "hello"); err != nil {
		t.Fatalf("SendPrivMsg: %v", err)
	}

	buf := bufferByName(t, s, "#go")
	last := buf.Messages[len(buf.Messages)-1]
	if last.Text() != "hello" || last.Prefix == nil || last.Prefix.Name != "alice" {
		t.Errorf("local echo missing or misattributed: %+v", last)
	}

	// With echo-message the server replays it; no local copy
	enableCaps(s, "echo-message")
	if err := s.SendPrivMsg("#go", "again"); err != nil {
		t.Fatalf("SendPrivMsg: %v", err)
	}
	buf = bufferByName(t, s, "#go")
	if got := buf.Messages[len(buf.Messages)-1].Text(); got == "again" {
		t.Errorf("message echoed locally despite echo-message cap")
	}
}

func TestAwayTogglesWhoState(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	srv.deliver(t, ":bob!u@h PRIVMSG alice :hi")

	srv.deliver(t, ":bob!u@h AWAY :lunch")
	if buf := bufferByName(t, s, "bob"); buf.Who == nil || !buf.Who.Away {
		t.Fatalf("away not applied")
	}
	srv.deliver(t, ":bob!u@h AWAY")
	if buf := bufferByName(t, s, "bob"); buf.Who == nil || buf.Who.Away {
		t.Errorf("away not cleared")
	}
}

func TestWhoPollPreservesStaleInfo(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})

	if err := s.Open("bob"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	srv.deliver(t, ":irc.test 352 alice * ubob host.example irc.test bob H :0 Bob Example")
	srv.deliver(t, ":irc.test 315 alice bob :End of WHO list")

	buf := bufferByName(t, s, "bob")
	if buf.Who == nil || buf.Who.Realname != "Bob Example" {
		t.Fatalf("who info not recorded: %+v", buf.Who)
	}
	if buf.Offline {
		t.Errorf("buffer offline despite WHO reply")
	}

	// Second poll with no reply: identity info stays, presence flips
	s.mu.Lock()
	s.pendingWho["bob"] = true
	s.mu.Unlock()
	srv.deliver(t, ":irc.test 315 alice bob :End of WHO list")

	buf = bufferByName(t, s, "bob")
	if !buf.Offline {
		t.Errorf("empty WHO poll did not mark buffer offline")
	}
	if buf.Who == nil || buf.Who.Realname != "Bob Example" {
		t.Errorf("stale who info dropped: %+v", buf.Who)
	}
}

func TestUnknownCommandSurfacesError(t *testing.T) {
	s, _ := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	if err := s.Execute("/bogus now"); err == nil {
		t.Errorf("unknown command did not error")
	}
	// State is untouched
	if got := len(s.store.Buffers()); got != 1 {
		t.Errorf("buffer count = %d after failed command, want 1", got)
	}
}

func TestOldMessageBeforeReadReceiptAddsNoUnread(t *testing.T) {
	s, srv := newTestSession(t, ConnectParams{Addr: "irc.test:6697", Nick: "alice"})
	setReadReceipt(s, "#go", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	srv.deliver(t, "@time=2024-05-01T10:00:00.000Z :bob!u@h PRIVMSG #go :replayed history")

	if buf := bufferByName(t, s, "#go"); buf.Unread != state.UnreadNone {
		t.Errorf("unread = %v for already-read replay, want none", buf.Unread)
	}
}
