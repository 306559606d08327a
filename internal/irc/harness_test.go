package irc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/palaverchat/palaver/internal/notify"
	"github.com/palaverchat/palaver/internal/state"
)

// fakeEndpoint records outbound messages instead of writing to a socket
type fakeEndpoint struct {
	mu     sync.Mutex
	sent   []ircmsg.Message
	closed bool
}

func (f *fakeEndpoint) SendMessage(msg ircmsg.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("endpoint closed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// sentWith returns every queued message with the given command
func (f *fakeEndpoint) sentWith(command string) []ircmsg.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ircmsg.Message
	for _, msg := range f.sent {
		if msg.Command == command {
			out = append(out, msg)
		}
	}
	return out
}

// waitFor polls until at least n messages with the given command were sent
func (f *fakeEndpoint) waitFor(t *testing.T, command string, n int) []ircmsg.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.sentWith(command); len(msgs) >= n {
			return msgs
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %s sent within deadline", command)
	return nil
}

// fakeServer hands out fake endpoints and keeps the handlers so tests can
// inject inbound traffic
type fakeServer struct {
	mu        sync.Mutex
	endpoints []*fakeEndpoint
	handlers  []Handler
	dialErr   error
}

func (f *fakeServer) dial(params ConnectParams, h Handler) (Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	ep := &fakeEndpoint{}
	f.endpoints = append(f.endpoints, ep)
	f.handlers = append(f.handlers, h)
	return ep, nil
}

func (f *fakeServer) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.endpoints)
}

func (f *fakeServer) endpoint() *fakeEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoints[len(f.endpoints)-1]
}

func (f *fakeServer) handler() Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[len(f.handlers)-1]
}

// deliver parses a raw line and feeds it to the current connection
func (f *fakeServer) deliver(t *testing.T, line string) {
	t.Helper()
	msg, err := ircmsg.ParseLine(line)
	if err != nil {
		t.Fatalf("bad test line %q: %v", line, err)
	}
	f.handler().HandleMessage(msg)
}

// recordingNotifier captures notification intents
type recordingNotifier struct {
	mu      sync.Mutex
	granted bool
	titles  []string
}

func (n *recordingNotifier) Granted() bool { return n.granted }

func (n *recordingNotifier) Notify(notification notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, notification.Title)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

func newTestSession(t *testing.T, params ConnectParams) (*Session, *fakeServer) {
	t.Helper()
	srv := &fakeServer{}
	s := NewSession(Options{
		NetworkID:       "testnet",
		Store:           state.NewStore(nil),
		Dial:            srv.dial,
		ReconnectDelay:  25 * time.Millisecond,
		HistoryTimeout:  250 * time.Millisecond,
		HistoryPageSize: 2,
		HistoryMaxSize:  4,
	})
	if err := s.Connect(params); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(s.Disconnect)
	return s, srv
}

// enableCaps flips capabilities on directly, standing in for a completed
// negotiation
func enableCaps(s *Session, caps ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range caps {
		s.enabledCaps[name] = true
	}
}

// setReadReceipt seeds the session receipt cache
func setReadReceipt(s *Session, target string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[target] = receiptPair{Delivered: at, Read: at}
}

func bufferByName(t *testing.T, s *Session, name string) state.Buffer {
	t.Helper()
	buf, ok := s.store.ResolveBuffer(state.ByName("testnet", name))
	if !ok {
		t.Fatalf("buffer %q does not exist", name)
	}
	return buf
}
