package irc

import (
	"fmt"
	"strings"
	"time"

	"github.com/palaverchat/palaver/internal/state"
	"github.com/palaverchat/palaver/internal/validation"
)

// commandFunc executes one slash command; rest is the input after the
// command name with spacing preserved
type commandFunc func(s *Session, rest string) error

var commands = map[string]commandFunc{
	"join":  cmdJoin,
	"part":  cmdPart,
	"msg":   cmdMsg,
	"query": cmdQuery,
	"nick":  cmdNick,
	"topic": cmdTopic,
	"me":    cmdMe,
	"quit":  cmdQuit,
}

// Execute interprets one line of user input: a slash command, or bare text
// sent to the active buffer. Command errors and faults are surfaced as
// session errors; neither corrupts state.
func (s *Session) Execute(input string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command failed: %v", r)
			s.sessionError(err)
		}
	}()

	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if !strings.HasPrefix(input, "/") {
		buf, ok := s.store.ResolveBuffer(state.ByID(s.store.ActiveBufferID()))
		if !ok {
			err := fmt.Errorf("no active conversation")
			s.sessionError(err)
			return err
		}
		return s.SendPrivMsg(buf.Name, input)
	}

	name, rest, _ := strings.Cut(input[1:], " ")
	name = strings.ToLower(name)
	handler, ok := commands[name]
	if !ok {
		err := fmt.Errorf("unknown command %q", name)
		s.sessionError(err)
		return err
	}
	if err := handler(s, strings.TrimSpace(rest)); err != nil {
		s.sessionError(err)
		return err
	}
	return nil
}

func cmdJoin(s *Session, rest string) error {
	if rest == "" {
		return fmt.Errorf("usage: /join <channel>")
	}
	for _, channel := range strings.Split(rest, ",") {
		if err := validation.ValidateChannelName(channel); err != nil {
			return err
		}
	}
	return s.Open(rest)
}

func cmdPart(s *Session, rest string) error {
	channel := rest
	if channel == "" {
		buf, ok := s.store.ResolveBuffer(state.ByID(s.store.ActiveBufferID()))
		if !ok || buf.Type != state.BufferChannel {
			return fmt.Errorf("usage: /part <channel>")
		}
		channel = buf.Name
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send("PART", channel)
}

func cmdMsg(s *Session, rest string) error {
	target, text, ok := strings.Cut(rest, " ")
	if !ok || target == "" || text == "" {
		return fmt.Errorf("usage: /msg <target> <text>")
	}
	s.store.CreateBuffer(s.networkID, target)
	return s.SendPrivMsg(target, text)
}

func cmdQuery(s *Session, rest string) error {
	nick, extra, _ := strings.Cut(rest, " ")
	if nick == "" {
		return fmt.Errorf("usage: /query <nick>")
	}
	if err := validation.ValidateNickname(nick); err != nil {
		return err
	}
	if err := s.Open(nick); err != nil {
		return err
	}
	if extra != "" {
		return s.SendPrivMsg(nick, extra)
	}
	return nil
}

func cmdNick(s *Session, rest string) error {
	if rest == "" {
		return fmt.Errorf("usage: /nick <nick>")
	}
	if err := validation.ValidateNickname(rest); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send("NICK", rest)
}

func cmdTopic(s *Session, rest string) error {
	buf, ok := s.store.ResolveBuffer(state.ByID(s.store.ActiveBufferID()))
	if !ok || buf.Type != state.BufferChannel {
		return fmt.Errorf("/topic needs an active channel")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send("TOPIC", buf.Name, rest)
}

func cmdMe(s *Session, rest string) error {
	buf, ok := s.store.ResolveBuffer(state.ByID(s.store.ActiveBufferID()))
	if !ok || buf.Type == state.BufferServer {
		return fmt.Errorf("/me needs an active conversation")
	}
	return s.SendPrivMsg(buf.Name, "\x01ACTION "+rest+"\x01")
}

func cmdQuit(s *Session, rest string) error {
	s.Disconnect()
	return nil
}

// SendPrivMsg sends a message to target, locally echoing it unless the
// server echoes messages back itself
func (s *Session) SendPrivMsg(target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendPrivMsgLocked(target, text)
}

func (s *Session) sendPrivMsgLocked(target, text string) error {
	if target == state.ServerBufferName {
		return fmt.Errorf("cannot send messages to the server buffer")
	}
	if err := s.send("PRIVMSG", target, text); err != nil {
		return err
	}
	if !s.enabledCaps["echo-message"] {
		s.addMessageLocked(target, state.Message{
			Command: "PRIVMSG",
			Params:  []string{target, text},
			Prefix:  &state.Prefix{Name: s.nick},
			Time:    time.Now(),
		})
	}
	return nil
}

// Open brings up a conversation with target: channels are joined, nicks
// get an identity poll. The buffer exists and is active once Open returns,
// even when the network write failed.
func (s *Session) Open(target string) error {
	if target == "" || target == state.ServerBufferName {
		s.SwitchTo(state.ByName(s.networkID, state.ServerBufferName))
		return nil
	}

	s.mu.Lock()
	var sendErr error
	if state.IsChannel(target) {
		sendErr = s.send("JOIN", target)
	} else {
		// Split lists resolve each name; WHO answers arrive per nick
		first, _, _ := strings.Cut(target, ",")
		s.pendingWho[first] = true
		sendErr = s.send("WHO", first)
	}
	s.mu.Unlock()

	first, _, _ := strings.Cut(target, ",")
	id, _ := s.store.CreateBuffer(s.networkID, first)
	s.SwitchTo(state.ByID(id))
	return sendErr
}

// SwitchTo makes the selected buffer active: its unread marker clears, the
// divider snapshots the read receipt as it stood before the switch, and
// the receipt advances to the newest message.
func (s *Session) SwitchTo(sel state.Selector) {
	buf, ok := s.store.ResolveBuffer(sel)
	if !ok {
		return
	}
	if !s.store.SetActiveBuffer(state.ByID(buf.ID)) {
		return
	}

	s.mu.Lock()
	divider := s.receipts[buf.Name].Read
	if len(buf.Messages) > 0 {
		s.setReceiptLocked(buf.Name, receiptRead, buf.Messages[len(buf.Messages)-1].Time)
	}
	s.mu.Unlock()

	s.store.UpdateBuffer(state.ByID(buf.ID), func(b *state.Buffer) bool {
		b.Unread = state.UnreadNone
		if divider.IsZero() {
			b.LastReadReceipt = nil
		} else {
			t := divider
			b.LastReadReceipt = &t
		}
		return true
	})
}

// CloseBuffer closes a conversation. Closing the server buffer means
// leaving the network entirely; closing a channel parts it. Receipts for
// closed conversations are dropped so they do not resurrect stale unread
// state later.
func (s *Session) CloseBuffer(sel state.Selector) error {
	buf, ok := s.store.ResolveBuffer(sel)
	if !ok {
		return nil
	}

	if buf.Type == state.BufferServer {
		s.Disconnect()
		s.store.ClearBuffers(s.networkID)
		return nil
	}

	s.mu.Lock()
	if buf.Type == state.BufferChannel {
		if err := s.send("PART", buf.Name); err != nil {
			s.log.Warn().Err(err).Str("channel", buf.Name).Msg("Failed to send PART")
		}
	}
	s.deleteReceiptLocked(buf.Name)
	s.mu.Unlock()

	s.SwitchTo(state.ByName(s.networkID, state.ServerBufferName))
	s.store.DeleteBuffer(state.ByID(buf.ID))
	return nil
}
