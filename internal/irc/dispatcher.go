package irc

import (
	"fmt"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/palaverchat/palaver/internal/events"
	"github.com/palaverchat/palaver/internal/notify"
	"github.com/palaverchat/palaver/internal/state"
)

// handleMessage dispatches one inbound protocol message into the state
// store; s.mu must be held. Messages carrying a batch tag additionally
// accumulate into their open batch, so a history page is both counted for
// pagination and stitched into the buffer through the ordered insert.
func (s *Session) handleMessage(msg ircmsg.Message) {
	if present, id := msg.GetTag("batch"); present {
		if b := s.batches[id]; b != nil {
			b.messages = append(b.messages, toStateMessage(msg))
		}
	}

	switch msg.Command {
	case "001":
		s.handleWelcome(msg)
	case "004":
		s.handleMyInfo(msg)
	case "331":
		s.handleNoTopic(msg)
	case "332":
		s.handleTopicReply(msg)
	case "333":
		// topic set-by metadata, not tracked
	case "353":
		s.handleNames(msg)
	case "366":
		// end of NAMES
	case "352":
		s.handleWhoReply(msg)
	case "315":
		s.handleEndOfWho(msg)
	case "PRIVMSG", "NOTICE":
		s.handleChatMessage(msg)
	case "JOIN":
		s.handleJoin(msg)
	case "PART":
		s.handlePart(msg)
	case "QUIT":
		s.handleQuit(msg)
	case "NICK":
		s.handleNick(msg)
	case "TOPIC":
		s.handleTopic(msg)
	case "AWAY":
		s.handleAway(msg)
	case "BATCH":
		s.handleBatchBoundary(msg)
	case "CAP":
		s.handleCap(msg)
	case "AUTHENTICATE":
		s.handleAuthenticate(msg)
	case "900":
		s.addMessageLocked(state.ServerBufferName, toStateMessage(msg))
	case "903":
		s.handleSASLSuccess(msg)
	case "902", "904", "905", "906", "907":
		s.handleSASLFailure(msg)
	case "FAIL":
		s.handleFail(msg)
	case "PING", "PONG":
		// keepalive handled by the transport
	default:
		s.addMessageLocked(state.ServerBufferName, toStateMessage(msg))
	}
}

// isSelf reports whether name is our own nick
func (s *Session) isSelf(name string) bool {
	return strings.EqualFold(name, s.nick)
}

func (s *Session) handleWelcome(msg ircmsg.Message) {
	// The server has the last word on our nick
	if len(msg.Params) > 0 && msg.Params[0] != "" {
		s.nick = msg.Params[0]
	}
	s.store.UpdateNetwork(s.networkID, func(n *state.Network) bool {
		n.Status = state.StatusRegistered
		return true
	})
	s.emit(events.EventConnected, map[string]interface{}{
		"network": s.networkID,
		"nick":    s.nick,
	})
	s.log.Info().Str("nick", s.nick).Msg("Registered")

	if len(s.params.Autojoin) > 0 {
		if err := s.send("JOIN", strings.Join(s.params.Autojoin, ",")); err != nil {
			s.log.Error().Err(err).Msg("Failed to send autojoin")
		}
	}
	s.addMessageLocked(state.ServerBufferName, toStateMessage(msg))
}

func (s *Session) handleMyInfo(msg ircmsg.Message) {
	if len(msg.Params) < 3 {
		return
	}
	info := &state.ServerInfo{Name: msg.Params[1], Version: msg.Params[2]}
	s.store.UpdateBuffer(state.ByName(s.networkID, state.ServerBufferName), func(buf *state.Buffer) bool {
		buf.ServerInfo = info
		return true
	})
}

func (s *Session) handleNoTopic(msg ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel := msg.Params[1]
	s.store.UpdateBuffer(state.ByName(s.networkID, channel), func(buf *state.Buffer) bool {
		buf.Topic = nil
		return true
	})
}

func (s *Session) handleTopicReply(msg ircmsg.Message) {
	if len(msg.Params) < 3 {
		return
	}
	channel, topic := msg.Params[1], msg.Params[2]
	s.store.UpdateBuffer(state.ByName(s.networkID, channel), func(buf *state.Buffer) bool {
		buf.Topic = &topic
		return true
	})
}

// handleNames folds one RPL_NAMREPLY page into channel membership. Pages
// apply incrementally; there is no staging until end-of-names.
func (s *Session) handleNames(msg ircmsg.Message) {
	if len(msg.Params) < 4 {
		return
	}
	channel, entries := msg.Params[2], strings.Fields(msg.Params[3])
	s.store.UpdateBuffer(state.ByName(s.networkID, channel), func(buf *state.Buffer) bool {
		members := state.CopyMembers(buf.Members)
		for _, entry := range entries {
			sigils, nick := parseMembership(entry)
			if nick == "" {
				continue
			}
			members[nick] = sigils
		}
		buf.Members = members
		return true
	})
}

func (s *Session) handleWhoReply(msg ircmsg.Message) {
	if len(msg.Params) < 8 {
		return
	}
	who := &state.WhoInfo{
		Username: msg.Params[2],
		Hostname: msg.Params[3],
		Server:   msg.Params[4],
		Nick:     msg.Params[5],
		Away:     strings.HasPrefix(msg.Params[6], "G"),
	}
	// trailing is "<hopcount> <realname>"
	if _, realname, ok := strings.Cut(msg.Params[7], " "); ok {
		who.Realname = realname
	}
	delete(s.pendingWho, who.Nick)
	s.store.UpdateBuffer(state.ByName(s.networkID, who.Nick), func(buf *state.Buffer) bool {
		if buf.Type != state.BufferNick {
			return false
		}
		buf.Who = who
		buf.Offline = false
		return true
	})
}

// handleEndOfWho marks a queried nick offline when the poll produced no
// reply. Stale identity info from an earlier reply is kept.
func (s *Session) handleEndOfWho(msg ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	mask := msg.Params[1]
	if state.IsChannel(mask) || !s.pendingWho[mask] {
		return
	}
	delete(s.pendingWho, mask)
	s.store.UpdateBuffer(state.ByName(s.networkID, mask), func(buf *state.Buffer) bool {
		if buf.Type != state.BufferNick || buf.Offline {
			return false
		}
		buf.Offline = true
		return true
	})
}

func (s *Session) handleChatMessage(msg ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	m := toStateMessage(msg)
	bufName := msg.Params[0]
	// Messages addressed to us land in the sender's buffer
	if s.isSelf(bufName) && m.Prefix != nil {
		bufName = m.Prefix.Name
	}

	fromSelf := m.Prefix != nil && s.isSelf(m.Prefix.Name)
	// History replays carry a batch tag; old queries are never re-answered
	if replayed, _ := msg.GetTag("batch"); !replayed {
		if msg.Command == "PRIVMSG" && !fromSelf && m.Prefix != nil {
			if cmd, args, ok := ctcpCommand(m.Text()); ok {
				s.replyCTCP(m.Prefix.Name, cmd, args)
			}
		}
	}
	s.addMessageLocked(bufName, m)
}

// replyCTCP answers the CTCP queries we support; unknown queries and
// ACTION are left alone
func (s *Session) replyCTCP(nick, cmd, args string) {
	var reply string
	switch cmd {
	case "VERSION":
		reply = "\x01VERSION palaver\x01"
	case "PING":
		reply = "\x01PING " + args + "\x01"
	case "TIME":
		reply = "\x01TIME " + time.Now().Format(time.RFC1123) + "\x01"
	case "CLIENTINFO":
		reply = "\x01CLIENTINFO CLIENTINFO PING TIME VERSION\x01"
	default:
		return
	}
	if err := s.send("NOTICE", nick, reply); err != nil {
		s.log.Error().Err(err).Str("nick", nick).Msg("Failed to send CTCP reply")
	}
}

func (s *Session) handleJoin(msg ircmsg.Message) {
	if len(msg.Params) < 1 {
		return
	}
	channel := msg.Params[0]
	nick := msg.Nick()
	m := toStateMessage(msg)

	s.store.CreateBuffer(s.networkID, channel)
	s.store.UpdateBuffer(state.ByName(s.networkID, channel), func(buf *state.Buffer) bool {
		members := state.CopyMembers(buf.Members)
		members[nick] = ""
		buf.Members = members
		return true
	})

	if !s.isSelf(nick) {
		s.addMessageLocked(channel, m)
		return
	}
	s.maybeBackfillLocked(channel, m.Time)
}

// maybeBackfillLocked starts a gap-fill fetch for a channel we just joined,
// covering the window between the stored read receipt and the join. It only
// runs when the server supports history with reliable timestamps. On
// failure the channel's receipt is dropped so the next join does not retry
// the same doomed window.
func (s *Session) maybeBackfillLocked(channel string, joinedAt time.Time) {
	if !s.enabledCaps["draft/chathistory"] || !s.enabledCaps["server-time"] {
		return
	}
	rec, ok := s.receipts[channel]
	if !ok || rec.Read.IsZero() {
		return
	}
	after := rec.Read
	before := joinedAt
	if before.IsZero() {
		before = time.Now()
	}
	go func() {
		if err := s.FetchHistoryBetween(channel, after, before, s.historyMaxSize); err != nil {
			s.sessionError(fmt.Errorf("failed to fetch history for %s: %w", channel, err))
			s.mu.Lock()
			s.deleteReceiptLocked(channel)
			s.mu.Unlock()
		}
	}()
}

func (s *Session) handlePart(msg ircmsg.Message) {
	if len(msg.Params) < 1 {
		return
	}
	channel := msg.Params[0]
	nick := msg.Nick()
	m := toStateMessage(msg)

	s.store.UpdateBuffer(state.ByName(s.networkID, channel), func(buf *state.Buffer) bool {
		if _, ok := buf.Members[nick]; !ok {
			return false
		}
		members := state.CopyMembers(buf.Members)
		delete(members, nick)
		buf.Members = members
		return true
	})

	s.addMessageLocked(channel, m)
	// Leaving forgets the receipts, so rejoining starts a fresh window
	if s.isSelf(nick) {
		s.deleteReceiptLocked(channel)
	}
}

// handleQuit fans the quit out to every buffer that knows the nick: each
// channel the user was in, plus a direct-conversation buffer of that name,
// which flips to offline instead of disappearing.
func (s *Session) handleQuit(msg ircmsg.Message) {
	nick := msg.Nick()
	m := toStateMessage(msg)

	var affected []string
	for _, buf := range s.store.Buffers() {
		if buf.Network != s.networkID {
			continue
		}
		if _, ok := buf.Members[nick]; ok {
			affected = append(affected, buf.Name)
			s.store.UpdateBuffer(state.ByID(buf.ID), func(b *state.Buffer) bool {
				members := state.CopyMembers(b.Members)
				delete(members, nick)
				b.Members = members
				return true
			})
		} else if buf.Type == state.BufferNick && strings.EqualFold(buf.Name, nick) {
			affected = append(affected, buf.Name)
			s.store.UpdateBuffer(state.ByID(buf.ID), func(b *state.Buffer) bool {
				b.Offline = true
				return true
			})
		}
	}
	for _, name := range affected {
		s.addMessageLocked(name, m)
	}
}

func (s *Session) handleNick(msg ircmsg.Message) {
	if len(msg.Params) < 1 {
		return
	}
	oldNick := msg.Nick()
	newNick := msg.Params[0]
	m := toStateMessage(msg)

	if s.isSelf(oldNick) {
		s.nick = newNick
	}

	var affected []string
	for _, buf := range s.store.Buffers() {
		if buf.Network != s.networkID {
			continue
		}
		if _, ok := buf.Members[oldNick]; !ok {
			continue
		}
		affected = append(affected, buf.Name)
		s.store.UpdateBuffer(state.ByID(buf.ID), func(b *state.Buffer) bool {
			members := state.CopyMembers(b.Members)
			members[newNick] = members[oldNick]
			delete(members, oldNick)
			b.Members = members
			return true
		})
	}
	for _, name := range affected {
		s.addMessageLocked(name, m)
	}
}

func (s *Session) handleTopic(msg ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel, topic := msg.Params[0], msg.Params[1]
	s.store.UpdateBuffer(state.ByName(s.networkID, channel), func(buf *state.Buffer) bool {
		if topic == "" {
			buf.Topic = nil
		} else {
			buf.Topic = &topic
		}
		return true
	})
	s.addMessageLocked(channel, toStateMessage(msg))
}

func (s *Session) handleAway(msg ircmsg.Message) {
	nick := msg.Nick()
	away := len(msg.Params) > 0 && msg.Params[0] != ""
	s.store.UpdateBuffer(state.ByName(s.networkID, nick), func(buf *state.Buffer) bool {
		if buf.Type != state.BufferNick {
			return false
		}
		who := &state.WhoInfo{Nick: nick}
		if buf.Who != nil {
			copied := *buf.Who
			who = &copied
		}
		who.Away = away
		buf.Who = who
		return true
	})
}

func (s *Session) handleFail(msg ircmsg.Message) {
	if len(msg.Params) >= 1 && msg.Params[0] == "CHATHISTORY" {
		s.failHistoryLocked(fmt.Errorf("chathistory request failed: %s", msg.Params[len(msg.Params)-1]))
		return
	}
	s.addMessageLocked(state.ServerBufferName, toStateMessage(msg))
}

// addMessageLocked is the single funnel every displayed message goes
// through: it assigns the sequence key, classifies unread weight and
// notification intent against the receipt state, advances the delivered
// receipt, and inserts the message in timestamp order; s.mu must be held
func (s *Session) addMessageLocked(bufName string, m state.Message) {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	m.Seq = s.store.NextSeq()

	text := m.Text()
	fromSelf := m.Prefix != nil && s.isSelf(m.Prefix.Name)
	highlight := m.Prefix != nil && !fromSelf && isHighlight(text, s.nick)
	delivered := s.hasReceiptLocked(bufName, receiptDelivered, m.Time)
	read := s.hasReceiptLocked(bufName, receiptRead, m.Time)

	msgUnread := state.UnreadNone
	if (m.Command == "PRIVMSG" || m.Command == "NOTICE") && !read && !fromSelf {
		var target string
		if len(m.Params) > 0 {
			target = m.Params[0]
		}
		var kind string
		switch {
		case highlight:
			msgUnread = state.UnreadHighlight
			kind = "highlight"
		case s.isSelf(target):
			msgUnread = state.UnreadHighlight
			kind = "private message"
		default:
			msgUnread = state.UnreadMessage
		}
		// Replayed history never notifies twice: anything already covered
		// by the delivered receipt stays quiet
		if msgUnread == state.UnreadHighlight && !delivered && !isCTCP(text) &&
			s.notifier != nil && s.notifier.Granted() && m.Prefix != nil {
			title := "New " + kind + " from " + m.Prefix.Name
			if state.IsChannel(bufName) {
				title += " in " + bufName
			}
			if err := s.notifier.Notify(notify.Notification{Title: title, Body: text}); err != nil {
				s.log.Error().Err(err).Msg("Failed to post notification")
			}
			s.emit(events.EventNotification, map[string]interface{}{
				"network": s.networkID,
				"buffer":  bufName,
				"title":   title,
				"body":    text,
			})
		}
	}

	// Traffic from others materializes its buffer; our own echoes and
	// departure messages never resurrect one
	if !fromSelf && m.Command != "PART" && m.Command != "QUIT" {
		s.store.CreateBuffer(s.networkID, bufName)
	}

	s.setReceiptLocked(bufName, receiptDelivered, m.Time)

	active := s.store.ActiveBufferID()
	isActive := false
	if buf, ok := s.store.ResolveBuffer(state.ByName(s.networkID, bufName)); ok {
		isActive = buf.ID == active
	}
	if isActive {
		s.setReceiptLocked(bufName, receiptRead, m.Time)
	}
	readAt := s.receipts[bufName].Read

	s.store.UpdateBuffer(state.ByName(s.networkID, bufName), func(buf *state.Buffer) bool {
		if isActive {
			t := readAt
			buf.LastReadReceipt = &t
		} else {
			buf.Unread = buf.Unread.Union(msgUnread)
		}
		buf.Messages = state.InsertMessage(buf.Messages, m)
		return true
	})

	if msgUnread != state.UnreadNone {
		s.persistReceiptLocked(bufName)
	}
}
