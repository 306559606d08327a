package irc

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/palaverchat/palaver/internal/state"
)

// ErrHistoryLimit reports that a gap-fill walked its full message budget
// without reaching the end of the missed window
var ErrHistoryLimit = errors.New("too many messages to fetch")

// historyBatch accumulates the messages of one open chathistory batch.
// The messages also flow through normal dispatch as they arrive, so the
// ordered insert stitches them into their buffer; the batch itself exists
// for pagination bookkeeping.
type historyBatch struct {
	id       string
	target   string
	messages []state.Message
}

type historyResult struct {
	batch *historyBatch
	err   error
}

// handleBatchBoundary opens and closes reply batches; s.mu must be held.
// Closing a chathistory batch resolves the pending roundtrip.
func (s *Session) handleBatchBoundary(msg ircmsg.Message) {
	if len(msg.Params) < 1 || len(msg.Params[0]) < 2 {
		return
	}
	ref := msg.Params[0]
	id := ref[1:]
	switch ref[0] {
	case '+':
		if len(msg.Params) >= 2 && msg.Params[1] == "chathistory" {
			b := &historyBatch{id: id}
			if len(msg.Params) >= 3 {
				b.target = msg.Params[2]
			}
			s.batches[id] = b
		}
	case '-':
		b, ok := s.batches[id]
		if !ok {
			return
		}
		delete(s.batches, id)
		s.resolveHistoryLocked(historyResult{batch: b})
	}
}

// resolveHistoryLocked delivers a result to the pending roundtrip, if any;
// s.mu must be held
func (s *Session) resolveHistoryLocked(res historyResult) {
	if s.historyWaiter == nil {
		return
	}
	s.historyWaiter <- res
	s.historyWaiter = nil
}

// failHistoryLocked rejects the pending roundtrip, if any; s.mu must be
// held
func (s *Session) failHistoryLocked(err error) {
	s.resolveHistoryLocked(historyResult{err: err})
}

// roundtripChatHistory sends one CHATHISTORY request and waits for its
// reply batch. The slot mutex keeps at most one request outstanding; a
// connection loss or timeout resolves the wait with an error.
func (s *Session) roundtripChatHistory(params []string) (*historyBatch, error) {
	s.historySlot.Lock()
	defer s.historySlot.Unlock()

	s.mu.Lock()
	if s.endpoint == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	ch := make(chan historyResult, 1)
	s.historyWaiter = ch
	err := s.send("CHATHISTORY", params...)
	s.mu.Unlock()
	if err != nil {
		s.clearWaiter(ch)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.batch, res.err
	case <-time.After(s.historyTimeout):
		s.clearWaiter(ch)
		return nil, fmt.Errorf("chathistory request timed out")
	}
}

func (s *Session) clearWaiter(ch chan historyResult) {
	s.mu.Lock()
	if s.historyWaiter == ch {
		s.historyWaiter = nil
	}
	s.mu.Unlock()
}

// FetchHistoryBetween walks forward from after one page at a time until
// the server returns a partial page, the window closes at before, or the
// message budget runs out. A full final page with nothing left in the
// budget means the gap may extend further: that is ErrHistoryLimit.
func (s *Session) FetchHistoryBetween(target string, after, before time.Time, limit int) error {
	remaining := limit
	cursor := after
	for {
		max := s.historyPageSize
		if remaining < max {
			max = remaining
		}
		batch, err := s.roundtripChatHistory([]string{
			"AFTER", target, "timestamp=" + formatServerTime(cursor), strconv.Itoa(max),
		})
		if err != nil {
			return err
		}
		n := len(batch.messages)
		remaining -= n
		if n < max {
			return nil
		}
		if remaining <= 0 {
			return ErrHistoryLimit
		}
		cursor = batch.messages[n-1].Time
		if !cursor.Before(before) {
			return nil
		}
	}
}

// LoadOlder fetches one page of history preceding the oldest message of
// the selected buffer. Once a page comes back short the buffer is marked
// exhausted and later calls return immediately; a failed fetch leaves the
// buffer retryable. The provisional mark also swallows reentrant calls
// while a fetch is in flight.
func (s *Session) LoadOlder(sel state.Selector) error {
	buf, ok := s.store.ResolveBuffer(sel)
	if !ok || buf.Type == state.BufferServer {
		return nil
	}

	s.mu.Lock()
	if !s.enabledCaps["draft/chathistory"] || !s.enabledCaps["server-time"] {
		s.mu.Unlock()
		return nil
	}
	if s.endOfHistory[buf.Name] {
		s.mu.Unlock()
		return nil
	}
	s.endOfHistory[buf.Name] = true
	s.mu.Unlock()

	before := time.Now()
	if len(buf.Messages) > 0 {
		before = buf.Messages[0].Time
	}

	batch, err := s.roundtripChatHistory([]string{
		"BEFORE", buf.Name, "timestamp=" + formatServerTime(before), strconv.Itoa(s.historyPageSize),
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.endOfHistory[buf.Name] = false
		return err
	}
	s.endOfHistory[buf.Name] = len(batch.messages) < s.historyPageSize
	return nil
}
