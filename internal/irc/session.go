package irc

import (
	"fmt"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/rs/zerolog"

	"github.com/palaverchat/palaver/internal/constants"
	"github.com/palaverchat/palaver/internal/events"
	"github.com/palaverchat/palaver/internal/logger"
	"github.com/palaverchat/palaver/internal/notify"
	"github.com/palaverchat/palaver/internal/state"
	"github.com/palaverchat/palaver/internal/storage"
)

type receiptKind int

const (
	receiptDelivered receiptKind = iota
	receiptRead
)

// receiptPair is the session-scoped receipt cache entry for one target
type receiptPair struct {
	Delivered time.Time
	Read      time.Time
}

// Options configures a Session. Store and Dial are required; Persist,
// Bus and Notifier may be nil. Zero durations and sizes take defaults.
type Options struct {
	NetworkID string
	Store     *state.Store
	Persist   *storage.Store
	Bus       *events.EventBus
	Notifier  notify.Notifier
	Dial      Dialer

	ReconnectDelay  time.Duration
	HistoryTimeout  time.Duration
	HistoryPageSize int
	HistoryMaxSize  int
}

// Session drives one IRC connection: it dispatches inbound protocol traffic
// into the state store, keeps receipts, synchronizes history and owns the
// reconnect policy. All mutation of session fields happens under mu;
// transport callbacks for stale connection generations are dropped.
type Session struct {
	store    *state.Store
	persist  *storage.Store
	bus      *events.EventBus
	notifier notify.Notifier
	dial     Dialer
	log      zerolog.Logger

	networkID       string
	reconnectDelay  time.Duration
	historyTimeout  time.Duration
	historyPageSize int
	historyMaxSize  int

	mu            sync.Mutex
	endpoint      Endpoint
	gen           int
	params        ConnectParams
	nick          string
	availableCaps map[string]string
	enabledCaps   map[string]bool
	requestedCaps int
	sasl          saslClient
	receipts      map[string]receiptPair
	pendingWho    map[string]bool

	reconnectTimer *time.Timer

	// history synchronizer state; slot serializes requests so at most one
	// CHATHISTORY roundtrip is outstanding
	historySlot   sync.Mutex
	historyWaiter chan historyResult
	batches       map[string]*historyBatch
	endOfHistory  map[string]bool
}

// NewSession creates a session bound to the given state store. It does not
// connect; call Connect with parameters.
func NewSession(opts Options) *Session {
	s := &Session{
		store:           opts.Store,
		persist:         opts.Persist,
		bus:             opts.Bus,
		notifier:        opts.Notifier,
		dial:            opts.Dial,
		log:             logger.With("session"),
		networkID:       opts.NetworkID,
		reconnectDelay:  opts.ReconnectDelay,
		historyTimeout:  opts.HistoryTimeout,
		historyPageSize: opts.HistoryPageSize,
		historyMaxSize:  opts.HistoryMaxSize,
		enabledCaps:     make(map[string]bool),
		availableCaps:   make(map[string]string),
		receipts:        make(map[string]receiptPair),
		pendingWho:      make(map[string]bool),
		batches:         make(map[string]*historyBatch),
		endOfHistory:    make(map[string]bool),
	}
	if s.networkID == "" {
		s.networkID = "default"
	}
	if s.reconnectDelay == 0 {
		s.reconnectDelay = constants.ReconnectDelay
	}
	if s.historyTimeout == 0 {
		s.historyTimeout = constants.HistoryTimeout
	}
	if s.historyPageSize == 0 {
		s.historyPageSize = constants.ChatHistoryPageSize
	}
	if s.historyMaxSize == 0 {
		s.historyMaxSize = constants.ChatHistoryMaxSize
	}
	return s
}

// sessionHandler routes transport callbacks for one connection generation.
// A generation that is no longer current delivers nothing.
type sessionHandler struct {
	s   *Session
	gen int
}

func (h sessionHandler) HandleMessage(msg ircmsg.Message) {
	h.s.mu.Lock()
	if h.gen != h.s.gen {
		h.s.mu.Unlock()
		return
	}
	h.s.handleMessage(msg)
	h.s.mu.Unlock()
}

func (h sessionHandler) HandleError(err error) {
	h.s.mu.Lock()
	stale := h.gen != h.s.gen
	h.s.mu.Unlock()
	if stale {
		return
	}
	h.s.sessionError(fmt.Errorf("transport error: %w", err))
}

func (h sessionHandler) HandleClosed() {
	h.s.handleClosed(h.gen)
}

// Connect establishes a new connection with the given parameters, tearing
// down any previous one. Receipts for the connection identity are loaded
// from durable storage before traffic flows.
func (s *Session) Connect(params ConnectParams) error {
	s.mu.Lock()
	old := s.teardownLocked()
	s.gen++
	gen := s.gen
	s.params = params
	s.nick = params.Nick
	s.availableCaps = make(map[string]string)
	s.enabledCaps = make(map[string]bool)
	s.requestedCaps = 0
	s.sasl = nil
	s.pendingWho = make(map[string]bool)
	s.batches = make(map[string]*historyBatch)
	s.endOfHistory = make(map[string]bool)
	s.receipts = make(map[string]receiptPair)
	if s.persist != nil {
		for _, rec := range s.persist.List(params.Identity()) {
			s.receipts[rec.Name] = receiptPair{Delivered: rec.Delivered, Read: rec.Read}
		}
	}
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	s.store.PutNetwork(state.Network{ID: s.networkID, Status: state.StatusConnecting})
	s.store.SetActiveNetwork(s.networkID)
	id, _ := s.store.CreateBuffer(s.networkID, state.ServerBufferName)
	if s.store.ActiveBufferID() == 0 {
		s.store.SetActiveBuffer(state.ByID(id))
	}

	s.log.Info().Str("addr", params.Addr).Str("nick", params.Nick).Msg("Connecting")
	ep, err := s.dial(params, sessionHandler{s: s, gen: gen})
	if err != nil {
		s.sessionError(fmt.Errorf("failed to connect: %w", err))
		s.handleClosed(gen)
		return err
	}

	s.mu.Lock()
	if gen != s.gen {
		// A concurrent Connect or Disconnect superseded this attempt
		s.mu.Unlock()
		ep.Close()
		return nil
	}
	s.endpoint = ep
	s.mu.Unlock()
	return nil
}

// Disconnect closes the connection on user request. The status flips to
// disconnected before the transport closes, which is what suppresses the
// auto-reconnect when the close event arrives.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	ep := s.teardownLocked()
	s.mu.Unlock()

	s.store.UpdateNetwork(s.networkID, func(n *state.Network) bool {
		if n.Status == state.StatusDisconnected {
			return false
		}
		n.Status = state.StatusDisconnected
		return true
	})
	if ep != nil {
		ep.Close()
	}
	s.emit(events.EventDisconnected, map[string]interface{}{"network": s.networkID})
	s.log.Info().Msg("Disconnected")
}

// teardownLocked cancels the reconnect timer, fails any pending history
// waiter and detaches the endpoint without closing it; s.mu must be held
func (s *Session) teardownLocked() Endpoint {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.failHistoryLocked(fmt.Errorf("connection closed"))
	ep := s.endpoint
	s.endpoint = nil
	return ep
}

// handleClosed reacts to a transport close. An unexpected close schedules a
// single reconnect attempt after the reconnect delay; a close that follows
// an explicit Disconnect (status already disconnected, or a stale
// generation) schedules nothing. A second close before the timer fires
// replaces the pending attempt rather than stacking another.
func (s *Session) handleClosed(gen int) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.endpoint = nil
	s.failHistoryLocked(fmt.Errorf("connection closed"))
	params := s.params
	s.mu.Unlock()

	changed := s.store.UpdateNetwork(s.networkID, func(n *state.Network) bool {
		if n.Status == state.StatusDisconnected {
			return false
		}
		n.Status = state.StatusDisconnected
		return true
	})
	if !changed {
		// Already disconnected on purpose
		return
	}

	s.emit(events.EventDisconnected, map[string]interface{}{"network": s.networkID})
	s.log.Warn().Dur("delay", s.reconnectDelay).Msg("Connection lost, scheduling reconnect")

	s.mu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(s.reconnectDelay, func() {
		s.mu.Lock()
		s.reconnectTimer = nil
		s.mu.Unlock()
		if err := s.Connect(params); err != nil {
			s.log.Error().Err(err).Msg("Reconnect attempt failed")
		}
	})
	s.mu.Unlock()
}

// Nick returns the nick the server currently knows us by
func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

// CapEnabled reports whether the named capability was acknowledged on the
// current connection
func (s *Session) CapEnabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabledCaps[name]
}

// send queues one outbound message; s.mu must be held
func (s *Session) send(command string, params ...string) error {
	if s.endpoint == nil {
		return fmt.Errorf("not connected")
	}
	return s.endpoint.SendMessage(ircmsg.MakeMessage(nil, "", command, params...))
}

func (s *Session) identity() storage.ServerIdentity {
	return s.params.Identity()
}

// emit posts a session event on the bus
func (s *Session) emit(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(events.Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		Source:    events.EventSourceIRC,
	})
}

// sessionError surfaces an operational error to the user
func (s *Session) sessionError(err error) {
	s.log.Error().Err(err).Msg("Session error")
	s.emit(events.EventSessionError, map[string]interface{}{
		"network": s.networkID,
		"error":   err.Error(),
	})
}

// hasReceiptLocked reports whether a message at time t is covered by the
// receipt of the given kind; s.mu must be held
func (s *Session) hasReceiptLocked(target string, kind receiptKind, t time.Time) bool {
	rec, ok := s.receipts[target]
	if !ok {
		return false
	}
	switch kind {
	case receiptRead:
		return !t.After(rec.Read)
	default:
		return !t.After(rec.Delivered)
	}
}

// setReceiptLocked advances the receipt of the given kind to t if t is
// newer, mirroring the change into durable storage; s.mu must be held
func (s *Session) setReceiptLocked(target string, kind receiptKind, t time.Time) {
	rec := s.receipts[target]
	switch kind {
	case receiptRead:
		if !t.After(rec.Read) {
			return
		}
		rec.Read = t
		// A read message was necessarily delivered
		if rec.Delivered.Before(rec.Read) {
			rec.Delivered = rec.Read
		}
	default:
		if !t.After(rec.Delivered) {
			return
		}
		rec.Delivered = t
	}
	s.receipts[target] = rec
	s.persistReceiptLocked(target)
}

// persistReceiptLocked writes the cached receipt pair for target through to
// durable storage together with the buffer unread level; s.mu must be held
func (s *Session) persistReceiptLocked(target string) {
	if s.persist == nil {
		return
	}
	rec := s.receipts[target]
	out := storage.BufferRecord{
		Name:      target,
		Server:    s.identity(),
		Delivered: rec.Delivered,
		Read:      rec.Read,
	}
	if buf, ok := s.store.ResolveBuffer(state.ByName(s.networkID, target)); ok {
		out.Unread = buf.Unread
	}
	if _, err := s.persist.Put(out); err != nil {
		s.log.Error().Err(err).Str("target", target).Msg("Failed to persist receipt")
	}
}

// deleteReceiptLocked forgets the receipts for target, in cache and on
// disk; s.mu must be held
func (s *Session) deleteReceiptLocked(target string) {
	delete(s.receipts, target)
	if s.persist == nil {
		return
	}
	if err := s.persist.Delete(s.identity(), target); err != nil {
		s.log.Error().Err(err).Str("target", target).Msg("Failed to delete receipt")
	}
}
