package state

import (
	"sort"
	"sync"
	"time"

	"github.com/palaverchat/palaver/internal/events"
)

// Selector identifies a buffer either by id (ID > 0) or by (Network, Name).
// An empty Network falls back to the store's active network.
type Selector struct {
	ID      int
	Network string
	Name    string
}

// ByID selects a buffer by its process-local id
func ByID(id int) Selector {
	return Selector{ID: id}
}

// ByName selects a buffer by (network, name); pass network "" for the
// active network
func ByName(network, name string) Selector {
	return Selector{Network: network, Name: name}
}

// Store is the in-memory network/buffer state tree. All mutation goes
// through copy-on-write update operations: a mutator receives a copy of the
// current value, changes it (replacing shared containers rather than
// writing into them) and reports whether anything changed. Observers are
// notified through the event bus rather than by reference comparison.
type Store struct {
	mu            sync.RWMutex
	networks      map[string]Network
	buffers       map[int]*Buffer
	order         []int
	lastBufferID  int
	seq           uint64
	activeNetwork string
	activeBuffer  int
	bus           *events.EventBus
}

// NewStore creates an empty state store posting change events on bus.
// A nil bus disables change notification.
func NewStore(bus *events.EventBus) *Store {
	return &Store{
		networks: make(map[string]Network),
		buffers:  make(map[int]*Buffer),
		bus:      bus,
	}
}

func (s *Store) emit(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(events.Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		Source:    events.EventSourceState,
	})
}

// SetActiveNetwork records the network that unqualified selectors resolve
// against
func (s *Store) SetActiveNetwork(id string) {
	s.mu.Lock()
	s.activeNetwork = id
	s.mu.Unlock()
}

// ActiveNetwork returns the currently active network id
func (s *Store) ActiveNetwork() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeNetwork
}

// PutNetwork creates or replaces a network entry
func (s *Store) PutNetwork(n Network) {
	s.mu.Lock()
	s.networks[n.ID] = n
	s.mu.Unlock()
	s.emit(events.EventNetworkChanged, map[string]interface{}{"network": n.ID})
}

// Network returns a snapshot of the network with the given id
func (s *Store) Network(id string) (Network, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.networks[id]
	return n, ok
}

// UpdateNetwork applies fn to a copy of the network and commits it when fn
// returns true. It reports whether a change was committed.
func (s *Store) UpdateNetwork(id string, fn func(*Network) bool) bool {
	s.mu.Lock()
	n, ok := s.networks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if !fn(&n) {
		s.mu.Unlock()
		return false
	}
	n.ID = id
	s.networks[id] = n
	s.mu.Unlock()
	s.emit(events.EventNetworkChanged, map[string]interface{}{"network": id})
	return true
}

// DeleteNetwork removes a network and every buffer belonging to it
func (s *Store) DeleteNetwork(id string) {
	s.mu.Lock()
	delete(s.networks, id)
	for bid, buf := range s.buffers {
		if buf.Network == id {
			delete(s.buffers, bid)
			if s.activeBuffer == bid {
				s.activeBuffer = 0
			}
		}
	}
	s.resortLocked()
	s.mu.Unlock()
	s.emit(events.EventNetworkChanged, map[string]interface{}{"network": id})
}

// resolveLocked finds the buffer matching sel; s.mu must be held
func (s *Store) resolveLocked(sel Selector) *Buffer {
	if sel.ID > 0 {
		return s.buffers[sel.ID]
	}
	network := sel.Network
	if network == "" {
		network = s.activeNetwork
	}
	for _, buf := range s.buffers {
		if buf.Network == network && buf.Name == sel.Name {
			return buf
		}
	}
	return nil
}

// ResolveBuffer returns a snapshot of the buffer matching sel
func (s *Store) ResolveBuffer(sel Selector) (Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.resolveLocked(sel)
	if buf == nil {
		return Buffer{}, false
	}
	return *buf, true
}

// CreateBuffer creates a buffer for (network, name) and returns its id. If
// one already exists its id is returned with created == false. Buffer ids
// are minted monotonically and never reused, even when a name recurs after
// deletion. Creation re-sorts the buffer collection: the server buffer
// first, then lexicographically by name.
func (s *Store) CreateBuffer(network, name string) (id int, created bool) {
	s.mu.Lock()
	if buf := s.resolveLocked(Selector{Network: network, Name: name}); buf != nil {
		s.mu.Unlock()
		return buf.ID, false
	}

	s.lastBufferID++
	id = s.lastBufferID

	var typ BufferType
	switch {
	case name == ServerBufferName:
		typ = BufferServer
	case IsChannel(name):
		typ = BufferChannel
	default:
		typ = BufferNick
	}

	s.buffers[id] = &Buffer{
		ID:      id,
		Name:    name,
		Type:    typ,
		Network: network,
		Members: map[string]string{},
		Unread:  UnreadNone,
	}
	s.resortLocked()
	s.mu.Unlock()

	s.emit(events.EventBufferCreated, map[string]interface{}{
		"network": network,
		"buffer":  id,
		"name":    name,
	})
	return id, true
}

// UpdateBuffer applies fn to a copy of the selected buffer and commits it
// when fn returns true. Mutators must replace the Messages slice and
// Members map instead of writing into them; the previous snapshot stays
// valid for concurrent readers.
func (s *Store) UpdateBuffer(sel Selector, fn func(*Buffer) bool) bool {
	s.mu.Lock()
	cur := s.resolveLocked(sel)
	if cur == nil {
		s.mu.Unlock()
		return false
	}
	next := *cur
	if !fn(&next) {
		s.mu.Unlock()
		return false
	}
	// Identity is owned by the store, not the mutator
	next.ID = cur.ID
	next.Network = cur.Network
	next.Name = cur.Name
	s.buffers[next.ID] = &next
	s.mu.Unlock()

	s.emit(events.EventBufferChanged, map[string]interface{}{
		"network": next.Network,
		"buffer":  next.ID,
		"name":    next.Name,
	})
	return true
}

// DeleteBuffer removes the selected buffer. Its id is never reused.
func (s *Store) DeleteBuffer(sel Selector) bool {
	s.mu.Lock()
	buf := s.resolveLocked(sel)
	if buf == nil {
		s.mu.Unlock()
		return false
	}
	delete(s.buffers, buf.ID)
	if s.activeBuffer == buf.ID {
		s.activeBuffer = 0
	}
	s.resortLocked()
	s.mu.Unlock()

	s.emit(events.EventBufferDeleted, map[string]interface{}{
		"network": buf.Network,
		"buffer":  buf.ID,
		"name":    buf.Name,
	})
	return true
}

// ClearBuffers drops every buffer of the given network, keeping the
// network entry itself
func (s *Store) ClearBuffers(network string) {
	s.mu.Lock()
	for id, buf := range s.buffers {
		if buf.Network == network {
			delete(s.buffers, id)
			if s.activeBuffer == id {
				s.activeBuffer = 0
			}
		}
	}
	s.resortLocked()
	s.mu.Unlock()
	s.emit(events.EventBufferDeleted, map[string]interface{}{"network": network})
}

// Buffers returns ordered snapshots of every buffer
func (s *Store) Buffers() []Buffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Buffer, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.buffers[id])
	}
	return out
}

// SetActiveBuffer marks the buffer the user is looking at. Returns false if
// the selector does not resolve.
func (s *Store) SetActiveBuffer(sel Selector) bool {
	s.mu.Lock()
	buf := s.resolveLocked(sel)
	if buf == nil {
		s.mu.Unlock()
		return false
	}
	s.activeBuffer = buf.ID
	s.mu.Unlock()
	s.emit(events.EventActiveBuffer, map[string]interface{}{"buffer": buf.ID})
	return true
}

// ActiveBufferID returns the id of the active buffer, 0 when none is active
func (s *Store) ActiveBufferID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeBuffer
}

// NextSeq mints the next message sequence key
func (s *Store) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// resortLocked rebuilds the buffer ordering; s.mu must be held
func (s *Store) resortLocked() {
	s.order = s.order[:0]
	for id := range s.buffers {
		s.order = append(s.order, id)
	}
	sort.Slice(s.order, func(i, j int) bool {
		a, b := s.buffers[s.order[i]], s.buffers[s.order[j]]
		if a.Network != b.Network {
			return a.Network < b.Network
		}
		if (a.Type == BufferServer) != (b.Type == BufferServer) {
			return a.Type == BufferServer
		}
		return a.Name < b.Name
	})
}
