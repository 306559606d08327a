package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/palaverchat/palaver/internal/constants"
	"github.com/palaverchat/palaver/internal/logger"
)

// legacyReceiptsKey is the old single-network receipts settings record
const legacyReceiptsKey = "receipts"

// Store is the durable receipt/buffer store. Records live in memory and are
// the read source of truth; writes are coalesced behind a cancel-and-replace
// flush timer so bursty receipt traffic does not mean a disk write per
// update. Close performs a final flush.
type Store struct {
	db *sqlx.DB

	mu      sync.Mutex
	records map[recordKey]BufferRecord
	dirty   map[recordKey]bool
	removed map[recordKey]bool
	timer   *time.Timer
	closed  bool
}

// NewStore opens (creating if needed) the sqlite database at dbPath, runs
// migrations, and loads all buffer records into memory
func NewStore(dbPath string) (*Store, error) {
	// WAL mode keeps readers unblocked during flushes
	db, err := sqlx.Connect("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite works best with a single connection in WAL mode
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	s := &Store{
		db:      db,
		records: make(map[recordKey]BufferRecord),
		dirty:   make(map[recordKey]bool),
		removed: make(map[recordKey]bool),
	}

	var rows []bufferRow
	if err := db.Select(&rows, "SELECT * FROM buffers"); err != nil {
		return nil, fmt.Errorf("failed to load buffer records: %w", err)
	}
	for _, row := range rows {
		rec := row.record()
		s.records[recordKey{Name: rec.Name, Server: rec.Server}] = rec
	}

	return s, nil
}

// Close flushes pending writes and closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if err := s.Flush(); err != nil {
		logger.Log.Error().Err(err).Msg("Final receipt flush failed")
	}
	return s.db.Close()
}

// Put merges the incoming record into the store. Receipt timestamps only
// advance (a strictly-newer incoming value wins, anything else is ignored),
// the Delivered receipt is promoted so it never trails Read, and the unread
// level is overwritten whenever it differs. It reports whether anything
// actually changed, so callers can skip redundant persistence.
func (s *Store) Put(rec BufferRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, fmt.Errorf("receipt store is closed")
	}

	key := recordKey{Name: rec.Name, Server: rec.Server}
	prev, existed := s.records[key]

	next := prev
	next.Name = rec.Name
	next.Server = rec.Server

	changed := !existed

	if rec.Unread != prev.Unread {
		next.Unread = rec.Unread
		changed = true
	}
	if rec.Delivered.After(prev.Delivered) {
		next.Delivered = rec.Delivered
		changed = true
	}
	if rec.Read.After(prev.Read) {
		next.Read = rec.Read
		changed = true
	}
	// Store-level invariant: a read message was necessarily delivered
	if next.Delivered.Before(next.Read) {
		next.Delivered = next.Read
		changed = true
	}

	if !changed {
		return false, nil
	}

	s.records[key] = next
	s.dirty[key] = true
	delete(s.removed, key)
	s.scheduleFlushLocked()
	return true, nil
}

// Get returns the stored record for (identity, name)
func (s *Store) Get(identity ServerIdentity, name string) (BufferRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{Name: name, Server: identity}]
	return rec, ok
}

// List returns every stored record belonging to the given connection
// identity
func (s *Store) List(identity ServerIdentity) []BufferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []BufferRecord
	for key, rec := range s.records {
		if key.Server == identity {
			out = append(out, rec)
		}
	}
	return out
}

// Delete removes the record for (identity, name)
func (s *Store) Delete(identity ServerIdentity, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("receipt store is closed")
	}

	key := recordKey{Name: name, Server: identity}
	if _, ok := s.records[key]; !ok {
		return nil
	}
	delete(s.records, key)
	delete(s.dirty, key)
	s.removed[key] = true
	s.scheduleFlushLocked()
	return nil
}

// Clear removes every record belonging to the given connection identity
func (s *Store) Clear(identity ServerIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("receipt store is closed")
	}

	for key := range s.records {
		if key.Server == identity {
			delete(s.records, key)
			delete(s.dirty, key)
			s.removed[key] = true
		}
	}
	s.scheduleFlushLocked()
	return nil
}

// scheduleFlushLocked arms the coalescing flush timer, replacing any timer
// already pending; s.mu must be held
func (s *Store) scheduleFlushLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(constants.ReceiptFlushDelay, func() {
		if err := s.Flush(); err != nil {
			logger.Log.Error().Err(err).Msg("Receipt flush failed")
		}
	})
}

// Flush writes all pending record changes to sqlite in one transaction. A
// failed write puts the affected keys back into the pending set so the next
// flush retries them.
func (s *Store) Flush() error {
	s.mu.Lock()
	if len(s.dirty) == 0 && len(s.removed) == 0 {
		s.mu.Unlock()
		return nil
	}
	dirtyKeys := make([]recordKey, 0, len(s.dirty))
	upserts := make([]bufferRow, 0, len(s.dirty))
	for key := range s.dirty {
		dirtyKeys = append(dirtyKeys, key)
		upserts = append(upserts, rowOf(s.records[key]))
	}
	removals := make([]recordKey, 0, len(s.removed))
	for key := range s.removed {
		removals = append(removals, key)
	}
	s.dirty = make(map[recordKey]bool)
	s.removed = make(map[recordKey]bool)
	s.mu.Unlock()

	if err := s.writeBatch(upserts, removals); err != nil {
		s.mu.Lock()
		for _, key := range dirtyKeys {
			if _, ok := s.records[key]; ok {
				s.dirty[key] = true
			}
		}
		for _, key := range removals {
			if _, ok := s.records[key]; !ok {
				s.removed[key] = true
			}
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) writeBatch(upserts []bufferRow, removals []recordKey) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin flush transaction: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
		INSERT INTO buffers (name, server_url, nick, bouncer_network, unread, delivered_at, read_at)
		VALUES (:name, :server_url, :nick, :bouncer_network, :unread, :delivered_at, :read_at)
		ON CONFLICT (name, server_url, nick, bouncer_network) DO UPDATE SET
			unread = excluded.unread,
			delivered_at = excluded.delivered_at,
			read_at = excluded.read_at`

	for _, row := range upserts {
		if _, err := tx.NamedExec(upsert, row); err != nil {
			return fmt.Errorf("failed to upsert buffer record: %w", err)
		}
	}
	for _, key := range removals {
		_, err := tx.Exec(
			"DELETE FROM buffers WHERE name = ? AND server_url = ? AND nick = ? AND bouncer_network = ?",
			key.Name, key.Server.URL, key.Server.Nick, key.Server.BouncerNetwork)
		if err != nil {
			return fmt.Errorf("failed to delete buffer record: %w", err)
		}
	}

	return tx.Commit()
}

// SaveSetting stores v as a JSON settings record; a nil v deletes the key
func (s *Store) SaveSetting(key string, v interface{}) error {
	if v == nil {
		_, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key)
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode setting %q: %w", key, err)
	}
	_, err = s.db.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		key, string(raw))
	return err
}

// LoadSetting decodes the settings record for key into v; ok is false when
// the key is absent
func (s *Store) LoadSetting(key string, v interface{}) (bool, error) {
	var raw string
	err := s.db.Get(&raw, "SELECT value FROM settings WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("failed to decode setting %q: %w", key, err)
	}
	return true, nil
}

// ImportLegacyReceipts folds the old single-network "receipts" settings
// record into buffer records for the given identity, then removes it. It
// returns the number of conversations imported.
func (s *Store) ImportLegacyReceipts(identity ServerIdentity) (int, error) {
	var legacy legacyReceipts
	ok, err := s.LoadSetting(legacyReceiptsKey, &legacy)
	if err != nil || !ok {
		return 0, err
	}

	count := 0
	for target, kinds := range legacy {
		rec := BufferRecord{Name: target, Server: identity}
		if r, ok := kinds["delivered"]; ok {
			rec.Delivered = r.Time
		}
		if r, ok := kinds["read"]; ok {
			rec.Read = r.Time
		}
		changed, err := s.Put(rec)
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}

	if err := s.SaveSetting(legacyReceiptsKey, nil); err != nil {
		return count, err
	}
	logger.Log.Debug().Int("count", count).Msg("Imported legacy receipts")
	return count, nil
}
