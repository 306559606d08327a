package storage

import (
	"time"

	"github.com/palaverchat/palaver/internal/state"
)

// ServerIdentity identifies the connection owning a persisted buffer
// record. The same nick on two different servers, or on two bouncer
// networks behind the same server, never collides.
type ServerIdentity struct {
	URL            string `json:"url"`
	Nick           string `json:"nick"`
	BouncerNetwork string `json:"bouncerNetwork,omitempty"`
}

// BufferRecord is the durable per-conversation state: unread level plus
// delivery/read receipt timestamps. A zero timestamp means the receipt has
// never been set.
type BufferRecord struct {
	Name      string
	Server    ServerIdentity
	Unread    state.UnreadLevel
	Delivered time.Time
	Read      time.Time
}

// recordKey is the in-memory map key for a buffer record
type recordKey struct {
	Name   string
	Server ServerIdentity
}

// bufferRow is the sqlite row shape of a BufferRecord
type bufferRow struct {
	Name           string     `db:"name"`
	ServerURL      string     `db:"server_url"`
	Nick           string     `db:"nick"`
	BouncerNetwork string     `db:"bouncer_network"`
	Unread         string     `db:"unread"`
	DeliveredAt    *time.Time `db:"delivered_at"`
	ReadAt         *time.Time `db:"read_at"`
}

func (r bufferRow) record() BufferRecord {
	rec := BufferRecord{
		Name: r.Name,
		Server: ServerIdentity{
			URL:            r.ServerURL,
			Nick:           r.Nick,
			BouncerNetwork: r.BouncerNetwork,
		},
		Unread: state.ParseUnreadLevel(r.Unread),
	}
	if r.DeliveredAt != nil {
		rec.Delivered = *r.DeliveredAt
	}
	if r.ReadAt != nil {
		rec.Read = *r.ReadAt
	}
	return rec
}

func rowOf(rec BufferRecord) bufferRow {
	row := bufferRow{
		Name:           rec.Name,
		ServerURL:      rec.Server.URL,
		Nick:           rec.Server.Nick,
		BouncerNetwork: rec.Server.BouncerNetwork,
		Unread:         rec.Unread.String(),
	}
	if !rec.Delivered.IsZero() {
		t := rec.Delivered
		row.DeliveredAt = &t
	}
	if !rec.Read.IsZero() {
		t := rec.Read
		row.ReadAt = &t
	}
	return row
}

// legacyReceipts is the shape of the old single-network "receipts" setting:
// target name to receipt-kind to timestamp
type legacyReceipts map[string]map[string]struct {
	Time time.Time `json:"time"`
}
