package constants

import "time"

// Connection timing constants
const (
	// ReconnectDelay is the delay before a single reconnect attempt after an
	// unexpected transport close
	ReconnectDelay = 10 * time.Second

	// HistoryTimeout bounds how long a CHATHISTORY roundtrip may stay
	// outstanding; a connection that closed mid-request resolves through it
	HistoryTimeout = 30 * time.Second
)

// Chat history pagination constants
const (
	// ChatHistoryPageSize is the number of messages requested per CHATHISTORY page
	ChatHistoryPageSize = 100

	// ChatHistoryMaxSize bounds the total number of messages a gap-fill chain
	// may fetch before failing
	ChatHistoryMaxSize = 4000
)

// Persistence timing constants
const (
	// ReceiptFlushDelay coalesces receipt-store writes under bursty traffic
	ReceiptFlushDelay = 500 * time.Millisecond
)
