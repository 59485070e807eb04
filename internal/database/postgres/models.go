package postgres

import (
	"time"
)

// Quote statuses
const (
	QuoteStatusPending = "pending"
	QuoteStatusPaid    = "paid"
	QuoteStatusIssued  = "issued"
	QuoteStatusExpired = "expired"
)

// Quote is one ledger row
type Quote struct {
	ID             int64     `db:"id"`
	QuoteID        string    `db:"quote_id"`
	ShareHash      string    `db:"share_hash"`
	ChannelID      uint32    `db:"channel_id"`
	SequenceNumber uint32    `db:"sequence_number"`
	Amount         uint64    `db:"amount"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// ChannelTotal sums amounts for one channel
type ChannelTotal struct {
	ChannelID uint32
	Quotes    int64
	Amount    uint64
}
