package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrQuoteNotFound is returned when no ledger row matches
var ErrQuoteNotFound = errors.New("quote not found")

// DBTX is satisfied by *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// QuoteRepository handles ledger operations
type QuoteRepository struct {
	db  DBTX
	now func() time.Time
}

// NewQuoteRepository creates a new quote repository
func NewQuoteRepository(db DBTX) *QuoteRepository {
	return &QuoteRepository{db: db, now: time.Now}
}

// CreateQuote inserts a quote. A quote id seen before is left untouched and
// its existing row id is returned.
func (r *QuoteRepository) CreateQuote(ctx context.Context, q *Quote) error {
	query := `
		INSERT INTO ehash_quotes (quote_id, share_hash, channel_id, sequence_number, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (quote_id) DO UPDATE SET quote_id = EXCLUDED.quote_id
		RETURNING id, created_at`

	now := r.now()
	if q.Status == "" {
		q.Status = QuoteStatusPending
	}

	// amounts go up to 2^63, past BIGINT, so they travel as decimal text
	err := r.db.QueryRowContext(ctx, query,
		q.QuoteID, q.ShareHash, int64(q.ChannelID), int64(q.SequenceNumber),
		strconv.FormatUint(q.Amount, 10), q.Status, now, now,
	).Scan(&q.ID, &q.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create quote: %w", err)
	}

	q.UpdatedAt = now
	return nil
}

// UpdateQuoteStatus moves a pending quote to status. Quotes already in a final
// status are not changed.
func (r *QuoteRepository) UpdateQuoteStatus(ctx context.Context, quoteID, status string) error {
	query := `UPDATE ehash_quotes SET status = $1, updated_at = $2 WHERE quote_id = $3 AND status = $4`

	res, err := r.db.ExecContext(ctx, query, status, r.now(), quoteID, QuoteStatusPending)
	if err != nil {
		return fmt.Errorf("failed to update quote status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrQuoteNotFound
	}
	return nil
}

// GetQuote retrieves a quote by its mint quote id
func (r *QuoteRepository) GetQuote(ctx context.Context, quoteID string) (*Quote, error) {
	query := `
		SELECT id, quote_id, share_hash, channel_id, sequence_number, amount::text, status, created_at, updated_at
		FROM ehash_quotes WHERE quote_id = $1`

	q, err := scanQuote(r.db.QueryRowContext(ctx, query, quoteID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQuoteNotFound
		}
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	return q, nil
}

// ListPendingQuotes returns pending quotes created after since, oldest first
func (r *QuoteRepository) ListPendingQuotes(ctx context.Context, since time.Time, limit int) ([]*Quote, error) {
	query := `
		SELECT id, quote_id, share_hash, channel_id, sequence_number, amount::text, status, created_at, updated_at
		FROM ehash_quotes
		WHERE status = $1 AND created_at > $2
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, QuoteStatusPending, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending quotes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var quotes []*Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quotes: %w", err)
	}
	return quotes, nil
}

// ExpireStaleQuotes marks pending quotes older than cutoff as expired
func (r *QuoteRepository) ExpireStaleQuotes(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE ehash_quotes SET status = $1, updated_at = $2 WHERE status = $3 AND created_at < $4`

	res, err := r.db.ExecContext(ctx, query, QuoteStatusExpired, r.now(), QuoteStatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire quotes: %w", err)
	}
	return res.RowsAffected()
}

// ChannelTotals sums paid and issued amounts per channel since the given time
func (r *QuoteRepository) ChannelTotals(ctx context.Context, since time.Time) ([]ChannelTotal, error) {
	query := `
		SELECT channel_id, COUNT(*), COALESCE(SUM(amount), 0)::text
		FROM ehash_quotes
		WHERE status IN ($1, $2) AND created_at > $3
		GROUP BY channel_id
		ORDER BY channel_id`

	rows, err := r.db.QueryContext(ctx, query, QuoteStatusPaid, QuoteStatusIssued, since)
	if err != nil {
		return nil, fmt.Errorf("failed to sum channel totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var totals []ChannelTotal
	for rows.Next() {
		var (
			channelID int64
			total     ChannelTotal
			amount    string
		)
		if err := rows.Scan(&channelID, &total.Quotes, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan channel total: %w", err)
		}
		total.ChannelID = uint32(channelID)
		// sums across many 2^63 quotes can exceed uint64; saturate
		if total.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			total.Amount = ^uint64(0)
		}
		totals = append(totals, total)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel totals: %w", err)
	}
	return totals, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (*Quote, error) {
	var (
		q                     Quote
		channelID, sequenceNo int64
		amount                string
	)
	if err := row.Scan(&q.ID, &q.QuoteID, &q.ShareHash, &channelID, &sequenceNo,
		&amount, &q.Status, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	q.ChannelID = uint32(channelID)
	q.SequenceNumber = uint32(sequenceNo)
	q.Amount = parsed
	return &q, nil
}
