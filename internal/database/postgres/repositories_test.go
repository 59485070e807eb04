package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testRepository(t *testing.T) *QuoteRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client, err := NewClient(&Config{
		Host: "localhost", Port: 5432, Database: "ehash_test",
		User: "postgres", Password: "postgres", SSLMode: "disable",
		MaxOpenConns: 2, MaxIdleConns: 1, MaxLifetime: time.Minute,
	})
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewQuoteRepository(client.DB())
}

func TestQuoteRepository_Lifecycle(t *testing.T) {
	repo := testRepository(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := fmt.Sprintf("test-%d-", time.Now().UnixNano())
	channelID := uint32(time.Now().UnixNano()%1_000_000) + 4_000_000_000
	t.Cleanup(func() {
		_, _ = repo.db.ExecContext(context.Background(), `DELETE FROM ehash_quotes WHERE quote_id LIKE $1`, prefix+"%")
	})

	start := time.Now().Add(-time.Second)
	for i, amount := range []uint64{1 << 63, 16, 4} {
		q := &Quote{QuoteID: fmt.Sprintf("%s%d", prefix, i), ShareHash: "00ff", ChannelID: channelID, SequenceNumber: uint32(i), Amount: amount}
		if err := repo.CreateQuote(ctx, q); err != nil {
			t.Fatalf("CreateQuote() error = %v", err)
		}
		if q.ID == 0 || q.Status != QuoteStatusPending {
			t.Errorf("created quote = %+v", q)
		}
	}

	got, err := repo.GetQuote(ctx, prefix+"0")
	if err != nil {
		t.Fatalf("GetQuote() error = %v", err)
	}
	if got.ChannelID != channelID || got.Amount != 1<<63 || got.Status != QuoteStatusPending {
		t.Errorf("GetQuote() = %+v", got)
	}
	if _, err := repo.GetQuote(ctx, prefix+"missing"); !errors.Is(err, ErrQuoteNotFound) {
		t.Errorf("GetQuote(missing) error = %v, want ErrQuoteNotFound", err)
	}

	pending, err := repo.ListPendingQuotes(ctx, start, 1000)
	if err != nil {
		t.Fatalf("ListPendingQuotes() error = %v", err)
	}
	mine := 0
	for _, q := range pending {
		if q.ChannelID == channelID {
			mine++
		}
	}
	if mine != 3 {
		t.Errorf("ListPendingQuotes() returned %d of our quotes, want 3", mine)
	}

	if err := repo.UpdateQuoteStatus(ctx, prefix+"0", QuoteStatusPaid); err != nil {
		t.Fatalf("UpdateQuoteStatus() error = %v", err)
	}
	if err := repo.UpdateQuoteStatus(ctx, prefix+"1", QuoteStatusIssued); err != nil {
		t.Fatalf("UpdateQuoteStatus() error = %v", err)
	}
	// final statuses do not move
	if err := repo.UpdateQuoteStatus(ctx, prefix+"0", QuoteStatusExpired); !errors.Is(err, ErrQuoteNotFound) {
		t.Errorf("UpdateQuoteStatus() on a final quote = %v, want ErrQuoteNotFound", err)
	}

	totals, err := repo.ChannelTotals(ctx, start)
	if err != nil {
		t.Fatalf("ChannelTotals() error = %v", err)
	}
	var total *ChannelTotal
	for i := range totals {
		if totals[i].ChannelID == channelID {
			total = &totals[i]
		}
	}
	if total == nil || total.Quotes != 2 || total.Amount != 1<<63+16 {
		t.Errorf("channel total = %+v, want 2 quotes summing %d", total, uint64(1<<63+16))
	}

	if _, err := repo.ExpireStaleQuotes(ctx, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("ExpireStaleQuotes() error = %v", err)
	}
	got, err = repo.GetQuote(ctx, prefix+"2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != QuoteStatusExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}
}
