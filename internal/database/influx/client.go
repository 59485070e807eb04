// Package influx writes quote pipeline time series: valued shares, quote
// outcomes and hub backpressure.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements
const (
	MeasurementQuotes        = "ehash_quotes"
	MeasurementQuoteOutcomes = "ehash_quote_outcomes"
	MeasurementHub           = "ehash_hub"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Errors exposes asynchronous write errors
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// QuotePoint builds the point for one valued share
func QuotePoint(channelID uint32, leadingZeros uint32, amount uint64, dispatched bool, ts time.Time) *write.Point {
	tags := map[string]string{
		"channel_id": strconv.FormatUint(uint64(channelID), 10),
		"dispatched": strconv.FormatBool(dispatched),
	}
	fields := map[string]any{
		"leading_zeros": int64(leadingZeros),
		"amount":        amount,
		"count":         1,
	}
	return write.NewPoint(MeasurementQuotes, tags, fields, ts)
}

// OutcomePoint builds the point for a finished quote
func OutcomePoint(channelID uint32, outcome string, amount uint64, ts time.Time) *write.Point {
	tags := map[string]string{
		"channel_id": strconv.FormatUint(uint64(channelID), 10),
		"outcome":    outcome,
	}
	fields := map[string]any{
		"amount": amount,
		"count":  1,
	}
	return write.NewPoint(MeasurementQuoteOutcomes, tags, fields, ts)
}

// HubPoint builds the point for a hub stats snapshot
func HubPoint(pendingQuotes int, oldestPendingMs int64, lagged uint64, connections map[string]int, ts time.Time) *write.Point {
	fields := map[string]any{
		"pending_quotes":    int64(pendingQuotes),
		"oldest_pending_ms": oldestPendingMs,
		"lagged_messages":   lagged,
	}
	for role, n := range connections {
		fields["connections_"+role] = int64(n)
	}
	return write.NewPoint(MeasurementHub, map[string]string{}, fields, ts)
}

// WriteQuoteMetric records one valued share. The write is asynchronous.
func (c *Client) WriteQuoteMetric(channelID uint32, leadingZeros uint32, amount uint64, dispatched bool, ts time.Time) {
	c.writeAPI.WritePoint(QuotePoint(channelID, leadingZeros, amount, dispatched, ts))
}

// WriteOutcomeMetric records a finished quote
func (c *Client) WriteOutcomeMetric(channelID uint32, outcome string, amount uint64) {
	c.writeAPI.WritePoint(OutcomePoint(channelID, outcome, amount, time.Now()))
}

// WriteHubMetric records a hub stats snapshot
func (c *Client) WriteHubMetric(pendingQuotes int, oldestPendingMs int64, lagged uint64, connections map[string]int) {
	c.writeAPI.WritePoint(HubPoint(pendingQuotes, oldestPendingMs, lagged, connections, time.Now()))
}

// AmountByChannelQuery is the Flux query behind GetAmountByChannel
func AmountByChannelQuery(bucket string, duration time.Duration) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r._field == "amount")
		|> filter(fn: (r) => r.dispatched == "true")
		|> group(columns: ["channel_id"])
		|> sum()
	`, bucket, duration.String(), MeasurementQuotes)
}

// GetAmountByChannel sums dispatched ehash per channel over duration
func (c *Client) GetAmountByChannel(ctx context.Context, duration time.Duration) (map[uint32]uint64, error) {
	result, err := c.queryAPI.Query(ctx, AmountByChannelQuery(c.bucket, duration))
	if err != nil {
		return nil, fmt.Errorf("failed to query amounts: %w", err)
	}
	defer func() { _ = result.Close() }()

	totals := make(map[uint32]uint64)
	for result.Next() {
		record := result.Record()
		channel, ok := record.ValueByKey("channel_id").(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(channel, 10, 32)
		if err != nil {
			continue
		}
		switch v := record.Value().(type) {
		case uint64:
			totals[uint32(id)] = v
		case int64:
			totals[uint32(id)] = uint64(v)
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}
	return totals, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
