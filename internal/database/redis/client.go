// Package redis mirrors short-lived pool state, the poller's tracked quotes,
// so a restarted pool can resume where it left off.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

const trackedQuotePrefix = "ehash:quote:"

// Client wraps Redis operations
type Client struct {
	rdb redis.UniversalClient
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a client and pings the server
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Tracked quotes

func trackedQuoteKey(quoteID string) string {
	return trackedQuotePrefix + quoteID
}

// SetTrackedQuote stores data for quoteID with expiration
func (c *Client) SetTrackedQuote(ctx context.Context, quoteID string, data any, expiration time.Duration) error {
	jsonData, err := jsoniter.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal tracked quote: %w", err)
	}

	if err := c.rdb.Set(ctx, trackedQuoteKey(quoteID), jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set tracked quote: %w", err)
	}
	return nil
}

// DeleteTrackedQuote removes quoteID
func (c *Client) DeleteTrackedQuote(ctx context.Context, quoteID string) error {
	if err := c.rdb.Del(ctx, trackedQuoteKey(quoteID)).Err(); err != nil {
		return fmt.Errorf("failed to delete tracked quote: %w", err)
	}
	return nil
}

// ScanTrackedQuotes calls fn with the raw JSON of every tracked quote
func (c *Client) ScanTrackedQuotes(ctx context.Context, fn func(quoteID string, data []byte) error) error {
	iter := c.rdb.Scan(ctx, 0, trackedQuotePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := c.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// expired between SCAN and GET
				continue
			}
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		if err := fn(strings.TrimPrefix(key, trackedQuotePrefix), data); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan tracked quotes: %w", err)
	}
	return nil
}
