// Package main implements quoted, the pool-side ehash service. It values
// accepted shares, forwards quote requests to the mint over SV2 and tells
// downstream channels when their quotes are paid.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/ehashpool/internal/config"
	"github.com/bardlex/ehashpool/internal/database"
	"github.com/bardlex/ehashpool/internal/database/influx"
	"github.com/bardlex/ehashpool/internal/database/postgres"
	"github.com/bardlex/ehashpool/internal/database/redis"
	"github.com/bardlex/ehashpool/internal/dispatch"
	"github.com/bardlex/ehashpool/internal/hub"
	"github.com/bardlex/ehashpool/internal/messaging"
	"github.com/bardlex/ehashpool/internal/mintapi"
	"github.com/bardlex/ehashpool/internal/mintconn"
	"github.com/bardlex/ehashpool/internal/poller"
	"github.com/bardlex/ehashpool/pkg/log"
	"github.com/bardlex/ehashpool/pkg/retry"
)

const (
	statsInterval = time.Minute
	// statsWindow is the period channel totals are summed over
	statsWindow = time.Hour
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting quoted",
		"version", cfg.Version,
		"mint_addr", cfg.MintAddr,
		"quotes_enabled", cfg.QuotesEnabled,
		"min_leading_zeros", cfg.MinLeadingZeros,
	)

	dbManager, err := database.NewManager(storesConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to stores")
		os.Exit(1)
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Error("failed to close stores")
		}
	}()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = dbManager.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		logger.WithError(err).Error("failed to migrate quote ledger")
		os.Exit(1)
	}

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	service, err := NewQuoteService(cfg, logger, kafkaClient, dbManager)
	if err != nil {
		logger.WithError(err).Error("failed to create quote service")
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := service.Start(ctx); err != nil {
			logger.WithError(err).Error("quote service failed")
		}
		cancel()
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("quoted stopped")
}

// storesConfig enables each store whose address is configured
func storesConfig(cfg *config.Config) *database.Config {
	stores := &database.Config{}
	if cfg.PostgresHost != "" {
		stores.Postgres = &postgres.Config{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			Database: cfg.PostgresDB,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			SSLMode:  cfg.PostgresSSLMode,
		}
	}
	if cfg.RedisAddr != "" {
		stores.Redis = &redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}
	}
	if cfg.InfluxURL != "" {
		stores.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return stores
}

// QuoteService wires the pool side of the quote pipeline together
type QuoteService struct {
	cfg    *config.Config
	logger *log.Logger

	hub        *hub.Hub
	mintClient *mintconn.Client
	dispatcher *dispatch.Dispatcher
	poller     *poller.Poller
	db         *database.Manager
	kafka      *messaging.KafkaClient
	metering   *messaging.MeteringPublisher

	meteringQueue chan dispatch.QuoteEvent
	meteringDrops uint64
	dropsMu       sync.Mutex

	wg sync.WaitGroup
}

// NewQuoteService builds the service and its components
func NewQuoteService(cfg *config.Config, logger *log.Logger, kafkaClient *messaging.KafkaClient, db *database.Manager) (*QuoteService, error) {
	s := &QuoteService{
		cfg:           cfg,
		logger:        logger.WithComponent("quoted"),
		db:            db,
		kafka:         kafkaClient,
		metering:      messaging.NewMeteringPublisher(kafkaClient),
		meteringQueue: make(chan dispatch.QuoteEvent, cfg.DispatchQueueSize),
	}

	s.hub = hub.New(logger, cfg.HubBufferSize)

	s.mintClient = mintconn.NewClient(mintconn.ClientConfig{
		MintAddr:         cfg.MintAddr,
		Vendor:           cfg.MintVendor,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		SetupTimeout:     cfg.SetupTimeout,
		ReconnectBackoff: retry.ReconnectConfig(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
	}, s.hub, nil, logger)

	s.dispatcher = dispatch.New(dispatch.Config{
		MinLeadingZeros: cfg.MinLeadingZeros,
		Enabled:         cfg.QuotesEnabled,
		Workers:         cfg.DispatchWorkers,
		QueueSize:       cfg.DispatchQueueSize,
	}, s.hub, logger, s.onQuoteEvent)

	status, err := mintapi.New(mintapi.Config{BaseURL: cfg.MintHTTPURL, Timeout: cfg.MintHTTPTimeout})
	if err != nil {
		return nil, err
	}

	opts := []poller.Option{poller.WithLedger(db)}
	if mirror := db.TrackingMirror(cfg.QuoteTimeout); mirror != nil {
		opts = append(opts, poller.WithMirror(mirror))
	}
	s.poller = poller.New(&poller.Config{
		PollInterval: cfg.QuotePollInterval,
		QuoteTimeout: cfg.QuoteTimeout,
	}, s.hub, status, messaging.NewNotificationPublisher(kafkaClient), logger, opts...)

	return s, nil
}

// Start runs every component until ctx is done
func (s *QuoteService) Start(ctx context.Context) error {
	s.logger.Info("quote service starting")

	if _, err := s.poller.Restore(ctx); err != nil {
		s.logger.WithError(err).Warn("failed to restore tracked quotes")
	}

	s.dispatcher.Start(ctx)
	s.db.StartPeriodicTasks(ctx, s.cfg.QuoteTimeout, s.hub.Stats)

	s.goRun("hub_reaper", func() error {
		s.hub.RunReaper(ctx, s.cfg.HubReapInterval, s.cfg.HubPendingTTL)
		return nil
	})
	s.goRun("metering", func() error {
		s.publishMetering(ctx)
		return nil
	})
	s.goRun("stats", func() error {
		s.reportStats(ctx)
		return nil
	})
	s.goRun("poller", func() error { return s.poller.Run(ctx) })
	s.goRun("mint_client", func() error { return s.mintClient.Run(ctx) })
	s.goRun("share_consumer", func() error {
		return s.kafka.StartConsumer(ctx, messaging.TopicAcceptedShares, s.cfg.KafkaGroupID,
			messaging.MessageHandlerFunc(s.handleAcceptedShare))
	})

	<-ctx.Done()
	return nil
}

func (s *QuoteService) goRun(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Error("component stopped", "component", name)
		}
	}()
}

// Shutdown stops the dispatcher and waits for the components to return
func (s *QuoteService) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down quote service")

	if err := s.dispatcher.Shutdown(ctx); err != nil {
		return fmt.Errorf("dispatcher shutdown: %w", err)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	stats := s.dispatcher.Stats()
	s.logger.Info("quote service stopped",
		"submitted", stats.Submitted,
		"dispatched", stats.Dispatched,
		"dropped", stats.Dropped,
		"tracked_quotes", s.poller.Tracked(),
	)
	return nil
}

func (s *QuoteService) reportStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStats(ctx)
		}
	}
}

// logStats logs pipeline counters, store health and per-channel totals
func (s *QuoteService) logStats(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.db.Health(ctx); err != nil {
		s.logger.WithError(err).Warn("store health check failed")
	}

	stats := s.dispatcher.Stats()
	hubStats := s.hub.Stats()
	s.logger.Info("quote pipeline stats",
		"submitted", stats.Submitted,
		"dispatched", stats.Dispatched,
		"dropped", stats.Dropped,
		"tracked_quotes", s.poller.Tracked(),
		"pending_quotes", hubStats.PendingQuotes,
	)

	summaries, err := s.db.ChannelSummaries(ctx, statsWindow)
	if err != nil {
		s.logger.WithError(err).Warn("failed to read channel totals")
	}
	for _, cs := range summaries {
		s.logger.WithChannel(cs.ChannelID).Info("channel totals",
			"window", statsWindow.String(),
			"paid_quotes", cs.PaidQuotes,
			"paid_amount", cs.PaidAmount,
			"dispatched_amount", cs.DispatchedAmount,
		)
	}
}

// handleAcceptedShare feeds one accepted-share message to the dispatcher.
// Malformed messages are skipped.
func (s *QuoteService) handleAcceptedShare(_ context.Context, _ string, value []byte) error {
	msg, err := messaging.DecodeAcceptedShare(value)
	if err != nil {
		return err
	}
	headerHash, lockingKey, err := msg.Bytes()
	if err != nil {
		return err
	}
	s.dispatcher.SubmitQuote(headerHash, lockingKey, msg.ChannelID, msg.SequenceNumber)
	return nil
}

// onQuoteEvent runs on the share path: it must not block
func (s *QuoteService) onQuoteEvent(ev dispatch.QuoteEvent) {
	s.db.RecordQuoteEvent(ev)

	select {
	case s.meteringQueue <- ev:
	default:
		s.dropsMu.Lock()
		s.meteringDrops++
		drops := s.meteringDrops
		s.dropsMu.Unlock()
		if drops%1000 == 1 {
			s.logger.Warn("metering queue full, dropping events", "dropped_total", drops)
		}
	}
}

func (s *QuoteService) publishMetering(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.meteringQueue:
			msg := &messaging.MeteringEvent{
				ChannelID:      ev.ChannelID,
				SequenceNumber: ev.SequenceNumber,
				ShareHash:      ev.ShareHash,
				LeadingZeros:   ev.LeadingZeros,
				Amount:         ev.Amount,
				Dispatched:     ev.Dispatched,
				Timestamp:      ev.Timestamp,
			}
			if err := s.metering.Publish(ctx, msg); err != nil {
				s.logger.WithChannel(ev.ChannelID).WithError(err).Warn("failed to publish metering event")
			}
		}
	}
}
