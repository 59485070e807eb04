// Package main implements mintd, the mint-side bridge. It accepts SV2
// connections from pools and turns their mint-quote requests into quotes on
// the mint's HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bardlex/ehashpool/internal/cashu"
	"github.com/bardlex/ehashpool/internal/config"
	"github.com/bardlex/ehashpool/internal/hub"
	"github.com/bardlex/ehashpool/internal/mintapi"
	"github.com/bardlex/ehashpool/internal/mintconn"
	"github.com/bardlex/ehashpool/internal/mintquote"
	"github.com/bardlex/ehashpool/pkg/log"
)

const statsInterval = time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mintd",
		"version", cfg.Version,
		"listen_addr", cfg.MintListenAddr,
		"mint_http_url", cfg.MintHTTPURL,
	)

	service, err := NewMintService(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create mint service")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := service.Start(ctx); err != nil {
			logger.WithError(err).Error("mint server failed")
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

	logger.Info("mintd stopped")
}

// MintService serves pool connections on the mint side
type MintService struct {
	cfg       *config.Config
	logger    *log.Logger
	hub       *hub.Hub
	issuer    *mintapi.Client
	processor *mintconn.Processor
	server    *mintconn.Server
}

// NewMintService builds the listener and its quote processor
func NewMintService(cfg *config.Config, logger *log.Logger) (*MintService, error) {
	issuer, err := mintapi.New(mintapi.Config{BaseURL: cfg.MintHTTPURL, Timeout: cfg.MintHTTPTimeout})
	if err != nil {
		return nil, err
	}

	// the hub only tracks connections here
	registry := hub.New(logger, cfg.HubBufferSize)
	processor := mintconn.NewProcessor(issuer, logger)
	server := mintconn.NewServer(mintconn.ServerConfig{
		ListenAddr:   cfg.MintListenAddr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, processor, nil, registry, logger)

	return &MintService{
		cfg:       cfg,
		logger:    logger.WithComponent("mintd"),
		hub:       registry,
		issuer:    issuer,
		processor: processor,
		server:    server,
	}, nil
}

// Start serves until ctx is done
func (s *MintService) Start(ctx context.Context) error {
	go s.reportStats(ctx)
	go func() {
		checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := s.checkKeyset(checkCtx); err != nil {
			s.logger.WithError(err).Warn("mint HASH keyset unavailable")
		}
	}()
	return s.server.Start(ctx)
}

// checkKeyset loads the mint's HASH keyset and converts it to wire form. The
// wire id holds 8 bytes, so a shorter legacy id is reported.
func (s *MintService) checkKeyset(ctx context.Context) (*mintquote.WireKeyset, error) {
	keysets, err := s.issuer.Keysets(ctx)
	if err != nil {
		return nil, err
	}

	for _, ks := range keysets {
		if !strings.EqualFold(ks.Unit, cashu.CurrencyUnitHash) {
			continue
		}
		wire, err := mintquote.KeysetToWire(ks)
		if err != nil {
			return nil, fmt.Errorf("keyset %s: %w", ks.ID, err)
		}
		logger := s.logger.WithFields("keyset_id", ks.ID.String(), "wire_bytes", len(mintquote.EncodeKeyset(wire)))
		if !mintquote.KeysetIDFromUint64(wire.ID).Equal(ks.ID) {
			logger.Warn("keyset id changes in wire form",
				"wire_keyset_id", mintquote.KeysetIDFromUint64(wire.ID).String())
		}
		logger.Info("mint HASH keyset loaded")
		return wire, nil
	}
	return nil, fmt.Errorf("mint has no %s keyset", cashu.CurrencyUnitHash)
}

// Shutdown closes the listener and every pool session
func (s *MintService) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.logStats()
	return nil
}

func (s *MintService) reportStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStats()
		}
	}
}

func (s *MintService) logStats() {
	stats := s.processor.Stats()
	s.logger.Info("mint quote stats",
		"pool_sessions", s.hub.Stats().Connections[hub.RolePool],
		"requests", stats.Requests,
		"issued", stats.Issued,
		"failed", stats.Failed,
		"malformed", stats.Malformed,
		"mint_api_breaker", s.issuer.BreakerState().String(),
	)
}
