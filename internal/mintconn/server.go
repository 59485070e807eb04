package mintconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/ehashpool/internal/hub"
	"github.com/bardlex/ehashpool/internal/sv2"
	"github.com/bardlex/ehashpool/pkg/log"
)

// ConnectionRegistry tracks live connections by role
type ConnectionRegistry interface {
	RegisterConnection(role hub.Role) hub.ConnectionID
	UnregisterConnection(id hub.ConnectionID)
}

// ServerConfig configures the mint-side listener
type ServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server accepts pool connections on the mint side and feeds their quote
// requests to a Processor.
type Server struct {
	cfg        ServerConfig
	processor  *Processor
	handshaker Handshaker
	registry   ConnectionRegistry
	logger     *log.Logger

	listener net.Listener
	sessions map[string]*sv2.Session
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewServer creates a server. handshaker and registry may be nil.
func NewServer(cfg ServerConfig, processor *Processor, handshaker Handshaker, registry ConnectionRegistry, logger *log.Logger) *Server {
	if handshaker == nil {
		handshaker = PlainHandshaker{}
	}
	return &Server{
		cfg:        cfg,
		processor:  processor,
		handshaker: handshaker,
		registry:   registry,
		logger:     logger.WithComponent("mint_server"),
		sessions:   make(map[string]*sv2.Session),
	}
}

// Start listens on the configured address and serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is done or the listener closes
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("mint server listening", "address", listener.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	sessionID := uuid.NewString()
	logger := s.logger.WithFields("session_id", sessionID)
	sm := NewStateMachine(logger)
	_ = sm.TCPConnected()

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout(s.cfg.ReadTimeout))
	secured, err := s.handshaker.Handshake(hsCtx, conn, false)
	cancel()
	if err != nil {
		sm.Error(err.Error())
		logger.WithError(err).Warn("handshake failed")
		_ = conn.Close()
		return
	}
	_ = sm.NoiseHandshakeComplete()

	session := sv2.NewSession(sessionID, secured, s.logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
	// unauthenticated until SetupConnection succeeds
	session.SetMaxPayload(sv2.MaxSetupPayloadSize)

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	var connID hub.ConnectionID
	if s.registry != nil {
		connID = s.registry.RegisterConnection(hub.RolePool)
	}

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		if s.registry != nil {
			s.registry.UnregisterConnection(connID)
		}
		sm.Reset()
	}()

	handler := &serverConnHandler{sm: sm, processor: s.processor, logger: logger}
	if err := session.Start(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		sm.Error(err.Error())
		logger.WithError(err).Warn("pool session ended with error")
	}
}

// serverConnHandler gates quote traffic behind SetupConnection
type serverConnHandler struct {
	sm        *StateMachine
	processor *Processor
	logger    *log.Logger
}

func (h *serverConnHandler) HandleFrame(ctx context.Context, s *sv2.Session, f sv2.Frame) error {
	if h.sm.IsReady() {
		return h.processor.Process(ctx, s, f)
	}

	if f.Extension() != sv2.ExtensionTypeCore || f.MsgType != sv2.MsgTypeSetupConnection {
		h.logger.Warn("dropping frame before setup", "msg_type", f.MsgType)
		return nil
	}

	setup, err := sv2.DecodeSetupConnection(f.Payload)
	if err != nil {
		h.sm.Error(err.Error())
		s.Close()
		return fmt.Errorf("malformed SetupConnection: %w", err)
	}
	if !setup.SupportsVersion(sv2.ProtocolVersion) {
		msg := fmt.Sprintf("unsupported protocol versions %d-%d", setup.MinVersion, setup.MaxVersion)
		h.sm.Error(msg)
		s.Close()
		return errors.New(msg)
	}

	reply := &sv2.SetupConnectionSuccess{UsedVersion: sv2.ProtocolVersion, Flags: 0}
	if err := s.Send(reply.Frame()); err != nil {
		return err
	}
	if err := h.sm.SetupConnectionAccepted(); err != nil {
		return err
	}
	s.SetMaxPayload(sv2.MaxPayloadSize)

	h.logger.Info("pool connection ready", "vendor", setup.Vendor)
	return nil
}

// Addr returns the listener address once serving
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionCount returns the number of live pool sessions
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown closes the listener and all sessions and waits for their handlers
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down mint server")

	s.mu.RLock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("failed to close listener", "error", err)
		}
	}
	for _, session := range s.sessions {
		session.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func handshakeTimeout(readTimeout time.Duration) time.Duration {
	if readTimeout > 0 {
		return readTimeout
	}
	return 10 * time.Second
}
