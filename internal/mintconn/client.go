package mintconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/bardlex/ehashpool/internal/hub"
	"github.com/bardlex/ehashpool/internal/mintquote"
	"github.com/bardlex/ehashpool/internal/sv2"
	poolErrors "github.com/bardlex/ehashpool/pkg/errors"
	"github.com/bardlex/ehashpool/pkg/log"
	"github.com/bardlex/ehashpool/pkg/retry"
)

// ClientConfig configures the pool-side mint connection
type ClientConfig struct {
	MintAddr         string
	Vendor           string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	SetupTimeout     time.Duration
	ReconnectBackoff *retry.Config
}

// Dialer opens the raw transport to the mint
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Client keeps one connection to the mint alive, forwarding hub requests as
// frames and publishing the mint's responses and errors back to the hub.
type Client struct {
	cfg        ClientConfig
	hub        *hub.Hub
	handshaker Handshaker
	dial       Dialer
	sm         *StateMachine
	logger     *log.Logger

	forwarded atomic.Uint64
	received  atomic.Uint64
}

// NewClient creates a client. handshaker may be nil.
func NewClient(cfg ClientConfig, h *hub.Hub, handshaker Handshaker, logger *log.Logger) *Client {
	if handshaker == nil {
		handshaker = PlainHandshaker{}
	}
	if cfg.ReconnectBackoff == nil {
		cfg.ReconnectBackoff = retry.ReconnectConfig(500*time.Millisecond, 30*time.Second)
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 10 * time.Second
	}
	if cfg.Vendor == "" {
		cfg.Vendor = "ehashpool"
	}

	logger = logger.WithComponent("mint_client").WithFields("mint_addr", cfg.MintAddr)
	dialer := &net.Dialer{Timeout: cfg.SetupTimeout, KeepAlive: 30 * time.Second}

	return &Client{
		cfg:        cfg,
		hub:        h,
		handshaker: handshaker,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
		sm:     NewStateMachine(logger),
		logger: logger,
	}
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	return c.sm.State()
}

// Run connects and reconnects with backoff until ctx is done
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		ready, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			c.sm.Reset()
			return ctx.Err()
		}
		if ready {
			attempt = 0
		}
		if err == nil {
			err = errors.New("mint closed the connection")
		}
		c.sm.Error(err.Error())

		delay := c.cfg.ReconnectBackoff.Backoff(attempt)
		c.logger.WithError(err).Warn("mint connection lost, reconnecting",
			"attempt", attempt+1,
			"delay", delay.String(),
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			c.sm.Reset()
			return err
		}
		attempt++

		if c.sm.IsRecoverableError() {
			c.sm.Reset()
		}
	}
}

// connectOnce runs one connection until it drops. ready reports whether the
// connection reached Ready.
func (c *Client) connectOnce(ctx context.Context) (ready bool, err error) {
	conn, err := c.dial(ctx, c.cfg.MintAddr)
	if err != nil {
		return false, poolErrors.Wrap(err, poolErrors.ErrorTypeNetwork, "dial_mint", "failed to connect to mint")
	}
	if err := c.sm.TCPConnected(); err != nil {
		_ = conn.Close()
		return false, err
	}

	setupCtx, cancel := context.WithTimeout(ctx, c.cfg.SetupTimeout)
	defer cancel()

	secured, err := c.handshaker.Handshake(setupCtx, conn, true)
	if err != nil {
		_ = conn.Close()
		return false, poolErrors.Wrap(err, poolErrors.ErrorTypeNetwork, "handshake", "mint handshake failed")
	}
	if err := c.sm.NoiseHandshakeComplete(); err != nil {
		_ = secured.Close()
		return false, err
	}

	if err := c.setup(secured); err != nil {
		_ = secured.Close()
		return false, err
	}
	if err := c.sm.SetupConnectionAccepted(); err != nil {
		_ = secured.Close()
		return false, err
	}

	return true, c.serve(ctx, secured)
}

func (c *Client) setup(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(c.cfg.SetupTimeout)); err != nil {
		return err
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	msg := &sv2.SetupConnection{
		Protocol:   sv2.ProtocolMining,
		MinVersion: sv2.ProtocolVersion,
		MaxVersion: sv2.ProtocolVersion,
		Vendor:     c.cfg.Vendor,
	}
	frame, err := msg.Frame()
	if err != nil {
		return err
	}
	if err := sv2.WriteFrame(conn, frame); err != nil {
		return poolErrors.Wrap(err, poolErrors.ErrorTypeNetwork, "setup_connection", "failed to send SetupConnection")
	}

	reply, err := sv2.ReadFrame(conn)
	if err != nil {
		return poolErrors.Wrap(err, poolErrors.ErrorTypeNetwork, "setup_connection", "no SetupConnection reply")
	}
	if reply.Extension() != sv2.ExtensionTypeCore || reply.MsgType != sv2.MsgTypeSetupConnectionSuccess {
		return poolErrors.New(poolErrors.ErrorTypeProtocol, "setup_connection",
			fmt.Sprintf("unexpected reply type %#x", reply.MsgType))
	}
	success, err := sv2.DecodeSetupConnectionSuccess(reply.Payload)
	if err != nil {
		return poolErrors.Wrap(err, poolErrors.ErrorTypeProtocol, "setup_connection", "malformed SetupConnectionSuccess")
	}

	c.logger.Info("mint connection ready", "used_version", success.UsedVersion)
	return nil
}

// serve forwards hub requests to the mint and mint replies to the hub until
// the connection drops.
func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	session := sv2.NewSession("mint", conn, c.logger, c.cfg.ReadTimeout, c.cfg.WriteTimeout)

	connID := c.hub.RegisterConnection(hub.RoleMint)
	defer c.hub.UnregisterConnection(connID)

	requests := c.hub.SubscribeRequests()
	defer requests.Close()

	go c.forward(session, requests)

	err := session.Start(ctx, sv2.FrameHandlerFunc(c.handleFrame))
	if err == nil {
		err = io.EOF
	}
	return poolErrors.Wrap(err, poolErrors.ErrorTypeNetwork, "mint_session", "mint session ended")
}

func (c *Client) forward(session *sv2.Session, requests *hub.Subscription[*mintquote.ParsedMintQuoteRequest]) {
	for {
		select {
		case <-session.Done():
			return
		case req, ok := <-requests.C():
			if !ok {
				return
			}
			frame, err := mintquote.EncodeFrame(req.Request)
			if err != nil {
				c.logger.WithShareHash(req.ShareHash[:]).WithError(err).Error("failed to encode quote request")
				continue
			}
			if err := session.Send(frame); err != nil {
				c.logger.WithShareHash(req.ShareHash[:]).WithError(err).Warn("failed to queue quote request")
				continue
			}
			c.forwarded.Add(1)
		}
	}
}

func (c *Client) handleFrame(_ context.Context, _ *sv2.Session, f sv2.Frame) error {
	if f.Extension() != sv2.ExtensionTypeMintQuote || !mintquote.IsMintQuoteMsgType(f.MsgType) {
		c.logger.Debug("dropping non mint-quote frame", "msg_type", f.MsgType)
		return nil
	}

	msg, err := mintquote.DecodeFrame(f)
	if err != nil {
		return poolErrors.Wrap(err, poolErrors.ErrorTypeValidation, "decode_mint_reply", "malformed mint reply")
	}
	c.received.Add(1)

	switch m := msg.(type) {
	case *mintquote.MintQuoteResponse:
		event, err := c.hub.SendQuoteResponse(m)
		if err != nil && !errors.Is(err, hub.ErrNoReceivers) {
			return err
		}
		if err != nil {
			c.logger.WithQuote(m.QuoteID).Warn("no subscribers for quote response")
		}
		if event.Context != nil {
			c.logger.WithQuote(m.QuoteID).WithChannel(event.Context.ChannelID).Debug("quote response correlated")
		}
	case *mintquote.MintQuoteError:
		c.logger.Warn("mint rejected quote", "error_code", m.ErrorCode, "error_message", m.ErrorMessage)
		if err := c.hub.SendQuoteError(m); err != nil && !errors.Is(err, hub.ErrNoReceivers) {
			return err
		}
	case *mintquote.MintQuoteRequest, *mintquote.MintQuoteNotification:
		c.logger.Warn("unexpected mint-quote message from mint", "msg_type", m.MsgType())
	}
	return nil
}

// Forwarded returns how many requests were queued to the mint
func (c *Client) Forwarded() uint64 {
	return c.forwarded.Load()
}

// Received returns how many mint-quote replies were decoded
func (c *Client) Received() uint64 {
	return c.received.Load()
}
