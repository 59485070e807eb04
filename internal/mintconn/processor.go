package mintconn

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bardlex/ehashpool/internal/cashu"
	"github.com/bardlex/ehashpool/internal/mintquote"
	"github.com/bardlex/ehashpool/internal/sv2"
	"github.com/bardlex/ehashpool/pkg/errors"
	"github.com/bardlex/ehashpool/pkg/log"
)

// Issuer creates mint quotes for mining shares
type Issuer interface {
	IssueQuote(ctx context.Context, req *cashu.MiningShareQuoteRequest) (*cashu.MintQuote, error)
}

// FrameSender queues frames on a connection
type FrameSender interface {
	Send(f sv2.Frame) error
}

// ProcessorStats counts processed quote traffic
type ProcessorStats struct {
	Requests  uint64
	Issued    uint64
	Failed    uint64
	Malformed uint64
	Ignored   uint64
}

// Processor handles mint-quote frames on the mint side
type Processor struct {
	issuer Issuer
	logger *log.Logger

	requests  atomic.Uint64
	issued    atomic.Uint64
	failed    atomic.Uint64
	malformed atomic.Uint64
	ignored   atomic.Uint64
}

// NewProcessor creates a processor backed by issuer
func NewProcessor(issuer Issuer, logger *log.Logger) *Processor {
	return &Processor{
		issuer: issuer,
		logger: logger.WithComponent("quote_processor"),
	}
}

// Process handles one inbound frame. Frames outside the mint-quote range are
// logged and dropped. A returned error concerns this frame only.
func (p *Processor) Process(ctx context.Context, out FrameSender, f sv2.Frame) error {
	if f.Extension() != sv2.ExtensionTypeMintQuote || !mintquote.IsMintQuoteMsgType(f.MsgType) {
		p.ignored.Add(1)
		p.logger.Debug("dropping non mint-quote frame",
			"extension_type", f.ExtensionType,
			"msg_type", f.MsgType,
		)
		return nil
	}

	if f.MsgType != mintquote.MsgTypeMintQuoteRequest {
		p.ignored.Add(1)
		p.logger.Warn("unexpected mint-quote message on mint side", "msg_type", f.MsgType)
		return nil
	}

	p.requests.Add(1)

	msg, err := mintquote.DecodeMessage(f.MsgType, f.Payload)
	if err != nil {
		p.malformed.Add(1)
		return errors.Wrap(err, errors.ErrorTypeValidation, "decode_quote_request", "malformed request frame")
	}

	var req *mintquote.MintQuoteRequest
	switch m := msg.(type) {
	case *mintquote.MintQuoteRequest:
		req = m
	default:
		p.malformed.Add(1)
		return errors.New(errors.ErrorTypeProtocol, "decode_quote_request", fmt.Sprintf("decoded %T for request type", m))
	}

	parsed, err := mintquote.ParseRequest(req)
	if err != nil {
		p.malformed.Add(1)
		return errors.Wrap(err, errors.ErrorTypeValidation, "parse_quote_request", "invalid request")
	}
	domain, err := parsed.ToDomain()
	if err != nil {
		p.malformed.Add(1)
		return errors.Wrap(err, errors.ErrorTypeValidation, "convert_quote_request", "invalid request")
	}

	logger := p.logger.WithShareHash(parsed.ShareHash[:])
	start := time.Now()

	quote, err := p.issuer.IssueQuote(ctx, domain)
	if err != nil {
		p.failed.Add(1)
		logger.WithError(err).Warn("quote issuance failed", "amount", req.Amount)
		return p.send(out, mintquote.NewMintQuoteError(mintquote.ErrorCodeGeneric, err.Error()))
	}

	p.issued.Add(1)
	logger.WithQuote(quote.ID).Info("quote issued",
		"amount", req.Amount,
		"amount_issued", quote.AmountIssued,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return p.send(out, mintquote.ResponseFromQuote(quote, parsed.ShareHash))
}

func (p *Processor) send(out FrameSender, msg mintquote.Message) error {
	frame, err := mintquote.EncodeFrame(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode_quote_reply", "failed to encode reply")
	}
	if err := out.Send(frame); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "send_quote_reply", "failed to queue reply")
	}
	return nil
}

// Stats returns processor counters
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Requests:  p.requests.Load(),
		Issued:    p.issued.Load(),
		Failed:    p.failed.Load(),
		Malformed: p.malformed.Load(),
		Ignored:   p.ignored.Load(),
	}
}
