package extraction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"invoice-agent/internal/clock"
	"invoice-agent/internal/domain"
	"invoice-agent/internal/logging"
	"invoice-agent/internal/metrics"
)

const (
	defaultAttempts = 2
	defaultBackoff  = 200 * time.Millisecond
	maxLoggedOutput = 500
)

// Generator is a language model: transcript and system prompt in, free text out.
type Generator interface {
	Generate(ctx context.Context, transcript []domain.ChatMessage, systemPrompt string) (string, error)
}

// Reason classifies an extraction failure.
type Reason string

const (
	ReasonUnparsable Reason = "unparsable"
	ReasonModelError Reason = "model_error"
)

// Failure means no structured data could be obtained for this turn.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("extraction: %s", f.Reason)
	}
	return fmt.Sprintf("extraction: %s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

var errNoJSON = errors.New("extraction: no JSON object in model output")

// Result is what one turn of extraction produced. Fields holds only values
// that passed validation; Rejected names the ones that were dropped.
type Result struct {
	Action   Action
	Fields   domain.InvoiceFields
	Rejected []string
	Reply    string
}

// Cancelled reports whether the user abandoned the invoice.
func (r Result) Cancelled() bool { return r.Action == ActionCancel }

type Options struct {
	// Attempts bounds calls per prompt when the model errors.
	Attempts int
	// Backoff is the initial wait between attempts.
	Backoff time.Duration
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Engine struct {
	gen      Generator
	attempts int
	backoff  time.Duration
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(gen Generator, opts Options) (*Engine, error) {
	if gen == nil {
		return nil, errors.New("extraction: generator must not be nil")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Engine{
		gen:      gen,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		clock:    opts.Clock,
		log:      logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
	}, nil
}

// Extract asks the model for invoice fields and validates its answer. Output
// without usable JSON is retried once with a stricter prompt; model errors
// are retried with exponential backoff. Both end in a *Failure.
func (e *Engine) Extract(ctx context.Context, transcript []domain.ChatMessage, known domain.InvoiceFields) (Result, error) {
	now := e.clock.Now()
	log := logging.WithContext(ctx, e.log)

	var lastErr error
	for i, prompt := range []string{buildSystemPrompt(now, known), buildStrictPrompt(now, known)} {
		raw, err := e.generate(ctx, transcript, prompt)
		if err != nil {
			log.Warn("model call failed", zap.Int("prompt", i), zap.Error(err))
			return Result{}, &Failure{Reason: ReasonModelError, Err: err}
		}

		res, err := parseOutput(raw, now, known)
		if err == nil {
			e.metrics.ExtractionAttempt(metrics.OutcomeOK)
			if len(res.Rejected) > 0 {
				log.Info("extraction dropped invalid fields", zap.Strings("fields", res.Rejected))
			}
			return res, nil
		}
		e.metrics.ExtractionAttempt(metrics.OutcomeRejected)
		log.Debug("model output not parsable",
			zap.Int("prompt", i),
			zap.String("output", logging.Truncate(raw, maxLoggedOutput)),
			zap.Error(err),
		)
		lastErr = err
	}
	return Result{}, &Failure{Reason: ReasonUnparsable, Err: lastErr}
}

func (e *Engine) generate(ctx context.Context, transcript []domain.ChatMessage, prompt string) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.backoff
	b.MaxInterval = 8 * e.backoff

	return backoff.Retry(ctx, func() (string, error) {
		raw, err := e.gen.Generate(ctx, transcript, prompt)
		if err != nil {
			e.metrics.ExtractionAttempt(metrics.OutcomeError)
			if ctx.Err() != nil {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return raw, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(e.attempts)))
}

func parseOutput(raw string, now time.Time, known domain.InvoiceFields) (Result, error) {
	payload, prose, ok := locateJSON(raw)
	if !ok {
		return Result{}, errNoJSON
	}
	action, fields, err := decodePayload(payload)
	if err != nil {
		return Result{}, err
	}

	res := Result{Action: action, Reply: prose}
	if action == ActionCancel {
		return res, nil
	}
	res.Fields, res.Rejected = parseFields(fields, now)

	// An invoice without a stated date is dated today.
	if res.Fields.InvoiceDate == nil && known.InvoiceDate == nil &&
		!res.Fields.IsEmpty() && !slices.Contains(res.Rejected, domain.FieldInvoiceDate) {
		today := domain.DateOf(now)
		res.Fields.InvoiceDate = &today
	}
	return res, nil
}
