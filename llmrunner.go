package dialogdriver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// GenUsage is token usage reported by a single generation call.
type GenUsage struct {
	InputTokens  int
	OutputTokens int
}

// GenRequest is one provider-agnostic generation request: the assembled
// context, the projected tool set, and per-member model parameters.
type GenRequest struct {
	Provider    string
	Model       string
	Messages    []ChatMessage
	Tools       []ToolDefinition
	ModelParams map[string]any
}

// GenResult is a non-streaming generator's output.
type GenResult struct {
	Messages    []ChatMessage
	Usage       GenUsage
	LLMGenModel string
}

// Generator is the non-streaming half of the LLM generator collaborator
// contract: genMoreMessages.
type Generator interface {
	GenMoreMessages(ctx context.Context, req GenRequest) (GenResult, error)
}

// WebSearchCall is an emitted built-in web-search call, passed through the
// streaming receiver surface untouched.
type WebSearchCall struct {
	Query string
	Raw   json.RawMessage
}

// StreamReceiver is the callback surface a streaming generator drives
// sequentially as it decodes the provider's wire format: genToReceiver's
// "receiver" parameter.
type StreamReceiver interface {
	ThinkingStart()
	ThinkingChunk(text string)
	ThinkingFinish()
	SayingStart()
	SayingChunk(text string)
	SayingFinish()
	FuncCall(callID, name string, args json.RawMessage)
	WebSearchCall(call WebSearchCall)
	StreamError(detail string)
}

// StreamGenerator is the streaming half of the LLM generator collaborator
// contract: genToReceiver.
type StreamGenerator interface {
	GenToReceiver(ctx context.Context, req GenRequest, receiver StreamReceiver, genSeq int) (GenUsage, error)
}

// GeneratorResolver resolves a provider+model pair to its generator,
// picking streaming or non-streaming per the member's configuration. The
// concrete provider wire protocols behind the returned generators are out
// of scope.
type GeneratorResolver interface {
	Resolve(ctx context.Context, provider, model string) (Generator, StreamGenerator, error)
}

// HTTPStatusError wraps a provider transport error with its HTTP status
// code, when known.
type HTTPStatusError struct {
	Status int
	Err    error
}

func (e *HTTPStatusError) Error() string { return e.Err.Error() }
func (e *HTTPStatusError) Unwrap() error { return e.Err }

// ErrAbort marks a request cancelled by the caller's abort token, always
// classified fatal.
var ErrAbort = errors.New("aborted")

type failureClass int

const (
	classFatal failureClass = iota
	classRetriable
	classRejected
)

var transportRetriablePatterns = []string{
	"fetch failed", "socket hang up", "terminated",
	"etimedout", "econnreset", "econnrefused", "eai_again",
	"enotfound", "enetunreach", "ehostunreach",
	"undici", "timeout", "rate limit", "rate_limit", "too many requests",
}

// classify implements the failure classification of the component design:
// transport-level strings, retriable socket codes, and HTTP 408, 429 and
// 5xx are retriable; any other 4xx is rejected; aborts and anything
// unrecognized are fatal.
func classify(err error) (failureClass, int) {
	if err == nil {
		return classFatal, 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrAbort) {
		return classFatal, 0
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Status == 408, statusErr.Status == 429, statusErr.Status >= 500:
			return classRetriable, statusErr.Status
		case statusErr.Status >= 400:
			return classRejected, statusErr.Status
		}
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range transportRetriablePatterns {
		if strings.Contains(msg, pat) {
			return classRetriable, 0
		}
	}
	return classFatal, 0
}

// llmRunner implements the LLM request runner (component design §4.6):
// failure classification, capped exponential backoff honoring the abort
// token, and conversion of exhausted retries into a DialogInterrupted.
type llmRunner struct {
	maxRetries  int
	baseDelay   time.Duration
	logger      zerolog.Logger
	persistence Persistence
	events      EventBus
}

func newLLMRunner(maxRetries int, logger zerolog.Logger, persistence Persistence, events EventBus) *llmRunner {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &llmRunner{
		maxRetries:  maxRetries,
		baseDelay:   time.Second,
		logger:      logger.With().Str("component", "llmrunner").Logger(),
		persistence: persistence,
		events:      events,
	}
}

// newBackoff builds the capped, unjittered exponential policy the
// component design specifies: min(30s, baseDelay*2^attempt). Tests override
// baseDelay to keep retry coverage fast.
func (r *llmRunner) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Second
	b.Reset()
	return b
}

// run executes doRequest, making at most maxRetries attempts in total and
// retrying retriable failures while canRetry() reports true, sleeping the capped backoff between
// attempts and honoring ctx cancellation during the sleep. Rejected
// failures and retry exhaustion both terminate the calling drive.
func (r *llmRunner) run(ctx context.Context, providerName string, dialogID DialogID, canRetry func() bool, doRequest func(ctx context.Context) error) error {
	b := r.newBackoff()
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := doRequest(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		class, status := classify(err)
		switch class {
		case classFatal:
			return err
		case classRejected:
			r.logger.Error().Str("provider", providerName).Int("status", status).Err(err).Msg("llm request rejected")
			detail := providerName + ": " + err.Error()
			if r.persistence != nil {
				_ = r.persistence.UpsertProblem(ctx, Problem{DialogID: dialogID, Kind: "llm_rejected", Detail: detail, OccurredAt: Now()})
			}
			if r.events != nil {
				r.events.PostDialogEvent(ctx, DialogEvent{Kind: EventStreamError, DialogID: dialogID, Detail: detail})
			}
			return &DialogInterrupted{Reason: StopSystem, Detail: detail}
		case classRetriable:
			if !canRetry() || attempt == r.maxRetries-1 {
				r.logger.Warn().Str("provider", providerName).Int("attempt", attempt+1).Err(err).Msg("llm retries exhausted")
				return &DialogInterrupted{Reason: StopSystem, Detail: providerName + ": " + err.Error()}
			}
			delay := b.NextBackOff()
			r.logger.Warn().Str("provider", providerName).Int("attempt", attempt+1).Dur("delay", delay).Err(err).Msg("llm request retriable, backing off")
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}
