package dialogdriver

import (
	"context"
	"sync"
)

// abortToken tracks one dialog's cancellation state: the derived context
// drives propagate into LLM requests, backoff sleeps, tool calls, and the
// parser's chunk intake, plus the first-writer-wins stop reason.
type abortToken struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	reason  InterruptReason
	detail  string
}

func (t *abortToken) stop(reason InterruptReason, detail string) {
	t.mu.Lock()
	first := !t.stopped
	if first {
		t.stopped = true
		t.reason = reason
		t.detail = detail
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *abortToken) snapshot() (InterruptReason, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.detail, t.stopped
}

// abortRegistry is the global (to the Driver) map from DialogID to its
// current drive's abort token, registered fresh at the start of every
// drive invocation and cleared when the drive returns.
type abortRegistry struct {
	mu     sync.Mutex
	tokens map[string]*abortToken
}

func newAbortRegistry() *abortRegistry {
	return &abortRegistry{tokens: make(map[string]*abortToken)}
}

// Register creates a fresh abort token for id's current drive, deriving ctx
// from parent. The returned release func must be called when the drive
// returns, regardless of outcome.
func (r *abortRegistry) Register(parent context.Context, id DialogID) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	tok := &abortToken{cancel: cancel}

	r.mu.Lock()
	r.tokens[id.Key()] = tok
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		if r.tokens[id.Key()] == tok {
			delete(r.tokens, id.Key())
		}
		r.mu.Unlock()
		cancel()
	}
	return ctx, release
}

// Stop requests cancellation of id's in-flight drive with the given reason,
// if one is registered. Repeated calls are idempotent: the first reason
// recorded wins.
func (r *abortRegistry) Stop(id DialogID, reason InterruptReason, detail string) {
	r.mu.Lock()
	tok := r.tokens[id.Key()]
	r.mu.Unlock()
	if tok == nil {
		return
	}
	tok.stop(reason, detail)
}

// ReasonFor reports the stop reason recorded for id's in-flight drive, if any.
func (r *abortRegistry) ReasonFor(id DialogID) (InterruptReason, string, bool) {
	r.mu.Lock()
	tok := r.tokens[id.Key()]
	r.mu.Unlock()
	if tok == nil {
		return StopNone, "", false
	}
	return tok.snapshot()
}
