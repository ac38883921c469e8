package dialogdriver

import (
	"context"
	"sync"
	"time"
)

// assertEventuallyWait/Tick bound assert.Eventually polling for assertions
// that depend on a background goroutine (async subdialog drives) having run.
const (
	assertEventuallyWait = time.Second
	assertEventuallyTick = time.Millisecond
)

// memPersistence is an in-memory Persistence implementation used by tests
// that need the full suspension/revival protocol without a real backend.
type memPersistence struct {
	mu        sync.Mutex
	runstate  map[string]RunState
	q4h       map[string]*HumanQuestion
	pending   map[string][]PendingSubdialogRecord
	responses map[string][]SubdialogResponseRecord
	metadata  map[string]DialogMetadata
	problems  map[string]Problem
}

func newMemPersistence() *memPersistence {
	return &memPersistence{
		runstate:  map[string]RunState{},
		q4h:       map[string]*HumanQuestion{},
		pending:   map[string][]PendingSubdialogRecord{},
		responses: map[string][]SubdialogResponseRecord{},
		metadata:  map[string]DialogMetadata{},
		problems:  map[string]Problem{},
	}
}

func (p *memPersistence) LoadDialogLatest(ctx context.Context, id DialogID) (*Dialog, bool, error) {
	return nil, false, nil
}
func (p *memPersistence) SaveDialogLatest(ctx context.Context, d *Dialog) error { return nil }

func (p *memPersistence) SetDialogRunState(ctx context.Context, id DialogID, state RunState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runstate[id.Key()] = state
	return nil
}

func (p *memPersistence) AppendQuestion4HumanState(ctx context.Context, owner DialogID, q HumanQuestion) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := q
	p.q4h[owner.Key()] = &cp
	return nil
}

func (p *memPersistence) LoadPendingQuestion4Human(ctx context.Context, owner DialogID) (*HumanQuestion, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.q4h[owner.Key()]
	return q, ok, nil
}

func (p *memPersistence) ClearQuestion4Human(ctx context.Context, owner DialogID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.q4h, owner.Key())
	return nil
}

func (p *memPersistence) LoadPendingSubdialogs(ctx context.Context, owner DialogID) ([]PendingSubdialogRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PendingSubdialogRecord{}, p.pending[owner.Key()]...), nil
}

func (p *memPersistence) SavePendingSubdialogs(ctx context.Context, owner DialogID, recs []PendingSubdialogRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[owner.Key()] = recs
	return nil
}

func (p *memPersistence) MutatePendingSubdialogs(ctx context.Context, owner DialogID, fn func([]PendingSubdialogRecord) []PendingSubdialogRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[owner.Key()] = fn(p.pending[owner.Key()])
	return nil
}

func (p *memPersistence) LoadSubdialogResponsesQueue(ctx context.Context, owner DialogID) ([]SubdialogResponseRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SubdialogResponseRecord{}, p.responses[owner.Key()]...), nil
}

func (p *memPersistence) AppendSubdialogResponse(ctx context.Context, owner DialogID, rec SubdialogResponseRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[owner.Key()] = append(p.responses[owner.Key()], rec)
	return nil
}

func (p *memPersistence) SaveSubdialogResponses(ctx context.Context, owner DialogID, recs []SubdialogResponseRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[owner.Key()] = recs
	return nil
}

func (p *memPersistence) LoadDialogMetadata(ctx context.Context, id DialogID) (DialogMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadata[id.Key()], nil
}

func (p *memPersistence) LoadRootDialogMetadata(ctx context.Context, rootID string) (DialogMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadata[rootID], nil
}

func (p *memPersistence) SetNeedsDrive(ctx context.Context, id DialogID, flag bool, status RunState) error {
	return nil
}

func (p *memPersistence) UpdateSubdialogAssignment(ctx context.Context, id DialogID, assignment SubdialogAssignment) error {
	return nil
}

func (p *memPersistence) GetRootDialogPath(rootID string) string { return "" }

func (p *memPersistence) UpsertProblem(ctx context.Context, prob Problem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.problems[prob.DialogID.Key()] = prob
	return nil
}

func (p *memPersistence) problemFor(id DialogID) (Problem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prob, ok := p.problems[id.Key()]
	return prob, ok
}

var _ Persistence = (*memPersistence)(nil)

// stubGenerator is a non-streaming Generator returning pre-scripted results
// in sequence, one per call.
type stubGenerator struct {
	mu      sync.Mutex
	turns   []GenResult
	errs    []error
	calls   int
}

func (g *stubGenerator) GenMoreMessages(ctx context.Context, req GenRequest) (GenResult, error) {
	g.mu.Lock()
	i := g.calls
	g.calls++
	g.mu.Unlock()
	var err error
	if i < len(g.errs) {
		err = g.errs[i]
	}
	if err != nil {
		return GenResult{}, err
	}
	if i < len(g.turns) {
		return g.turns[i], nil
	}
	return GenResult{Messages: []ChatMessage{SayingMessage("", 0)}}, nil
}

// stubResolver always resolves to the same non-streaming generator.
type stubResolver struct {
	gen Generator
}

func (r *stubResolver) Resolve(ctx context.Context, provider, model string) (Generator, StreamGenerator, error) {
	return r.gen, nil, nil
}

// stubMindsLoader returns a fixed ResolvedMinds regardless of agent/dialog.
type stubMindsLoader struct {
	minds ResolvedMinds
}

func (m *stubMindsLoader) LoadAgentMinds(ctx context.Context, agentID string, dlg *Dialog) (ResolvedMinds, error) {
	return m.minds, nil
}

// recordingEventBus collects every posted event for assertions.
type recordingEventBus struct {
	mu     sync.Mutex
	events []DialogEvent
}

func (b *recordingEventBus) PostDialogEvent(ctx context.Context, evt DialogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingEventBus) kinds() []EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]EventKind, len(b.events))
	for i, e := range b.events {
		out[i] = e.Kind
	}
	return out
}

// nullParser collects no calls; used where a drive's output carries no
// tellask blocks.
type nullParser struct{}

func (nullParser) TakeUpstreamChunk(string)         {}
func (nullParser) Finalize()                        {}
func (nullParser) GetCollectedCalls() []TellaskCall { return nil }

func nullParserFactory() TellaskParser { return nullParser{} }

// scriptedParser replays a fixed set of collected calls once, regardless of
// the chunks it's fed, for tests that need a drive to emit a tellask call
// without modeling real stream parsing.
type scriptedParser struct {
	calls []TellaskCall
}

func (p *scriptedParser) TakeUpstreamChunk(string)         {}
func (p *scriptedParser) Finalize()                        {}
func (p *scriptedParser) GetCollectedCalls() []TellaskCall { return p.calls }

func scriptedParserFactory(calls []TellaskCall) TellaskParserFactory {
	return func() TellaskParser { return &scriptedParser{calls: calls} }
}

// sequencedParserFactory returns, on its Nth invocation, the Nth entry of
// perCall (clamped to the last entry once exhausted) — for tests where
// successive generations within one drive chain must emit different
// tellask calls.
func sequencedParserFactory(perCall [][]TellaskCall) TellaskParserFactory {
	var mu sync.Mutex
	idx := 0
	return func() TellaskParser {
		mu.Lock()
		i := idx
		idx++
		mu.Unlock()
		if i >= len(perCall) {
			i = len(perCall) - 1
		}
		if i < 0 {
			return nullParser{}
		}
		return &scriptedParser{calls: perCall[i]}
	}
}

func newTestDriver(opts ...Option) (*Driver, *memPersistence, *recordingEventBus) {
	persist := newMemPersistence()
	bus := &recordingEventBus{}
	base := []Option{
		WithPersistence(persist),
		WithEventBus(bus),
		WithTellaskParserFactory(nullParserFactory),
		WithMindsLoader(&stubMindsLoader{minds: ResolvedMinds{
			Team:  TeamConfig{MemberDefaults: MemberDefaults{Provider: "stub", Model: "stub-model"}},
			Agent: Member{AgentID: "alice", Name: "Alice", Provider: "stub", Model: "stub-model"},
		}}),
		WithGeneratorResolver(&stubResolver{gen: &stubGenerator{}}),
	}
	d := New(append(base, opts...)...)
	return d, persist, bus
}
