package dialogdriver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mindsFor(agentID, name string, team TeamConfig) ResolvedMinds {
	return ResolvedMinds{
		Team:  team,
		Agent: Member{AgentID: agentID, Name: name, Provider: "stub", Model: "stub-model"},
	}
}

// TestExecuteTellaskCalls_TypeAReply exercises a subdialog whose Type A call
// to its direct supdialog suspends, synchronously drives the supdialog one
// course, and resumes with the supdialog's last saying_msg as the reply.
func TestExecuteTellaskCalls_TypeAReply(t *testing.T) {
	team := TeamConfig{Members: []Member{{AgentID: "alice"}, {AgentID: "bob"}}}
	gen := &stubGenerator{turns: []GenResult{{Messages: []ChatMessage{SayingMessage("the answer is 42", 0)}}}}
	d, _, _ := newTestDriver(WithGeneratorResolver(&stubResolver{gen: gen}))

	root := NewRootDialog("r1", "alice", 3)
	root.DisableDiligencePush = true
	d.registry.RegisterRoot(root)
	sub := NewSubDialog("s1", root.ID, "bob", SubdialogAssignment{CallerDialogID: root.ID})
	d.registry.RegisterSubdialog(sub)

	calls := []TellaskCall{{TellaskHead: "@alice please advise", Body: "what should I do", CallID: "c1", Validation: TellaskValidation{Valid: true}}}
	msgs, suspended, err := d.ExecuteTellaskCalls(context.Background(), sub, calls, mindsFor("bob", "Bob", team))
	require.NoError(t, err)
	assert.False(t, suspended, "Type A resolves synchronously and does not suspend the caller")

	require.Len(t, msgs, 1)
	assert.Equal(t, MsgTellaskResult, msgs[0].Kind)
	assert.Equal(t, "alice", msgs[0].ResponderID)
	assert.Equal(t, "completed", msgs[0].Status)
	assert.Equal(t, "the answer is 42", msgs[0].Content)
}

// TestExecuteTellaskCalls_TypeANested covers the permitted nested-Type-A
// case: a supdialog's own Type A drive (triggered while resolving a
// grandchild's Type A call) itself performs a further Type A call up the
// chain to the root.
func TestExecuteTellaskCalls_TypeANested(t *testing.T) {
	team := TeamConfig{Members: []Member{{AgentID: "alice"}, {AgentID: "bob"}, {AgentID: "carol"}}}

	// The middle dialog (bob) is driven once, when carol calls up to it, and
	// its own generation immediately calls further up to alice. Each agent
	// gets its own scripted generator, routed by model name, so both
	// replies are explicit without a second driver.
	bobGen := &stubGenerator{turns: []GenResult{
		{Messages: []ChatMessage{SayingMessage("forwarding to alice", 0)}},
	}}
	aliceGen := &stubGenerator{turns: []GenResult{
		{Messages: []ChatMessage{SayingMessage("root says go ahead", 0)}},
	}}

	resolver := &routingResolver{byModel: map[string]Generator{
		"bob-model":   bobGen,
		"alice-model": aliceGen,
	}}
	bobToAlice := []TellaskCall{{TellaskHead: "@alice need a final call", Body: "need root confirmation", CallID: "c2", Validation: TellaskValidation{Valid: true}}}
	d, _, _ := newTestDriver(
		WithGeneratorResolver(resolver),
		WithMindsLoader(&routingMindsLoader{byAgent: map[string]ResolvedMinds{
			"bob":   {Team: team, Agent: Member{AgentID: "bob", Provider: "stub", Model: "bob-model"}},
			"alice": {Team: team, Agent: Member{AgentID: "alice", Provider: "stub", Model: "alice-model"}},
		}}),
		// bob's own generation (1st parser invocation) emits a further Type A
		// call up to alice; alice's generation (2nd) emits none.
		WithTellaskParserFactory(sequencedParserFactory([][]TellaskCall{bobToAlice, nil})),
	)

	root := NewRootDialog("r1", "alice", 3)
	root.DisableDiligencePush = true
	d.registry.RegisterRoot(root)
	mid := NewSubDialog("s1", root.ID, "bob", SubdialogAssignment{CallerDialogID: root.ID})
	d.registry.RegisterSubdialog(mid)
	leaf := NewSubDialog("s2", root.ID, "carol", SubdialogAssignment{CallerDialogID: mid.ID})
	d.registry.RegisterSubdialog(leaf)

	calls := []TellaskCall{{TellaskHead: "@bob how should I proceed", Body: "need direction", CallID: "c1", Validation: TellaskValidation{Valid: true}}}
	msgs, suspended, err := d.ExecuteTellaskCalls(context.Background(), leaf, calls, mindsFor("carol", "Carol", team))
	require.NoError(t, err)
	assert.False(t, suspended)
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob", msgs[0].ResponderID)
	assert.Equal(t, "forwarding to alice", msgs[0].Content, "bob's own saying_msg, not the grandparent's, is what carol sees")

	// bob's drive itself appended a tellask_result_msg from its own Type A
	// call up to alice.
	var sawAliceResult bool
	for _, m := range mid.Msgs {
		if m.Kind == MsgTellaskResult && m.ResponderID == "alice" {
			sawAliceResult = true
			assert.Equal(t, "root says go ahead", m.Content)
		}
	}
	assert.True(t, sawAliceResult, "bob's nested Type A call to alice must be permitted and recorded")
}

// routingResolver picks a generator by model name, for tests where distinct
// dialogs in the same drive need distinct scripted responses.
type routingResolver struct {
	byModel map[string]Generator
}

func (r *routingResolver) Resolve(ctx context.Context, provider, model string) (Generator, StreamGenerator, error) {
	return r.byModel[model], nil, nil
}

// routingMindsLoader picks ResolvedMinds by agent id.
type routingMindsLoader struct {
	byAgent map[string]ResolvedMinds
}

func (m *routingMindsLoader) LoadAgentMinds(ctx context.Context, agentID string, dlg *Dialog) (ResolvedMinds, error) {
	return m.byAgent[agentID], nil
}

// TestExecuteTellaskCalls_TypeBRegisteredResume covers a Type B tellask
// targeting an existing registered session: no new subdialog is created,
// the existing one's assignment is updated, it is driven, and a
// pending-subdialog record is written against the caller.
func TestExecuteTellaskCalls_TypeBRegisteredResume(t *testing.T) {
	team := TeamConfig{Members: []Member{{AgentID: "alice"}, {AgentID: "bob"}}}
	gen := &stubGenerator{turns: []GenResult{{Messages: []ChatMessage{SayingMessage("plan updated", 0)}}}}
	d, persist, _ := newTestDriver(WithGeneratorResolver(&stubResolver{gen: gen}))

	root := NewRootDialog("r1", "alice", 3)
	d.registry.RegisterRoot(root)

	existing := NewSubDialog("s42", root.ID, "bob", SubdialogAssignment{CallerDialogID: root.ID, TellaskHead: "@bob !tellaskSession plan.v1", TellaskBody: "draft v1"})
	d.registry.RegisterSubdialog(existing)
	d.registry.RegisterSession(root.ID.RootID, "bob", "plan.v1", existing.ID)

	calls := []TellaskCall{{TellaskHead: "@bob !tellaskSession plan.v1", Body: "refine the plan", CallID: "c2", Validation: TellaskValidation{Valid: true}}}
	msgs, suspended, err := d.ExecuteTellaskCalls(context.Background(), root, calls, mindsFor("alice", "Alice", team))
	require.NoError(t, err)
	assert.True(t, suspended, "Type B drives asynchronously and suspends the caller")
	assert.Empty(t, msgs)

	// no new subdialog was registered under a different id for this session
	id, found := d.registry.LookupSession(root.ID.RootID, "bob", "plan.v1")
	require.True(t, found)
	assert.Equal(t, existing.ID, id)

	assert.Eventually(t, func() bool {
		persist.mu.Lock()
		defer persist.mu.Unlock()
		return len(persist.pending[root.ID.Key()]) == 1
	}, assertEventuallyWait, assertEventuallyTick, "expected a pending-subdialog record against the caller")

	assert.Eventually(t, func() bool {
		return existing.Assignment.TellaskBody == "refine the plan"
	}, assertEventuallyWait, assertEventuallyTick, "existing subdialog's assignment must be updated, not replaced")
}

// TestExecuteFBRFanout_SelfAliasSpawnsParallelTransientSubdialogs covers the
// Fresh-Boots-Reasoning fan-out: a self-aliased tellask with fbr_effort N
// spawns N parallel Type C subdialogs sharing the headline/body and reply
// target, each independently contributing a response record to the
// caller's queue.
func TestExecuteFBRFanout_SelfAliasSpawnsParallelTransientSubdialogs(t *testing.T) {
	team := TeamConfig{Members: []Member{{AgentID: "zed"}}}
	gen := &stubGenerator{turns: []GenResult{
		{Messages: []ChatMessage{SayingMessage("idea one", 0)}},
		{Messages: []ChatMessage{SayingMessage("idea two", 0)}},
		{Messages: []ChatMessage{SayingMessage("idea three", 0)}},
	}}
	d, persist, _ := newTestDriver(WithGeneratorResolver(&stubResolver{gen: gen}))

	root := NewRootDialog("r1", "zed", 3)
	d.registry.RegisterRoot(root)
	minds := mindsFor("zed", "Zed", team)
	minds.Agent.FBREffort = 3

	calls := []TellaskCall{{TellaskHead: "@self", Body: "draft three ideas", CallID: "c1", Validation: TellaskValidation{Valid: true}}}
	msgs, suspended, err := d.ExecuteTellaskCalls(context.Background(), root, calls, minds)
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.Empty(t, msgs)

	assert.Eventually(t, func() bool {
		persist.mu.Lock()
		defer persist.mu.Unlock()
		return len(persist.responses[root.ID.Key()]) == 3
	}, assertEventuallyWait, assertEventuallyTick, "expected three independent response records, one per fanned-out subdialog")
}
