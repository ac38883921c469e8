package dialogdriver

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// loopReceiver implements StreamReceiver, accumulating one generation
// turn's thinking/saying text and emitted function calls while feeding the
// saying text into the tellask parser as it arrives — the streaming
// counterpart of the non-streaming path's post-hoc message scan.
type loopReceiver struct {
	parser TellaskParser

	thinking   []byte
	saying     []byte
	funcCalls  []funcCallRequest
	webSearch  []WebSearchCall
	streamErr  string
}

type funcCallRequest struct {
	CallID string
	Name   string
	Args   json.RawMessage
}

func (r *loopReceiver) ThinkingStart()        {}
func (r *loopReceiver) ThinkingChunk(t string) { r.thinking = append(r.thinking, t...) }
func (r *loopReceiver) ThinkingFinish()       {}
func (r *loopReceiver) SayingStart()          {}
func (r *loopReceiver) SayingChunk(t string) {
	r.saying = append(r.saying, t...)
	if r.parser != nil {
		r.parser.TakeUpstreamChunk(t)
	}
}
func (r *loopReceiver) SayingFinish() {
	if r.parser != nil {
		r.parser.Finalize()
	}
}
func (r *loopReceiver) FuncCall(callID, name string, args json.RawMessage) {
	r.funcCalls = append(r.funcCalls, funcCallRequest{CallID: callID, Name: name, Args: args})
}
func (r *loopReceiver) WebSearchCall(call WebSearchCall) { r.webSearch = append(r.webSearch, call) }
func (r *loopReceiver) StreamError(detail string)        { r.streamErr = detail }

// oneTurn is the normalized outcome of one generation, streaming or not.
type oneTurn struct {
	thinking  string
	saying    string
	funcCalls []funcCallRequest
	tellasks  []TellaskCall
	usage     GenUsage
}

// runGenerationLoop drives dlg through the iterate/generate/dispatch cycle
// of the component design until it suspends or finalizes, then persists
// the final run state.
func (d *Driver) runGenerationLoop(ctx context.Context, dlg *Dialog, initialPrompt *HumanPrompt) (err error) {
	if dlg.IsDead() {
		return nil
	}
	ctx, release := d.abort.Register(ctx, dlg.ID)
	defer release()

	wasInterrupted := dlg.RunState.Kind == RunInterrupted
	dlg.RunState = RunState{Kind: RunProceeding}
	if initialPrompt == nil && wasInterrupted {
		d.events.PostDialogEvent(ctx, DialogEvent{Kind: EventRunStateResumed, DialogID: dlg.ID})
	}

	var taken TakenResponseQueue
	tookQueue := false
	firstIteration := true
	nextPrompt := initialPrompt
	suspended := false

	defer func() {
		reason, detail, stopped := d.abort.ReasonFor(dlg.ID)
		if dlg.IsDead() {
			// invariant 3: dead is terminal, never overwritten here.
		} else if err != nil {
			if stopped {
				dlg.RunState = RunState{Kind: RunInterrupted, Reason: reason, Detail: detail}
			} else {
				dlg.RunState = RunState{Kind: RunInterrupted, Reason: StopSystem, Detail: err.Error()}
			}
			d.events.PostDialogEvent(ctx, DialogEvent{Kind: EventRunStateInterrupted, DialogID: dlg.ID, InterruptReason: dlg.RunState.Reason, Detail: dlg.RunState.Detail})
			if tookQueue {
				_ = taken.Rollback(context.Background(), d.locks)
			}
		} else {
			q, hasQ4H, _ := d.persistence.LoadPendingQuestion4Human(context.Background(), dlg.ID)
			pending, _ := d.persistence.LoadPendingSubdialogs(context.Background(), dlg.ID)
			if (hasQ4H && q != nil) || len(pending) > 0 {
				dlg.RunState = RunState{Kind: RunInterrupted, Reason: StopNone}
			} else {
				dlg.RunState = RunState{Kind: RunIdleWaitingUser}
			}
			if tookQueue {
				_ = taken.Commit(context.Background())
			}
		}
		_ = d.persistence.SetDialogRunState(context.Background(), dlg.ID, dlg.RunState)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		minds, loadErr := d.minds.LoadAgentMinds(ctx, dlg.AgentID, dlg)
		if loadErr != nil {
			return fatalConfigError("load agent minds for %s: %v", dlg.AgentID, loadErr)
		}

		fbr := IsFBRToolless(dlg)
		var toolDefs []ToolDefinition
		if !fbr {
			toolDefs = d.tools.Definitions(minds.AgentTools)
		}
		policy := BuildDrivePolicy(dlg, minds, toolDefs, fbrSystemPromptFor(minds.Agent))
		if err := ValidatePolicy(policy); err != nil {
			return err
		}

		provider, model := resolveProviderModel(policy.Agent, minds.Team.MemberDefaults)
		if provider == "" || model == "" {
			return fatalConfigError("agent %s has no provider/model configured", dlg.AgentID)
		}
		gen, streamGen, resolveErr := d.generators.Resolve(ctx, provider, model)
		if resolveErr != nil {
			return fatalConfigError("resolve generator for %s/%s: %v", provider, model, resolveErr)
		}

		promptEmittedThisIter := false
		promptTellaskSuspended := false
		if nextPrompt != nil {
			msgID := nextPrompt.MsgID
			if msgID == "" {
				msgID = NewID()
			}
			pm := PromptingMessage(msgID, nextPrompt.Content, nextPrompt.Grammar, dlg.ActiveGenSeq)
			dlg.AppendMessages(pm)
			promptEmittedThisIter = true

			if nextPrompt.Grammar == GrammarTellask {
				userCalls, err := d.parseStandaloneTellasks(nextPrompt.Content)
				if err == nil && len(userCalls) > 0 {
					msgs, susp, err := d.ExecuteTellaskCalls(ctx, dlg, userCalls, minds)
					if err != nil {
						return err
					}
					dlg.AppendMessages(msgs...)
					promptTellaskSuspended = susp
				}
			} else {
				d.events.PostDialogEvent(ctx, DialogEvent{Kind: EventMarkdownRender, DialogID: dlg.ID, Content: nextPrompt.Content})
			}
			d.events.PostDialogEvent(ctx, DialogEvent{
				Kind: EventEndOfUserSaying, DialogID: dlg.ID, Course: dlg.CurrentCourse,
				GenSeq: dlg.ActiveGenSeq, MsgID: msgID, Content: nextPrompt.Content,
				Grammar: nextPrompt.Grammar, UserLanguageCode: nextPrompt.LanguageCode,
			})
			if nextPrompt.LanguageCode != "" {
				dlg.LastUserLanguageCode = nextPrompt.LanguageCode
			}
		}
		skipTaskdoc := nextPrompt != nil && nextPrompt.SkipTaskdoc
		nextPrompt = nil

		if promptTellaskSuspended {
			q, hasQ4H, _ := d.persistence.LoadPendingQuestion4Human(ctx, dlg.ID)
			hasQ4H = hasQ4H && q != nil
			d.diligence.MaybeReset(dlg, minds.Agent, hasQ4H)
			return nil
		}

		var takenResponses []SubdialogResponseRecord
		if firstIteration {
			var takeErr error
			taken, takeErr = TakeSubdialogResponses(ctx, d.persistence, d.locks, dlg.ID)
			if takeErr != nil {
				return takeErr
			}
			tookQueue = true
			takenResponses = taken.Taken
		}

		coursePrefix := []ChatMessage{}
		limits, _ := d.resolveModelLimits(provider, model)
		genSeq := dlg.NextGenSeq()

		promptTokens := estimateTokens(dlg)
		snapshot := EvaluateContextHealth(promptTokens, limits)
		remediation := RemediateContextHealth(dlg, snapshot, limits, promptEmittedThisIter)
		switch remediation.Action {
		case RemediationContinueNewCourse:
			dlg.StartNewCourse()
			nextPrompt = &HumanPrompt{Content: remediation.InjectGuide, Grammar: GrammarMarkdown}
			firstIteration = false
			continue
		case RemediationSuspend:
			return nil
		}
		if remediation.InjectGuide != "" {
			if remediation.AsUserPrompt {
				dlg.AppendMessages(PromptingMessage(NewID(), remediation.InjectGuide, GrammarMarkdown, genSeq))
			} else {
				dlg.AppendMessages(EnvironmentMessage(remediation.InjectGuide))
			}
		}

		turn, genErr := d.generateOneTurn(ctx, dlg, policy, gen, streamGen, genSeq, provider, AssembleContext(dlg, policy, minds, coursePrefix, takenResponses, nil, "", skipTaskdoc))
		if genErr != nil {
			return genErr
		}

		if fbr {
			violated := false
			for _, t := range turn.tellasks {
				parsed := parseHeadline(t.TellaskHead)
				for _, raw := range parsed.rawTargets {
					if raw != aliasTellasker {
						violated = true
					}
				}
			}
			if len(turn.funcCalls) > 0 {
				violated = true
			}
			if violated {
				dlg.AppendMessages(SayingMessage("[policy] fresh-boots reasoning may not call tools or address anyone but @tellasker", genSeq))
				return nil
			}
		}

		if turn.thinking != "" {
			dlg.AppendMessages(ThinkingMessage(turn.thinking, genSeq))
		}
		if turn.saying != "" {
			dlg.AppendMessages(SayingMessage(turn.saying, genSeq))
		}

		tellaskMsgs, tellaskSuspended, err := d.ExecuteTellaskCalls(ctx, dlg, turn.tellasks, minds)
		if err != nil {
			return err
		}
		dlg.AppendMessages(tellaskMsgs...)

		funcExecuted, err := d.executeFunctionCalls(ctx, dlg, policy, minds, turn.funcCalls, genSeq)
		if err != nil {
			return err
		}

		if tellaskSuspended {
			suspended = true
		}

		q, hasQ4H, _ := d.persistence.LoadPendingQuestion4Human(ctx, dlg.ID)
		hasQ4H = hasQ4H && q != nil
		d.diligence.MaybeReset(dlg, minds.Agent, hasQ4H)

		if suspended {
			return nil
		}

		if funcExecuted {
			firstIteration = false
			continue
		}

		if dlg.IsRoot() {
			decision := d.diligence.Evaluate(ctx, dlg, minds.Agent, false)
			if decision.BudgetEvent != nil {
				d.events.PostDialogEvent(ctx, DialogEvent{Kind: EventDiligenceBudget, DialogID: dlg.ID, Diligence: decision.BudgetEvent})
			}
			if decision.Q4HEvent != nil {
				_ = d.persistence.AppendQuestion4HumanState(ctx, dlg.ID, *decision.Q4HEvent)
				d.events.PostDialogEvent(ctx, DialogEvent{Kind: EventNewQ4HAsked, DialogID: dlg.ID, Question: decision.Q4HEvent})
			}
			if !decision.Stop {
				nextPrompt = decision.NextPrompt
				firstIteration = false
				continue
			}
		}

		return nil
	}
}

func fbrSystemPromptFor(agent Member) string {
	return fmt.Sprintf("You are %s, reasoning privately with no tools available. Address your findings only to @tellasker.", agent.Name)
}

func resolveProviderModel(agent Member, defaults MemberDefaults) (string, string) {
	provider, model := agent.Provider, agent.Model
	if provider == "" {
		provider = defaults.Provider
	}
	if model == "" {
		model = defaults.Model
	}
	return provider, model
}

func (d *Driver) resolveModelLimits(provider, model string) (ModelLimits, bool) {
	if d.llmConfig == nil {
		return ModelLimits{}, false
	}
	return d.llmConfig.ResolveModel(provider, model)
}

// estimateTokens is a coarse token estimate (~4 characters per token) used
// only to drive the context-health FSM; the real tokenizer is part of the
// out-of-scope provider wire protocol.
func estimateTokens(dlg *Dialog) int {
	total := 0
	for _, m := range dlg.Msgs {
		total += len(m.Content) + len(m.Arguments)
	}
	return total / 4
}

func (d *Driver) generateOneTurn(ctx context.Context, dlg *Dialog, policy DrivePolicy, gen Generator, streamGen StreamGenerator, genSeq int, provider string, messages []ChatMessage) (oneTurn, error) {
	req := GenRequest{Provider: provider, Model: policy.Agent.Model, Messages: messages, Tools: policy.Tools, ModelParams: policy.ModelParams}

	var result oneTurn
	canRetry := func() bool { return true }

	if policy.Agent.Streaming && streamGen != nil {
		firstChunkSeen := false
		canRetry = func() bool { return !firstChunkSeen }
		recv := &loopReceiver{parser: d.parserFactory()}
		err := d.llm.run(ctx, provider, dlg.ID, canRetry, func(ctx context.Context) error {
			usage, err := streamGen.GenToReceiver(ctx, req, wrapFirstChunkTracking(recv, &firstChunkSeen), genSeq)
			if err != nil {
				return err
			}
			result.usage = usage
			return nil
		})
		if err != nil {
			return oneTurn{}, err
		}
		result.thinking = string(recv.thinking)
		result.saying = string(recv.saying)
		result.funcCalls = recv.funcCalls
		if recv.parser != nil {
			result.tellasks = recv.parser.GetCollectedCalls()
		}
		return result, nil
	}

	if gen == nil {
		return oneTurn{}, fatalConfigError("no generator resolved for provider %s", provider)
	}
	var genResult GenResult
	err := d.llm.run(ctx, provider, dlg.ID, canRetry, func(ctx context.Context) error {
		r, err := gen.GenMoreMessages(ctx, req)
		if err != nil {
			return err
		}
		genResult = r
		return nil
	})
	if err != nil {
		return oneTurn{}, err
	}
	result.usage = genResult.Usage

	parser := d.parserFactory()
	for _, m := range genResult.Messages {
		switch m.Kind {
		case MsgThinking:
			result.thinking += m.Content
		case MsgSaying:
			result.saying += m.Content
			parser.TakeUpstreamChunk(m.Content)
		case MsgFuncCall:
			result.funcCalls = append(result.funcCalls, funcCallRequest{CallID: m.CallID, Name: m.Name, Args: json.RawMessage(m.Arguments)})
		}
	}
	parser.Finalize()
	result.tellasks = parser.GetCollectedCalls()
	return result, nil
}

// wrapFirstChunkTracking returns a StreamReceiver that flips *seen the
// first time any chunk arrives, so the LLM request runner's canRetry
// closure can observe "no content emitted yet" as the component design
// requires for streaming retries.
func wrapFirstChunkTracking(inner StreamReceiver, seen *bool) StreamReceiver {
	return &firstChunkReceiver{StreamReceiver: inner, seen: seen}
}

type firstChunkReceiver struct {
	StreamReceiver
	seen *bool
}

func (r *firstChunkReceiver) ThinkingChunk(t string) { *r.seen = true; r.StreamReceiver.ThinkingChunk(t) }
func (r *firstChunkReceiver) SayingChunk(t string)   { *r.seen = true; r.StreamReceiver.SayingChunk(t) }

// parseStandaloneTellasks parses a user-authored tellask-grammar prompt
// into calls using the same parser the streaming path uses.
func (d *Driver) parseStandaloneTellasks(content string) ([]TellaskCall, error) {
	p := d.parserFactory()
	p.TakeUpstreamChunk(content)
	p.Finalize()
	return p.GetCollectedCalls(), nil
}

// executeFunctionCalls runs every collected function call concurrently,
// resolving the tool, parsing and validating arguments, and invoking the
// tool under the dialog's abort context. It returns whether any function
// tool was executed this iteration (driving the loop's continuation
// decision).
func (d *Driver) executeFunctionCalls(ctx context.Context, dlg *Dialog, policy DrivePolicy, minds ResolvedMinds, calls []funcCallRequest, genSeq int) (bool, error) {
	if len(calls) == 0 {
		return false, nil
	}
	if !policy.FunctionCallsOK {
		return false, nil
	}

	agentInfo := AgentInfo{AgentID: dlg.AgentID, Name: minds.Agent.Name, Provider: minds.Agent.Provider, Model: minds.Agent.Model, LanguageCode: dlg.LastUserLanguageCode}

	type pair struct {
		call   ChatMessage
		result ChatMessage
	}
	pairs := make([]pair, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range calls {
		i, c := i, c
		g.Go(func() error {
			pairs[i].call = FuncCallMessage(c.CallID, c.Name, string(c.Args), genSeq)

			tool, ok := d.tools.Resolve(c.Name)
			if !ok {
				pairs[i].result = FuncResultMessage(c.CallID, c.Name, fmt.Sprintf("Function '%s' execution failed: unknown tool", c.Name), genSeq)
				return nil
			}

			var argsVal map[string]any
			if err := json.Unmarshal(c.Args, &argsVal); err != nil {
				pairs[i].result = FuncResultMessage(c.CallID, c.Name, fmt.Sprintf("Invalid arguments: %v", err), genSeq)
				return nil
			}

			res, err := tool.Call(gctx, dlg, agentInfo, c.Args)
			if err != nil {
				pairs[i].result = FuncResultMessage(c.CallID, c.Name, fmt.Sprintf("Function '%s' execution failed: %v", c.Name, err), genSeq)
				return nil
			}
			pairs[i].result = FuncResultMessage(c.CallID, c.Name, res.Content, genSeq)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	for _, p := range pairs {
		dlg.AppendMessages(p.call, p.result)
	}
	return true, nil
}
