package dialogdriver

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// SubdialogLifecycle tracks a subdialog's progress toward delivering its
// response to its caller: pending → driven → completed → delivered.
type SubdialogLifecycle int32

const (
	SubPending SubdialogLifecycle = iota
	SubDriven
	SubCompleted
	SubDelivered
)

func (s SubdialogLifecycle) String() string {
	switch s {
	case SubPending:
		return "pending"
	case SubDriven:
		return "driven"
	case SubCompleted:
		return "completed"
	case SubDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// tellaskTarget is one resolved, classified addressee extracted from a
// collected tellask call.
type tellaskTarget struct {
	rawAlias   string // as written, e.g. "@self" or "@bob"
	agentID    string // resolved team member id, or aliasHuman/aliasDominds
	reserved   bool
	callType   CallType
	session    string
}

// ExecuteTellaskCalls runs the tellask executor (component design §4.7)
// over every call the parser collected for one generation. It returns the
// messages to append to the dialog (tellask_result_msg / dominds bubbles)
// and whether this drive must stop, either to await a human answer or to
// await asynchronously-driven subdialogs.
func (d *Driver) ExecuteTellaskCalls(ctx context.Context, dlg *Dialog, calls []TellaskCall, minds ResolvedMinds) ([]ChatMessage, bool, error) {
	var out []ChatMessage
	suspended := false

	supAgentID := ""
	if caller, ok := dlg.Caller(); ok {
		if supDlg, ok := d.registry.Get(caller); ok {
			supAgentID = supDlg.AgentID
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([][]ChatMessage, len(calls))
	suspendFlags := make([]bool, len(calls))

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			msgs, susp, err := d.executeOneTellaskCall(gctx, dlg, call, minds, supAgentID)
			if err != nil {
				return err
			}
			results[i] = msgs
			suspendFlags[i] = susp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	for i := range calls {
		out = append(out, results[i]...)
		if suspendFlags[i] {
			suspended = true
		}
	}
	return out, suspended, nil
}

func (d *Driver) executeOneTellaskCall(ctx context.Context, dlg *Dialog, call TellaskCall, minds ResolvedMinds, supAgentID string) ([]ChatMessage, bool, error) {
	if !call.Validation.Valid {
		return []ChatMessage{DomindsBubble("malformed tellask: " + call.Validation.MalformedReason)}, false, nil
	}

	parsed := parseHeadline(call.TellaskHead)
	if len(parsed.rawTargets) == 0 {
		return []ChatMessage{DomindsBubble("tellask addressed no one")}, false, nil
	}

	var targets []tellaskTarget
	var unknown []string
	var dominds []ChatMessage

	for _, raw := range parsed.rawTargets {
		resolved, reserved, ok := resolveAlias(raw, dlg, supAgentID)
		if !ok {
			unknown = append(unknown, raw)
			continue
		}
		if reserved {
			targets = append(targets, tellaskTarget{rawAlias: raw, agentID: resolved, reserved: true})
			continue
		}
		if !teamHasMember(minds.Team, resolved) && resolved != dlg.AgentID {
			unknown = append(unknown, raw)
			continue
		}
		if !isSelfTellaskByAlias(raw) && resolved == dlg.AgentID {
			dominds = append(dominds, DomindsBubble("note: this addresses your own agent id directly rather than @self"))
		}
		ct := classifyCall(resolved, parsed.session, dlg, supAgentID)
		targets = append(targets, tellaskTarget{rawAlias: raw, agentID: resolved, callType: ct, session: parsed.session})
	}

	if len(unknown) > 0 {
		return []ChatMessage{DomindsBubble(fmt.Sprintf("unknown target(s): %v", unknown))}, false, nil
	}

	// Q4H takes priority and excludes fan-out with other targets.
	for _, t := range targets {
		if t.reserved && t.agentID == aliasHuman {
			return d.executeQ4H(ctx, dlg, call)
		}
		if t.reserved && t.agentID == aliasDominds {
			return []ChatMessage{DomindsBubble("cannot address @dominds directly")}, false, nil
		}
	}

	// FBR fan-out: a self-aliased target overrides normal single-target dispatch.
	for _, t := range targets {
		if isSelfTellaskByAlias(t.rawAlias) && len(targets) == 1 {
			msgs, susp, err := d.executeFBRFanout(ctx, dlg, call, minds, t)
			return append(dominds, msgs...), susp, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	msgSets := make([][]ChatMessage, len(targets))
	suspendFlags := make([]bool, len(targets))
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			msgs, susp, err := d.dispatchTarget(gctx, dlg, call, t)
			if err != nil {
				return err
			}
			msgSets[i] = msgs
			suspendFlags[i] = susp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	out := append([]ChatMessage{}, dominds...)
	suspended := false
	for i := range targets {
		out = append(out, msgSets[i]...)
		if suspendFlags[i] {
			suspended = true
		}
	}
	return out, suspended, nil
}

func teamHasMember(team TeamConfig, agentID string) bool {
	for _, m := range team.Members {
		if m.AgentID == agentID {
			return true
		}
	}
	return false
}

func (d *Driver) dispatchTarget(ctx context.Context, dlg *Dialog, call TellaskCall, t tellaskTarget) ([]ChatMessage, bool, error) {
	switch t.callType {
	case CallTypeA:
		return d.driveTypeA(ctx, dlg, call, t)
	case CallTypeB:
		return d.driveTypeB(ctx, dlg, call, t)
	default:
		return d.driveTypeC(ctx, dlg, call, t)
	}
}

// executeQ4H allocates and persists a "Question for Human" suspension per
// §4.7.
func (d *Driver) executeQ4H(ctx context.Context, dlg *Dialog, call TellaskCall) ([]ChatMessage, bool, error) {
	q := HumanQuestion{
		ID:          NewID(),
		TellaskHead: call.TellaskHead,
		BodyContent: call.Body,
		AskedAt:     Now(),
		CallID:      call.CallID,
		CallSiteRef: CallSiteRef{Course: dlg.CurrentCourse, MessageIndex: len(dlg.Msgs)},
	}
	if err := d.persistence.AppendQuestion4HumanState(ctx, dlg.ID, q); err != nil {
		d.events.PostDialogEvent(ctx, DialogEvent{Kind: EventStreamError, DialogID: dlg.ID, Detail: err.Error()})
		return []ChatMessage{DomindsBubble("failed to record your question, please try again")}, false, nil
	}
	d.events.PostDialogEvent(ctx, DialogEvent{Kind: EventNewQ4HAsked, DialogID: dlg.ID, Question: &q})
	return nil, true, nil
}

// driveTypeA suspends dlg and synchronously drives its direct supdialog for
// one course, then resumes dlg with the supdialog's last saying_msg as the
// reply.
func (d *Driver) driveTypeA(ctx context.Context, dlg *Dialog, call TellaskCall, t tellaskTarget) ([]ChatMessage, bool, error) {
	callerID, ok := dlg.Caller()
	if !ok {
		return []ChatMessage{DomindsBubble("no supdialog to call")}, false, nil
	}
	supDlg, ok := d.registry.Get(callerID)
	if !ok {
		return []ChatMessage{DomindsBubble("supdialog not found")}, false, nil
	}

	prompt := &HumanPrompt{Content: call.Body, Grammar: GrammarMarkdown}
	if err := d.driveOne(ctx, supDlg, prompt, true); err != nil {
		return nil, false, err
	}

	reply := lastSayingContent(supDlg)
	result := TellaskResultMessage(supDlg.AgentID, call.TellaskHead, "completed", reply)
	d.events.PostDialogEvent(ctx, DialogEvent{Kind: EventTeammateResponse, DialogID: dlg.ID, Content: reply})
	return []ChatMessage{result}, false, nil
}

func lastSayingContent(dlg *Dialog) string {
	for i := len(dlg.Msgs) - 1; i >= 0; i-- {
		if dlg.Msgs[i].Kind == MsgSaying {
			return dlg.Msgs[i].Content
		}
	}
	return ""
}

// driveTypeB looks up a registered subdialog by {targetAgentId,
// tellaskSession}; if found, updates its assignment and resumes it; else
// creates and registers a new one. Either way the subdialog is driven
// asynchronously and a pending-subdialog record is written against the
// caller.
func (d *Driver) driveTypeB(ctx context.Context, dlg *Dialog, call TellaskCall, t tellaskTarget) ([]ChatMessage, bool, error) {
	assignment := SubdialogAssignment{
		TellaskHead:    call.TellaskHead,
		TellaskBody:    call.Body,
		OriginMemberID: dlg.AgentID,
		CallerDialogID: dlg.ID,
		CallID:         call.CallID,
	}

	var sub *Dialog
	if existingID, found := d.registry.LookupSession(dlg.ID.RootID, t.agentID, t.session); found {
		sub, found = d.registry.Get(existingID)
		if found {
			sub.Assignment = &assignment
			_ = d.persistence.UpdateSubdialogAssignment(ctx, sub.ID, assignment)
		}
	}
	if sub == nil {
		sub = NewSubDialog(NewID(), dlg.ID, t.agentID, assignment)
		d.registry.RegisterSubdialog(sub)
		d.registry.RegisterSession(dlg.ID.RootID, t.agentID, t.session, sub.ID)
	}

	rec := PendingSubdialogRecord{
		SubdialogID:    sub.ID,
		CreatedAt:      Now(),
		TellaskHead:    call.TellaskHead,
		TargetAgentID:  t.agentID,
		CallType:       CallTypeB,
		TellaskSession: t.session,
	}
	if err := d.locks.WithSuspensionLock(dlg.ID, func() error {
		return d.persistence.MutatePendingSubdialogs(ctx, dlg.ID, func(recs []PendingSubdialogRecord) []PendingSubdialogRecord {
			return append(recs, rec)
		})
	}); err != nil {
		return nil, false, err
	}

	d.driveSubdialogAsync(sub, &HumanPrompt{Content: call.Body, Grammar: GrammarMarkdown})
	return nil, true, nil
}

// driveTypeC creates a transient, unregistered subdialog and drives it
// asynchronously.
func (d *Driver) driveTypeC(ctx context.Context, dlg *Dialog, call TellaskCall, t tellaskTarget) ([]ChatMessage, bool, error) {
	assignment := SubdialogAssignment{
		TellaskHead:    call.TellaskHead,
		TellaskBody:    call.Body,
		OriginMemberID: dlg.AgentID,
		CallerDialogID: dlg.ID,
		CallID:         call.CallID,
	}
	sub := NewSubDialog(NewID(), dlg.ID, t.agentID, assignment)
	d.registry.RegisterSubdialog(sub)

	rec := PendingSubdialogRecord{
		SubdialogID:   sub.ID,
		CreatedAt:     Now(),
		TellaskHead:   call.TellaskHead,
		TargetAgentID: t.agentID,
		CallType:      CallTypeC,
	}
	if err := d.locks.WithSuspensionLock(dlg.ID, func() error {
		return d.persistence.MutatePendingSubdialogs(ctx, dlg.ID, func(recs []PendingSubdialogRecord) []PendingSubdialogRecord {
			return append(recs, rec)
		})
	}); err != nil {
		return nil, false, err
	}

	d.driveSubdialogAsync(sub, &HumanPrompt{Content: call.Body, Grammar: GrammarMarkdown})
	return nil, true, nil
}

// executeFBRFanout implements the per-member fbr_effort policy: for a
// self-aliased Type C target it spawns fbr_effort parallel transient
// subdialogs sharing the headline/body; for Type B it derives a pool of
// fbr_effort tellaskSession identifiers and finds-or-creates each. An
// fbr_effort of 0 disables FBR.
func (d *Driver) executeFBRFanout(ctx context.Context, dlg *Dialog, call TellaskCall, minds ResolvedMinds, t tellaskTarget) ([]ChatMessage, bool, error) {
	effort := minds.Agent.FBREffort
	if effort <= 0 {
		return []ChatMessage{DomindsBubble("FBR is disabled for this agent")}, false, nil
	}

	if t.callType == CallTypeB {
		base := t.session
		if base == "" {
			base = "fbr"
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < effort; i++ {
			i := i
			g.Go(func() error {
				session := fmt.Sprintf("%s.fbr-%s", base, shortID(i))
				_, _, err := d.driveTypeB(gctx, dlg, call, tellaskTarget{agentID: dlg.AgentID, callType: CallTypeB, session: session})
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < effort; i++ {
		g.Go(func() error {
			_, _, err := d.driveTypeC(gctx, dlg, call, tellaskTarget{agentID: dlg.AgentID, callType: CallTypeC})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

func shortID(i int) string {
	return fmt.Sprintf("%d-%s", i, NewID()[:8])
}

// driveSubdialogAsync launches sub's drive in the background, bounded by
// the driver's concurrent-drive semaphore, and on completion delivers its
// response to its caller (§4.9). Errors are logged, not propagated, since
// the caller's drive has already moved on.
func (d *Driver) driveSubdialogAsync(sub *Dialog, prompt *HumanPrompt) {
	go func() {
		ctx := context.Background()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)

		if err := d.driveOne(ctx, sub, prompt, true); err != nil {
			d.logger.Warn().Err(err).Str("dialog", sub.ID.Key()).Msg("subdialog drive failed")
			return
		}
		if err := d.SupplySubdialogResponse(ctx, sub); err != nil {
			d.logger.Warn().Err(err).Str("dialog", sub.ID.Key()).Msg("failed to supply subdialog response")
		}
	}()
}

// SupplySubdialogResponse implements §4.9: when a completed subdialog's
// caller has a pending record, atomically move it from the pending list to
// the response queue and schedule the caller's redrive.
func (d *Driver) SupplySubdialogResponse(ctx context.Context, sub *Dialog) error {
	callerID, ok := sub.Caller()
	if !ok {
		return nil
	}

	var rec *PendingSubdialogRecord
	err := d.locks.WithSuspensionLock(callerID, func() error {
		pending, err := d.persistence.LoadPendingSubdialogs(ctx, callerID)
		if err != nil {
			return err
		}
		var remaining []PendingSubdialogRecord
		for _, p := range pending {
			if p.SubdialogID == sub.ID && rec == nil {
				cp := p
				rec = &cp
				continue
			}
			remaining = append(remaining, p)
		}
		if rec == nil {
			return nil
		}

		responderID := sub.AgentID
		tellaskHead := rec.TellaskHead
		originMemberID := ""
		if sub.Assignment != nil {
			originMemberID = sub.Assignment.OriginMemberID
			if tellaskHead == "" {
				tellaskHead = sub.Assignment.TellaskHead
			}
		}

		response := lastSayingContent(sub)
		srec := SubdialogResponseRecord{
			ResponseID:     NewID(),
			SubdialogID:    sub.ID,
			Response:       response,
			CompletedAt:    Now(),
			CallType:       rec.CallType,
			TellaskHead:    tellaskHead,
			ResponderID:    responderID,
			OriginMemberID: originMemberID,
			CallID:         sub.Assignment.CallID,
		}
		if err := d.persistence.AppendSubdialogResponse(ctx, callerID, srec); err != nil {
			return err
		}
		if err := d.persistence.SavePendingSubdialogs(ctx, callerID, remaining); err != nil {
			return err
		}

		q, hasQ4H, err := d.persistence.LoadPendingQuestion4Human(ctx, callerID)
		if err != nil {
			return err
		}
		hasQ4H = hasQ4H && q != nil
		if !hasQ4H && len(remaining) == 0 {
			if callerID.IsRoot() {
				d.registry.SetNeedsDrive(callerID.RootID, true)
			} else {
				caller, ok := d.registry.Get(callerID)
				if ok {
					d.driveSubdialogAsync(caller, nil)
				}
			}
		}

		d.events.PostDialogEvent(ctx, DialogEvent{Kind: EventTeammateResponse, DialogID: callerID, Content: response})
		return nil
	})
	return err
}
