package dialogdriver

import (
	"regexp"
	"strings"
)

// TellaskValidation is the parser's verdict on one collected call.
type TellaskValidation struct {
	Valid           bool
	FirstMention    string
	MalformedReason string
}

// TellaskCall is one structured call block the streaming parser extracts
// from assistant output, addressing a teammate with a head line and body.
type TellaskCall struct {
	TellaskHead string
	Body        string
	CallID      string
	Validation  TellaskValidation
}

// TellaskParser is the streaming parser collaborator contract: it consumes
// upstream text chunks and, once finalized, reports the calls it collected.
type TellaskParser interface {
	TakeUpstreamChunk(text string)
	Finalize()
	GetCollectedCalls() []TellaskCall
}

// TellaskParserFactory constructs a fresh parser for one generation.
type TellaskParserFactory func() TellaskParser

const (
	aliasSelf      = "@self"
	aliasTellasker = "@tellasker"
	aliasHuman     = "@human"
	aliasDominds   = "@dominds"
)

var mentionPattern = regexp.MustCompile(`@[a-zA-Z][a-zA-Z0-9_-]*`)
var sessionPattern = regexp.MustCompile(`!tellaskSession\s+([a-zA-Z][a-zA-Z0-9_-]*(?:\.[a-zA-Z][a-zA-Z0-9_-]*)*)`)

// parsedHeadline is the result of scanning a tellask headline for targets,
// a tellaskSession directive, and aliases.
type parsedHeadline struct {
	rawTargets []string // targets as written, aliases unresolved
	session    string   // "" if no !tellaskSession directive
}

func parseHeadline(head string) parsedHeadline {
	var out parsedHeadline
	seen := map[string]bool{}
	for _, m := range mentionPattern.FindAllString(head, -1) {
		if !seen[m] {
			seen[m] = true
			out.rawTargets = append(out.rawTargets, m)
		}
	}
	if m := sessionPattern.FindStringSubmatch(head); m != nil {
		out.session = m[1]
	}
	return out
}

// resolveAlias rewrites a raw "@..." target against dlg's identity and its
// direct supdialog's agent, per the aliasing rules: @self becomes the
// current dialog's agentId; @tellasker is only valid inside a subdialog and
// re-targets its direct supdialog; @human and @dominds are reserved and
// never resolve to a team member.
func resolveAlias(raw string, dlg *Dialog, supdialogAgentID string) (resolved string, reserved bool, ok bool) {
	switch strings.ToLower(raw) {
	case aliasSelf:
		return dlg.AgentID, false, true
	case aliasTellasker:
		if dlg.Kind == DialogSub && supdialogAgentID != "" {
			return supdialogAgentID, false, true
		}
		return "", false, false
	case aliasHuman:
		return aliasHuman, true, true
	case aliasDominds:
		return aliasDominds, true, true
	default:
		return raw[1:], false, true // strip leading '@'
	}
}

// classifyCall determines the Type A/B/C taxonomy for a resolved, non-Q4H
// target, per the component design: Type A when the target is the
// subdialog's own direct supdialog; Type B when a !tellaskSession directive
// is present; Type C otherwise.
func classifyCall(target string, session string, dlg *Dialog, supdialogAgentID string) CallType {
	if dlg.Kind == DialogSub && target == supdialogAgentID {
		return CallTypeA
	}
	if session != "" {
		return CallTypeB
	}
	return CallTypeC
}

// isSelfTellaskByAlias reports whether raw was written as the @self alias
// (as opposed to the agent mentioning its own real agentId, which is
// permitted but flagged with a clarification bubble per the component
// design).
func isSelfTellaskByAlias(raw string) bool {
	return strings.EqualFold(raw, aliasSelf)
}

// DomindsBubble formats a localized-style system notice bubble. Actual
// localization is out of scope; this produces the English default text the
// embedding application may translate.
func DomindsBubble(reason string) ChatMessage {
	return SayingMessage("[dominds] "+reason, 0)
}
