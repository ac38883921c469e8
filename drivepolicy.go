package dialogdriver

import "strings"

// TellaskVocabulary restricts which tellask targets a drive is permitted
// to emit.
type TellaskVocabulary int

const (
	TellaskAllowAny TellaskVocabulary = iota
	TellaskTellaskerOnly
)

// DrivePolicy is the resolved {agent, systemPrompt, tools, vocabulary}
// bundle for one drive, built fresh every generation-loop iteration since
// configuration may have changed on disk.
type DrivePolicy struct {
	Agent             Member
	SystemPrompt      string
	Tools             []ToolDefinition
	ModelParams       map[string]any
	TellaskVocabulary TellaskVocabulary
	FunctionCallsOK   bool
	PrependedMessages []ChatMessage
}

const fbrSelfPrefix = "@self"

// IsFBRToolless reports whether dlg's assignment came from a self-tellask,
// the trigger condition for the FBR-toolless drive policy.
func IsFBRToolless(dlg *Dialog) bool {
	if dlg.Kind != DialogSub || dlg.Assignment == nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(dlg.Assignment.TellaskHead), fbrSelfPrefix)
}

// BuildDrivePolicy resolves the default or FBR-toolless policy for dlg, per
// the component design. fbrSystemPrompt is the language-specific FBR
// system prompt text resolved by the caller (language resolution is out of
// scope here).
func BuildDrivePolicy(dlg *Dialog, minds ResolvedMinds, toolDefs []ToolDefinition, fbrSystemPrompt string) DrivePolicy {
	if !IsFBRToolless(dlg) {
		return DrivePolicy{
			Agent:             minds.Agent,
			SystemPrompt:      minds.SystemPrompt,
			Tools:             toolDefs,
			ModelParams:       minds.Agent.ModelParams,
			TellaskVocabulary: TellaskAllowAny,
			FunctionCallsOK:   true,
		}
	}

	notice := EnvironmentMessage("No tools are available in this reasoning pass; respond using reasoning alone.")
	return DrivePolicy{
		Agent:             minds.Agent,
		SystemPrompt:      fbrSystemPrompt,
		Tools:             nil,
		ModelParams:       minds.Agent.FBRModelParams,
		TellaskVocabulary: TellaskTellaskerOnly,
		FunctionCallsOK:   false,
		PrependedMessages: []ChatMessage{notice},
	}
}

// ValidatePolicy checks the invariants the component design requires
// before every generation: a FBR-toolless policy must carry no tools and
// must restrict to tellasker-only; a default policy must allow function
// calls. A mismatch here is a fatal internal error, never recoverable by
// retry.
func ValidatePolicy(p DrivePolicy) error {
	if p.TellaskVocabulary == TellaskTellaskerOnly {
		if p.FunctionCallsOK || len(p.Tools) != 0 {
			return &ErrConfiguration{Detail: "fbr-toolless policy must forbid function calls and carry no tools"}
		}
	} else if !p.FunctionCallsOK {
		return &ErrConfiguration{Detail: "default policy must permit function calls"}
	}
	return nil
}
