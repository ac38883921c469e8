package dialogdriver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

const defaultDiligencePushMax = 3

// DiligenceDecision is what the controller tells the generation loop to do
// when it's about to stop without having executed function tools.
type DiligenceDecision struct {
	Stop           bool
	NextPrompt     *HumanPrompt
	BudgetEvent    *DiligenceBudgetPayload
	Q4HEvent       *HumanQuestion
}

// diligenceController implements the Diligence Push auto-continuation
// policy (component design §4.8).
type diligenceController struct {
	workspaceDir string
}

func newDiligenceController(workspaceDir string) *diligenceController {
	return &diligenceController{workspaceDir: workspaceDir}
}

// loadText resolves .minds/diligence.<lang>.md then .minds/diligence.md,
// frontmatter-stripped. An empty file or empty body after stripping
// frontmatter is an explicit disable signal. Read errors fall back to a
// built-in default.
func (c *diligenceController) loadText(lang string) (text string, disabled bool) {
	candidates := []string{}
	if lang != "" {
		candidates = append(candidates, filepath.Join(c.workspaceDir, ".minds", "diligence."+lang+".md"))
	}
	candidates = append(candidates, filepath.Join(c.workspaceDir, ".minds", "diligence.md"))

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		_, body, err := StripFrontmatter(data)
		if err != nil {
			continue
		}
		if strings.TrimSpace(body) == "" {
			return "", true
		}
		return body, false
	}
	return defaultDiligenceText, false
}

const defaultDiligenceText = "Continue working toward completing the task. If there is nothing more to do, say so explicitly."

// Evaluate runs the controller for one generation-loop stop decision.
// suppressed covers both an explicit drive-caller suppression and
// dlg.DisableDiligencePush.
func (c *diligenceController) Evaluate(ctx context.Context, dlg *Dialog, agent Member, suppressed bool) DiligenceDecision {
	if !dlg.IsRoot() {
		return DiligenceDecision{Stop: true}
	}

	text, disabled := c.loadText(dlg.LastUserLanguageCode)
	if disabled || suppressed || dlg.DisableDiligencePush {
		return DiligenceDecision{Stop: true}
	}

	maxInject := agent.DiligencePushMax
	if maxInject <= 0 {
		maxInject = defaultDiligencePushMax
	}

	if dlg.DiligencePushRemainingBudget >= 1 {
		dlg.DiligencePushRemainingBudget--
		injected := maxInject - dlg.DiligencePushRemainingBudget
		return DiligenceDecision{
			Stop:       false,
			NextPrompt: &HumanPrompt{Content: text, Grammar: GrammarMarkdown},
			BudgetEvent: &DiligenceBudgetPayload{
				MaxInjectCount: maxInject,
				InjectedCount:  injected,
				RemainingCount: dlg.DiligencePushRemainingBudget,
			},
		}
	}

	dlg.DiligencePushRemainingBudget = 0
	q := HumanQuestion{
		ID:          NewID(),
		TellaskHead: "@human",
		BodyContent: "I've used my available auto-continue budget. Should I keep going?",
		AskedAt:     Now(),
	}
	return DiligenceDecision{
		Stop:     true,
		Q4HEvent: &q,
		BudgetEvent: &DiligenceBudgetPayload{
			MaxInjectCount: maxInject,
			InjectedCount:  maxInject,
			RemainingCount: 0,
		},
	}
}

// MaybeReset restores a root dialog's Diligence Push budget to its
// configured maximum whenever a pending Q4H exists after an iteration, so
// a user's answer restarts the budget. A malformed tellask alone does not
// trigger a reset — only an actual pending Q4H does, per the component
// design's stated reset condition.
func (c *diligenceController) MaybeReset(dlg *Dialog, agent Member, hasPendingQ4H bool) {
	if !dlg.IsRoot() || !hasPendingQ4H {
		return
	}
	maxInject := agent.DiligencePushMax
	if maxInject <= 0 {
		maxInject = defaultDiligencePushMax
	}
	dlg.DiligencePushRemainingBudget = maxInject
}
