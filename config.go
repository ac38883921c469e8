package dialogdriver

import (
	"context"
	"strings"

	"gopkg.in/yaml.v3"
)

// Member is one team.yaml entry. Fields mirror exactly the member fields
// the component design consumes; anything else in the file is ignored.
type Member struct {
	AgentID          string         `yaml:"agent_id"`
	Name             string         `yaml:"name"`
	Provider         string         `yaml:"provider"`
	Model            string         `yaml:"model"`
	Streaming        bool           `yaml:"streaming"`
	ModelParams      map[string]any `yaml:"model_params"`
	FBRModelParams   map[string]any `yaml:"fbr_model_params"`
	FBREffort        int            `yaml:"fbr_effort"`
	DiligencePushMax int            `yaml:"diligence_push_max"`
}

// MemberDefaults is team.yaml's member_defaults block, used when a member
// does not set its own provider/model.
type MemberDefaults struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// TeamConfig is the decoded shape of .minds/team.yaml.
type TeamConfig struct {
	Members        []Member       `yaml:"members"`
	MemberDefaults MemberDefaults `yaml:"member_defaults"`
}

// ModelLimits is one model entry under an llm.yaml provider's models map.
type ModelLimits struct {
	ContextLength                        int `yaml:"context_length"`
	InputLength                          int `yaml:"input_length"`
	ContextWindow                        int `yaml:"context_window"`
	OptimalMaxTokens                     int `yaml:"optimal_max_tokens"`
	CriticalMaxTokens                    int `yaml:"critical_max_tokens"`
	CautionRemediationCadenceGenerations int `yaml:"caution_remediation_cadence_generations"`
}

// ContextLimitTokens returns the model's hard context limit, preferring
// context_length and falling back to input_length per the component design.
func (m ModelLimits) ContextLimitTokens() int {
	if m.ContextLength > 0 {
		return m.ContextLength
	}
	return m.InputLength
}

// ProviderConfig is one llm.yaml provider entry.
type ProviderConfig struct {
	APIType string                 `yaml:"apiType"`
	Models  map[string]ModelLimits `yaml:"models"`
}

// LLMConfig is the decoded shape of .minds/llm.yaml.
type LLMConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ResolveModel looks up a provider's model limits by name.
func (c LLMConfig) ResolveModel(provider, model string) (ModelLimits, bool) {
	p, ok := c.Providers[provider]
	if !ok {
		return ModelLimits{}, false
	}
	m, ok := p.Models[model]
	return m, ok
}

// LoadTeamConfig decodes a team.yaml document.
func LoadTeamConfig(data []byte) (TeamConfig, error) {
	var cfg TeamConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return TeamConfig{}, err
	}
	return cfg, nil
}

// LoadLLMConfig decodes an llm.yaml document.
func LoadLLMConfig(data []byte) (LLMConfig, error) {
	var cfg LLMConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return LLMConfig{}, err
	}
	return cfg, nil
}

// ResolvedMinds is what loadAgentMinds resolves for a dialog: the team and
// agent configuration, the effective system prompt, memory context
// messages, and the tool names the agent is permitted to use.
type ResolvedMinds struct {
	Team         TeamConfig
	Agent        Member
	SystemPrompt string
	Memories     []ChatMessage
	AgentTools   []string
}

// MindsLoader resolves an agent's effective configuration and memories for
// a dialog. Its backing directory layout and memory store are out of
// scope; the driver reloads through this interface fresh every iteration
// since configuration may change on disk between iterations.
type MindsLoader interface {
	LoadAgentMinds(ctx context.Context, agentID string, dlg *Dialog) (ResolvedMinds, error)
}

// StripFrontmatter splits an optional leading "---\n...\n---\n" YAML
// frontmatter block from markdown content, returning the decoded
// frontmatter (nil if absent) and the remaining body with the frontmatter
// removed. Used for .minds/diligence.md per the component design.
func StripFrontmatter(data []byte) (frontmatter map[string]any, body string, err error) {
	text := string(data)
	if !strings.HasPrefix(text, "---\n") && !strings.HasPrefix(text, "---\r\n") {
		return nil, text, nil
	}
	rest := text[strings.Index(text, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, text, nil
	}
	fmBlock := rest[:end]
	afterClose := rest[end+len("\n---"):]
	afterClose = strings.TrimPrefix(afterClose, "\r\n")
	afterClose = strings.TrimPrefix(afterClose, "\n")

	if strings.TrimSpace(fmBlock) == "" {
		return nil, afterClose, nil
	}
	var fm map[string]any
	if err := yaml.Unmarshal([]byte(fmBlock), &fm); err != nil {
		return nil, text, err
	}
	return fm, afterClose, nil
}
