// Package config loads Ringdown's declarative configuration file: a YAML (or
// JSON5) document describing the server's network surface, its agent
// profiles, and the ambient observability/security settings around them,
// grounded on the teacher's config package ($include composition,
// strict-decode-then-validate shape).
package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/danshapiro/ringdown/pkg/models"
)

// Config is the top-level configuration structure for ringdownd.
type Config struct {
	Version   int                    `yaml:"version"`
	Server    ServerConfig           `yaml:"server"`
	Logging   LoggingConfig          `yaml:"logging"`
	Tracing   TracingConfig          `yaml:"tracing"`
	LLM       LLMConfig              `yaml:"llm"`
	ManagedAV ManagedAVConfig        `yaml:"managed_av"`
	Features  FeaturesConfig         `yaml:"features"`
	Defaults  ProfileDefaults        `yaml:"defaults"`
	Agents    map[string]AgentConfig `yaml:"agents"`
}

// ProfileDefaults supplies fallback values for any field an AgentConfig
// leaves unset, per spec.md §6.5's `defaults: { model, backup_model, voice,
// max_disconnect_seconds, max_tool_iterations, tools: [name] }`.
type ProfileDefaults struct {
	Model                string   `yaml:"model"`
	BackupModel          string   `yaml:"backup_model"`
	Voice                string   `yaml:"voice"`
	MaxDisconnectSeconds int      `yaml:"max_disconnect_seconds"`
	// MaxToolIterations is a pointer so an explicit `max_tool_iterations: 0`
	// (spec.md §8's "short-circuit to a spoken refusal" boundary) is
	// distinguishable from the key being absent entirely.
	MaxToolIterations    *int     `yaml:"max_tool_iterations"`
	Tools                []string `yaml:"tools"`
	Greeting             string   `yaml:"greeting"`
	FallbackMessage      string   `yaml:"fallback_message"`
	ContinueConversation bool     `yaml:"continue_conversation"`
}

// AgentConfig is one entry of the `agents` map, per spec.md §6.5 and §3's
// Agent Profile record. Prompt may contain the literal token
// `{ToolPrompts}`, substituted at load time by AgentProfiles.
type AgentConfig struct {
	PhoneNumbers           []string `yaml:"phone_numbers"`
	Prompt                 string   `yaml:"prompt"`
	Tools                  []string `yaml:"tools"`
	Voice                  string   `yaml:"voice"`
	Model                  string   `yaml:"model"`
	BackupModel            string   `yaml:"backup_model"`
	Greeting               string   `yaml:"greeting"`
	FallbackMessage        string   `yaml:"fallback_message"`
	MaxDisconnectSeconds   int      `yaml:"max_disconnect_seconds"`
	// See ProfileDefaults.MaxToolIterations for why this is a pointer.
	MaxToolIterations      *int     `yaml:"max_tool_iterations"`
	ContinueConversation   bool     `yaml:"continue_conversation"`
	EmailGreenlistEnforced bool     `yaml:"email_greenlist_enforced"`
	EmailGreenlist         []string `yaml:"email_greenlist"`
	DocsFolderGreenlist    []string `yaml:"docs_folder_greenlist"`
}

// ManagedAVConfig configures the Managed-AV Session Controller (F):
// the HMAC secret signing mobile access tokens, their TTL, and the base URL
// of the managed audio/video pipeline provider.
type ManagedAVConfig struct {
	TokenSecret     string        `yaml:"token_secret"`
	TokenTTLSeconds int           `yaml:"token_ttl_seconds"`
	PipelineBaseURL string        `yaml:"pipeline_base_url"`
	DevicePolicy    DevicePolicyConfig `yaml:"device_policy"`
}

// DevicePolicyConfig mirrors managedav.DevicePolicy so it can be declared in
// the config file rather than hardcoded.
type DevicePolicyConfig struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
	Default   string   `yaml:"default"`
}

// FeaturesConfig gates optional surfaces behind explicit opt-in, per
// spec.md §9 Open Question #3.
type FeaturesConfig struct {
	ControlHarness bool `yaml:"control_harness"`
}

// Load reads path (resolving $include directives and expanding environment
// variables), strictly decodes it into a Config, and validates it.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks structural invariants Load's strict YAML decode cannot
// catch on its own: every agent needs at least one phone number or to be
// reachable only by explicit agent id (managed-AV), and phone numbers must
// be unique across agents (agentprofile.NewRegistry re-checks this, but
// failing fast here gives a config-specific error message).
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	seen := map[string]string{}
	for id, agent := range c.Agents {
		if strings.TrimSpace(agent.Prompt) == "" {
			return fmt.Errorf("agent %q: prompt is required", id)
		}
		for _, num := range agent.PhoneNumbers {
			if owner, ok := seen[num]; ok {
				return fmt.Errorf("phone number %q claimed by both %q and %q", num, owner, id)
			}
			seen[num] = id
		}
	}
	return nil
}

// AgentProfiles builds the immutable []models.AgentProfile the Agent Profile
// Registry (B) is constructed from, applying Defaults to any unset
// AgentConfig field and expanding `{ToolPrompts}` in each prompt.
func (c *Config) AgentProfiles(toolBlurbs map[string]string) []models.AgentProfile {
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	profiles := make([]models.AgentProfile, 0, len(ids))
	for _, id := range ids {
		agent := c.Agents[id]
		profiles = append(profiles, models.AgentProfile{
			ID:                   id,
			PromptTemplate:       expandToolPrompts(agent.Prompt, firstNonEmptyTools(agent.Tools, c.Defaults.Tools), toolBlurbs),
			Model:                firstNonEmpty(agent.Model, c.Defaults.Model),
			BackupModel:          firstNonEmpty(agent.BackupModel, c.Defaults.BackupModel),
			VoiceID:              firstNonEmpty(agent.Voice, c.Defaults.Voice),
			ToolAllowlist:        firstNonEmptyTools(agent.Tools, c.Defaults.Tools),
			DocScope:             agent.DocsFolderGreenlist,
			RecipientPolicy:      models.RecipientPolicy{Enforced: agent.EmailGreenlistEnforced, Patterns: agent.EmailGreenlist},
			Greeting:             firstNonEmpty(agent.Greeting, c.Defaults.Greeting),
			FallbackMessage:      firstNonEmpty(agent.FallbackMessage, c.Defaults.FallbackMessage),
			MaxToolIterations:    resolveMaxToolIterations(agent.MaxToolIterations, c.Defaults.MaxToolIterations),
			MaxDisconnectSeconds: firstNonEmptyInt(agent.MaxDisconnectSeconds, c.Defaults.MaxDisconnectSeconds),
			ContinueConversation: agent.ContinueConversation || c.Defaults.ContinueConversation,
			PhoneNumbers:         agent.PhoneNumbers,
		})
	}
	return profiles
}

var toolPromptsToken = regexp.MustCompile(`\{ToolPrompts\}`)

// expandToolPrompts substitutes the literal token `{ToolPrompts}` with the
// concatenation of each enabled tool's user-facing usage blurb, per
// spec.md §6.5.
func expandToolPrompts(prompt string, tools []string, blurbs map[string]string) string {
	if !toolPromptsToken.MatchString(prompt) {
		return prompt
	}
	var b strings.Builder
	for i, name := range tools {
		if blurb, ok := blurbs[name]; ok {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(blurb)
		}
	}
	return toolPromptsToken.ReplaceAllString(prompt, b.String())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptyInt(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// defaultMaxToolIterations is used only when neither the agent nor
// defaults configures max_tool_iterations at all.
const defaultMaxToolIterations = 10

// resolveMaxToolIterations picks the agent's explicit value, falling back to
// defaults, distinguishing an explicit `max_tool_iterations: 0` (spec.md
// §8's refusal boundary) from the key being unset at both levels.
func resolveMaxToolIterations(agent, defaults *int) int {
	if agent != nil {
		return *agent
	}
	if defaults != nil {
		return *defaults
	}
	return defaultMaxToolIterations
}

func firstNonEmptyTools(primary, fallback []string) []string {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

