package config

// LLMConfig carries credentials for the two LLM Streaming Driver (D)
// providers: Anthropic is always the primary, OpenAI is the backup used on
// the single Transient-error retry spec.md §4.4 permits. Per-agent model
// names live on AgentConfig/ProfileDefaults; only credentials live here
// since they are deployment secrets, not per-agent behavior.
type LLMConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
}
