package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadAppliesDefaultsAndResolvesInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "agents.yaml", `
agents:
  support:
    phone_numbers: ["+15551230000"]
    prompt: "You help customers."
`)
	path := writeFile(t, dir, "ringdownd.yaml", `
version: 1
$include: agents.yaml
defaults:
  model: claude-sonnet-4-20250514
  max_tool_iterations: 6
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	profiles := cfg.AgentProfiles(nil)
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	p := profiles[0]
	if p.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("expected default model inherited, got %q", p.Model)
	}
	if p.MaxToolIterations != 6 {
		t.Fatalf("expected default max_tool_iterations inherited, got %d", p.MaxToolIterations)
	}
}

func TestMaxToolIterationsZeroIsDistinctFromUnset(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ringdownd.yaml", `
version: 1
defaults:
  max_tool_iterations: 6
agents:
  locked-down:
    phone_numbers: ["+15551230006"]
    prompt: "You help customers."
    max_tool_iterations: 0
  inherits:
    phone_numbers: ["+15551230007"]
    prompt: "You help customers."
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	profiles := cfg.AgentProfiles(nil)
	byID := map[string]int{}
	for _, p := range profiles {
		byID[p.ID] = p.MaxToolIterations
	}
	if got := byID["locked-down"]; got != 0 {
		t.Fatalf("expected explicit max_tool_iterations=0 to stay 0, got %d", got)
	}
	if got := byID["inherits"]; got != 6 {
		t.Fatalf("expected default max_tool_iterations=6 inherited, got %d", got)
	}
}

func TestMaxToolIterationsFallsBackToBuiltinDefaultWhenWhollyUnset(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ringdownd.yaml", `
version: 1
agents:
  support:
    phone_numbers: ["+15551230008"]
    prompt: "You help customers."
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	profiles := cfg.AgentProfiles(nil)
	if profiles[0].MaxToolIterations != defaultMaxToolIterations {
		t.Fatalf("expected built-in default %d, got %d", defaultMaxToolIterations, profiles[0].MaxToolIterations)
	}
}

func TestAgentConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ringdownd.yaml", `
version: 1
defaults:
  model: claude-sonnet-4-20250514
agents:
  vip:
    phone_numbers: ["+15551230001"]
    prompt: "You help VIPs."
    model: claude-opus-4-20250514
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	profiles := cfg.AgentProfiles(nil)
	if profiles[0].Model != "claude-opus-4-20250514" {
		t.Fatalf("expected agent override, got %q", profiles[0].Model)
	}
}

func TestExpandToolPromptsSubstitutesBlurbs(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ringdownd.yaml", `
version: 1
defaults:
  tools: ["SendEmail"]
agents:
  support:
    phone_numbers: ["+15551230002"]
    prompt: "You help customers.\n{ToolPrompts}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	profiles := cfg.AgentProfiles(map[string]string{"SendEmail": "Use SendEmail to send mail."})
	if !strings.Contains(profiles[0].PromptTemplate, "Use SendEmail to send mail.") {
		t.Fatalf("expected tool blurb substituted, got %q", profiles[0].PromptTemplate)
	}
}

func TestValidateRejectsDuplicatePhoneNumber(t *testing.T) {
	cfg := &Config{Agents: map[string]AgentConfig{
		"a": {Prompt: "x", PhoneNumbers: []string{"+15551230003"}},
		"b": {Prompt: "y", PhoneNumbers: []string{"+15551230003"}},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate phone number")
	}
}

func TestValidateRejectsEmptyPrompt(t *testing.T) {
	cfg := &Config{Agents: map[string]AgentConfig{"a": {PhoneNumbers: []string{"+15551230004"}}}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestValidateRejectsNoAgents(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for no agents")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ringdownd.yaml", `
version: 1
agents:
  support:
    phone_numbers: ["+15551230005"]
    prompt: "hi"
    bogus_field: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected strict decode to reject unknown field")
	}
}
