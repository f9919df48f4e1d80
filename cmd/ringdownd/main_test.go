package main

import "testing"

func TestBuildRootCmdIncludesServe(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	if !names["serve"] {
		t.Fatalf("expected subcommand %q to be registered", "serve")
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := resolveConfigPath("/etc/ringdown/custom.yaml"); got != "/etc/ringdown/custom.yaml" {
		t.Errorf("explicit path should pass through unchanged, got %q", got)
	}

	t.Setenv("RINGDOWN_CONFIG", "")
	if got := resolveConfigPath(""); got != "ringdown.yaml" {
		t.Errorf("expected default path, got %q", got)
	}

	t.Setenv("RINGDOWN_CONFIG", "/opt/ringdown.yaml")
	if got := resolveConfigPath(""); got != "/opt/ringdown.yaml" {
		t.Errorf("expected env override, got %q", got)
	}
}

func TestTransportLabel(t *testing.T) {
	cases := map[string]string{
		"/ws":                               "telephony",
		"/v1/mobile/devices/register":        "managed_av",
		"/v1/mobile/managed-av/control/next": "managed_av",
		"/healthz":                           "http",
		"/metrics":                           "http",
	}
	for path, want := range cases {
		if got := transportLabel(path); got != want {
			t.Errorf("transportLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
