package agentprofile

import (
	"testing"

	"github.com/danshapiro/ringdown/pkg/models"
)

func mustCaller(t *testing.T, raw string) models.CallerID {
	t.Helper()
	c, err := models.NewCallerID(raw)
	if err != nil {
		t.Fatalf("NewCallerID(%q): %v", raw, err)
	}
	return c
}

func TestResolveMatchesByPhoneNumber(t *testing.T) {
	profiles := []models.AgentProfile{
		{ID: "ringdown-demo", PhoneNumbers: []string{"+15555550100"}, Greeting: "Hi Dan!"},
		{ID: "other", PhoneNumbers: []string{"+15555550199"}},
	}
	r, err := NewRegistry(profiles, "")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	p, err := r.Resolve(mustCaller(t, "+15555550100"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.ID != "ringdown-demo" || p.Greeting != "Hi Dan!" {
		t.Fatalf("unexpected profile: %+v", p)
	}
}

func TestResolveUnknownCallerWithoutDefault(t *testing.T) {
	r, err := NewRegistry([]models.AgentProfile{
		{ID: "ringdown-demo", PhoneNumbers: []string{"+15555550100"}},
	}, "")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	_, err = r.Resolve(mustCaller(t, "+19995550199"))
	if _, ok := err.(*ErrUnknownCaller); !ok {
		t.Fatalf("expected ErrUnknownCaller, got %v", err)
	}
}

func TestResolveFallsBackToDefaultProfile(t *testing.T) {
	r, err := NewRegistry([]models.AgentProfile{
		{ID: "ringdown-demo", PhoneNumbers: []string{"+15555550100"}},
		{ID: "catch-all", PhoneNumbers: nil},
	}, "catch-all")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	p, err := r.Resolve(mustCaller(t, "+19995550199"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "catch-all" {
		t.Fatalf("expected catch-all profile, got %+v", p)
	}
}

func TestNewRegistryRejectsDuplicatePhoneNumber(t *testing.T) {
	_, err := NewRegistry([]models.AgentProfile{
		{ID: "a", PhoneNumbers: []string{"+15555550100"}},
		{ID: "b", PhoneNumbers: []string{"+15555550100"}},
	}, "")
	if err == nil {
		t.Fatal("expected error for duplicate phone number claim")
	}
}

func TestRecipientAllowedHonorsEnforcedFlag(t *testing.T) {
	unenforced := models.AgentProfile{RecipientPolicy: models.RecipientPolicy{Enforced: false}}
	if !RecipientAllowed(unenforced, "anyone@example.com") {
		t.Fatal("expected unenforced policy to allow any recipient")
	}

	enforced := models.AgentProfile{RecipientPolicy: models.RecipientPolicy{
		Enforced: true,
		Patterns: []string{`^dan@example\.com$`},
	}}
	if !RecipientAllowed(enforced, "dan@example.com") {
		t.Fatal("expected allowlisted recipient to pass")
	}
	if RecipientAllowed(enforced, "stranger@example.com") {
		t.Fatal("expected non-allowlisted recipient to be rejected")
	}
}
