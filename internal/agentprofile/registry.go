// Package agentprofile implements the Agent Profile Registry (component B):
// resolving a caller identity to its immutable AgentProfile by matching
// configured phone number lists, grounded on the teacher's config.Config
// profile/agent map shape.
package agentprofile

import (
	"fmt"
	"regexp"

	"github.com/danshapiro/ringdown/pkg/models"
)

// ErrUnknownCaller is returned when no profile's phone_numbers list
// contains the caller, per spec.md §7's UnknownCaller error kind.
type ErrUnknownCaller struct {
	Caller models.CallerID
}

func (e *ErrUnknownCaller) Error() string {
	return fmt.Sprintf("agentprofile: no profile matches caller %q", e.Caller)
}

// Registry resolves callers to profiles. Profiles are immutable once built;
// a config reload constructs a new Registry rather than mutating one in
// place, avoiding any need for locking on the read path.
type Registry struct {
	profiles       []models.AgentProfile
	byID           map[string]models.AgentProfile
	byPhoneNumber  map[string]string // E.164 -> profile id, exact match
	defaultProfile string            // profile id used when no phone number lists a caller and a default is configured
}

// NewRegistry builds a Registry from profiles. defaultProfileID, if
// non-empty, must name one of profiles and is used as the fallback when no
// profile's phone_numbers contains the caller — a config convenience some
// deployments want (a single agent answering every unlisted number) while
// still letting most deployments enforce UnknownCaller strictly by leaving
// it empty.
func NewRegistry(profiles []models.AgentProfile, defaultProfileID string) (*Registry, error) {
	r := &Registry{
		byID:          make(map[string]models.AgentProfile, len(profiles)),
		byPhoneNumber: make(map[string]string),
	}
	for _, p := range profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("agentprofile: profile with empty id")
		}
		if _, exists := r.byID[p.ID]; exists {
			return nil, fmt.Errorf("agentprofile: duplicate profile id %q", p.ID)
		}
		r.byID[p.ID] = p
		r.profiles = append(r.profiles, p)
		for _, num := range p.PhoneNumbers {
			if _, exists := r.byPhoneNumber[num]; exists {
				return nil, fmt.Errorf("agentprofile: phone number %q claimed by more than one profile", num)
			}
			r.byPhoneNumber[num] = p.ID
		}
	}
	if defaultProfileID != "" {
		if _, ok := r.byID[defaultProfileID]; !ok {
			return nil, fmt.Errorf("agentprofile: default profile id %q not found", defaultProfileID)
		}
	}
	r.defaultProfile = defaultProfileID
	return r, nil
}

// Resolve returns the profile whose phone_numbers contains caller. If none
// matches and a default profile was configured, the default is returned.
// Otherwise ErrUnknownCaller.
func (r *Registry) Resolve(caller models.CallerID) (models.AgentProfile, error) {
	if id, ok := r.byPhoneNumber[caller.String()]; ok {
		return r.byID[id], nil
	}
	if r.defaultProfile != "" {
		return r.byID[r.defaultProfile], nil
	}
	return models.AgentProfile{}, &ErrUnknownCaller{Caller: caller}
}

// ByID returns a profile by its configured id, used by the Managed-AV
// Session Controller which is handed an agent_id directly rather than a
// caller identity.
func (r *Registry) ByID(id string) (models.AgentProfile, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// DocScopeAllows reports whether path is permitted by profile's doc_scope
// regex allowlist. An empty doc_scope denies everything, matching the
// config's fail-closed posture for filesystem-adjacent tools.
func DocScopeAllows(profile models.AgentProfile, path string) bool {
	for _, pattern := range profile.DocScope {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// RecipientAllowed reports whether recipient passes profile's recipient
// policy. When Enforced is false, every recipient is allowed.
func RecipientAllowed(profile models.AgentProfile, recipient string) bool {
	if !profile.RecipientPolicy.Enforced {
		return true
	}
	for _, pattern := range profile.RecipientPolicy.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(recipient) {
			return true
		}
	}
	return false
}
