package managedav

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PipelineProvider provisions and tears down the managed audio/video
// pipeline session a mobile client joins (spec.md §3's room_url /
// pipeline_session_id). No SDK in the example corpus targets a specific
// managed-AV vendor (Daily, LiveKit, and similar are all absent from every
// pack repo's go.mod), so this stays a pluggable interface with a
// stdlib-only stub implementation rather than a fabricated dependency — see
// DESIGN.md.
type PipelineProvider interface {
	// CreateSession provisions a room for sessionID, returning its join URL
	// and the upstream provider's own session identifier.
	CreateSession(ctx context.Context, sessionID, agentID string) (roomURL, pipelineSessionID string, err error)
	// CloseSession releases the upstream room.
	CloseSession(ctx context.Context, pipelineSessionID string) error
}

// LocalPipelineProvider is a same-process stand-in for a managed-AV vendor,
// generating deterministic-shape room identifiers without any external call.
// Suitable for development and for builds with no managed pipeline wired;
// production deployments supply a real PipelineProvider.
type LocalPipelineProvider struct {
	baseURL string
}

// NewLocalPipelineProvider builds a LocalPipelineProvider that mints room
// URLs under baseURL (e.g. "https://av.ringdown.internal/rooms").
func NewLocalPipelineProvider(baseURL string) *LocalPipelineProvider {
	return &LocalPipelineProvider{baseURL: baseURL}
}

func (p *LocalPipelineProvider) CreateSession(ctx context.Context, sessionID, agentID string) (string, string, error) {
	pipelineSessionID := uuid.NewString()
	roomURL := fmt.Sprintf("%s/%s", p.baseURL, pipelineSessionID)
	return roomURL, pipelineSessionID, nil
}

func (p *LocalPipelineProvider) CloseSession(ctx context.Context, pipelineSessionID string) error {
	return nil
}
