// Package conversation implements the Conversation Store (component A):
// bounded per-caller message histories, pending-tool-call resumption state,
// and per-caller exclusive mutation via acquired Handles.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danshapiro/ringdown/pkg/models"
)

// ErrCallerBusy is returned by TryAcquire when the caller's record is
// already held by another session, grounded on spec.md §5's CallerBusy
// policy for the Voice Session Loop's setup handler.
var ErrCallerBusy = errors.New("conversation: caller already has an active session")

// ErrPruneInvariant indicates pruning would have split an Assistant/ToolResult
// pair or removed the system message — a bug in the caller, never expected
// in normal operation. Per spec.md §4.1 this is fatal (fail-fast).
var ErrPruneInvariant = errors.New("conversation: pruning invariant violated")

// Store is the Conversation Store interface. MemoryStore is the only
// implementation — persistent durable sessions are an explicit Non-goal.
type Store interface {
	// Acquire blocks until the caller's record is free, then returns an
	// exclusive Handle. Used by components (like Managed-AV completions)
	// that only need the record for the duration of one short operation.
	Acquire(ctx context.Context, caller models.CallerID) (*Handle, error)

	// TryAcquire acquires immediately or returns ErrCallerBusy. Used by the
	// Voice Session Loop's setup handler, which must refuse a second
	// concurrent call for the same caller rather than queue behind it.
	TryAcquire(caller models.CallerID) (*Handle, error)
}

// Handle grants exclusive mutation of one caller's ConversationRecord for
// its lifetime. Release MUST be called exactly once.
type Handle struct {
	store   *MemoryStore
	caller  models.CallerID
	release func()
	closed  bool
	mu      sync.Mutex
}

// Release returns the handle's record to availability. Safe to call more
// than once; only the first call has effect.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.release()
}

// Caller returns the handle's owning caller id.
func (h *Handle) Caller() models.CallerID { return h.caller }

// MemoryStore is the in-memory Store implementation, grounded on the
// teacher's sessions.MemoryStore (defensive cloning) with its locking split
// into a dedicated per-caller lockRegistry (internal/sessions/write_lock.go's
// SessionLockManager pattern) instead of the teacher's package-wide RWMutex,
// since spec.md requires per-caller, not global, exclusivity.
type MemoryStore struct {
	window int

	locks lockRegistry

	mu      sync.Mutex
	records map[models.CallerID]*models.ConversationRecord
}

// NewMemoryStore creates an empty store pruning histories to window messages
// (including the system message). window <= 0 means unbounded.
func NewMemoryStore(window int) *MemoryStore {
	return &MemoryStore{
		window:  window,
		records: make(map[models.CallerID]*models.ConversationRecord),
	}
}

func (s *MemoryStore) Acquire(ctx context.Context, caller models.CallerID) (*Handle, error) {
	release, err := s.locks.acquire(ctx, caller)
	if err != nil {
		return nil, err
	}
	return &Handle{store: s, caller: caller, release: release}, nil
}

func (s *MemoryStore) TryAcquire(caller models.CallerID) (*Handle, error) {
	release, ok := s.locks.tryAcquire(caller)
	if !ok {
		return nil, ErrCallerBusy
	}
	return &Handle{store: s, caller: caller, release: release}, nil
}

func (s *MemoryStore) recordFor(h *Handle, agentID string, createIfMissing bool) *models.ConversationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[h.caller]
	if !ok && createIfMissing {
		now := time.Now()
		rec = &models.ConversationRecord{
			CallerID:      h.caller,
			AgentID:       agentID,
			CreatedAt:     now,
			LastTouchedAt: now,
		}
		s.records[h.caller] = rec
	}
	return rec
}

// EnsureSystemMessage seeds the record's first message if the record is new,
// and reports whether the record already had any history (so the Voice
// Session Loop knows whether to emit the greeting).
func (s *MemoryStore) EnsureSystemMessage(h *Handle, agentID, systemText string) (hadHistory bool) {
	rec := s.recordFor(h, agentID, true)
	if len(rec.Messages) > 0 {
		return true
	}
	rec.Messages = append(rec.Messages, models.NewSystemMessage(uuid.NewString(), systemText))
	return false
}

// Append adds msg to the caller's record in order, pruning afterward if the
// window is exceeded. Returns ErrPruneInvariant if pruning cannot preserve
// the invariants, which the caller must treat as fatal.
func (s *MemoryStore) Append(h *Handle, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[h.caller]
	if !ok {
		return errors.New("conversation: append before EnsureSystemMessage")
	}
	rec.Messages = append(rec.Messages, msg)
	rec.LastTouchedAt = time.Now()
	if msg.HasPendingToolCalls() {
		for _, tc := range msg.ToolCalls {
			rec.PendingToolCalls = rec.PendingToolCalls.Add(tc.ID)
		}
	}
	if msg.Kind == models.KindToolResult {
		rec.PendingToolCalls = rec.PendingToolCalls.Remove(msg.ToolCallID)
	}
	if s.window > 0 {
		pruned, err := prune(rec.Messages, s.window)
		if err != nil {
			return err
		}
		rec.Messages = pruned
	}
	return nil
}

// Snapshot returns a defensive copy of the caller's ordered message list.
func (s *MemoryStore) Snapshot(h *Handle) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[h.caller]
	if !ok {
		return nil
	}
	return append([]models.Message(nil), rec.Messages...)
}

// PendingToolCalls returns the caller's outstanding tool_call ids.
func (s *MemoryStore) PendingToolCalls(h *Handle) models.ToolCallSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[h.caller]
	if !ok {
		return nil
	}
	return append(models.ToolCallSet(nil), rec.PendingToolCalls...)
}
