package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/danshapiro/ringdown/pkg/models"
)

// fakeProvider replays a fixed sequence of chunks, grounded on the teacher's
// provider tests which stub CompletionChunk channels directly rather than
// hitting a real API.
type fakeProvider struct {
	name   string
	chunks []*Chunk
	err    error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan *Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func drainEvents(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var got []Event
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, e)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestStreamEmitsTextThenToolCallThenTurnComplete(t *testing.T) {
	primary := &fakeProvider{chunks: []*Chunk{
		{Text: "Sending now. "},
		{ToolCall: &models.ToolCall{ID: "t1", Name: "SendEmail", ArgsRaw: json.RawMessage(`{"to":"dan@example.com"}`)}},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}}
	d := NewDriver(primary, nil)

	events := drainEvents(t, d.Stream(context.Background(), &Request{Model: "claude-sonnet-4-20250514"}))
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != EventTextDelta || events[0].Fragment != "Sending now. " {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Kind != EventToolCallRequest || events[1].ToolName != "SendEmail" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
	if events[2].Kind != EventTurnComplete || events[2].InputTokens != 10 {
		t.Fatalf("unexpected third event: %+v", events[2])
	}
}

func TestStreamRetriesBackupOnTransientWithNoDeltas(t *testing.T) {
	primary := &fakeProvider{chunks: []*Chunk{
		{Error: errors.New("503 service unavailable")},
	}}
	backup := &fakeProvider{chunks: []*Chunk{
		{Text: "fallback reply"},
		{Done: true},
	}}
	d := NewDriver(primary, backup)

	events := drainEvents(t, d.Stream(context.Background(), &Request{Model: "m", BackupModel: "backup-m"}))
	if len(events) != 2 {
		t.Fatalf("expected 2 events from backup, got %+v", events)
	}
	if events[0].Kind != EventTextDelta || events[0].Fragment != "fallback reply" {
		t.Fatalf("expected backup's text delta, got %+v", events[0])
	}
	if events[1].Kind != EventTurnComplete {
		t.Fatalf("expected turn complete, got %+v", events[1])
	}
}

func TestStreamDoesNotRetryAfterDeltasEmitted(t *testing.T) {
	primary := &fakeProvider{chunks: []*Chunk{
		{Text: "partial "},
		{Error: errors.New("503 service unavailable")},
	}}
	backup := &fakeProvider{chunks: []*Chunk{{Text: "should not appear"}}}
	d := NewDriver(primary, backup)

	events := drainEvents(t, d.Stream(context.Background(), &Request{Model: "m", BackupModel: "backup-m"}))
	if len(events) != 2 {
		t.Fatalf("expected text delta + stream error, got %+v", events)
	}
	if events[1].Kind != EventStreamError || events[1].ErrorKind != ErrorTransient {
		t.Fatalf("expected transient stream error, got %+v", events[1])
	}
}

func TestStreamEmitsCancelledOnContextCancellation(t *testing.T) {
	primary := &fakeProvider{chunks: nil}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDriver(primary, nil)
	events := drainEvents(t, d.Stream(ctx, &Request{Model: "m"}))
	if len(events) != 1 || events[0].Kind != EventStreamError || events[0].ErrorKind != ErrorCancelled {
		t.Fatalf("expected a single Cancelled StreamError, got %+v", events)
	}
}
