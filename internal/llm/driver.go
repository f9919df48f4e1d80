package llm

import (
	"context"
	"encoding/json"
)

// eventBufferSize is the bounded channel capacity for a Driver's event
// stream, grounded on gateway.wsSession's `send chan []byte` of the same
// size — enough to absorb a burst of tool-call deltas without the emitting
// goroutine blocking on a slow consumer.
const eventBufferSize = 64

// Driver wraps a primary/backup Provider pair into spec.md §4.4's
// TextDelta|ToolCallRequest|TurnComplete|StreamError event union, grounded on
// the teacher's AgenticLoop.streamPhase chunk-consumption loop.
type Driver struct {
	primary Provider
	backup  Provider
}

// NewDriver builds a Driver over the given primary (Anthropic) and backup
// (OpenAI) providers. backup may be nil if an agent has no backup_model
// configured, in which case Transient errors simply surface as StreamError.
func NewDriver(primary, backup Provider) *Driver {
	return &Driver{primary: primary, backup: backup}
}

// Stream drives one completion, returning a channel of Events terminated by
// exactly one TurnComplete or StreamError. Closing ctx cancels the upstream
// connection; the last event emitted is then StreamError{Cancelled}.
func (d *Driver) Stream(ctx context.Context, req *Request) <-chan Event {
	out := make(chan Event, eventBufferSize)
	go d.run(ctx, req, out)
	return out
}

func (d *Driver) run(ctx context.Context, req *Request, out chan<- Event) {
	defer close(out)

	deltasEmitted := false
	rawChunks, err := d.primary.Complete(ctx, req)
	if err != nil {
		out <- Event{Kind: EventStreamError, ErrorKind: ErrorInternal, Err: err}
		return
	}

	kind, finalErr, retryable := d.drain(ctx, rawChunks, out, &deltasEmitted)
	if kind == EventTurnComplete {
		return
	}

	// Only a Transient error with zero emitted deltas so far is eligible for
	// the single backup-model retry spec.md §4.4 allows.
	if retryable && !deltasEmitted && d.backup != nil {
		backupReq := *req
		backupReq.Model = req.BackupModel
		rawChunks, err = d.backup.Complete(ctx, &backupReq)
		if err != nil {
			out <- Event{Kind: EventStreamError, ErrorKind: ErrorInternal, Err: err}
			return
		}
		if _, backupErr, _ := d.drain(ctx, rawChunks, out, &deltasEmitted); backupErr != nil {
			out <- Event{Kind: EventStreamError, ErrorKind: classify(ctx, backupErr), Err: backupErr}
		}
		return
	}

	if finalErr != nil {
		out <- Event{Kind: EventStreamError, ErrorKind: classify(ctx, finalErr), Err: finalErr}
	}
}

// drain consumes raw provider chunks, translating them into Events and
// accumulating partial tool-call JSON until it parses, per spec.md §4.4's
// "emits ToolCallRequest only when the argument JSON has parsed
// successfully." It returns the terminal kind reached (EventTurnComplete on
// success), the error if the stream ended in one, and whether that error
// looks Transient and therefore retry-eligible.
func (d *Driver) drain(ctx context.Context, chunks <-chan *Chunk, out chan<- Event, deltasEmitted *bool) (EventKind, error, bool) {
	for {
		select {
		case <-ctx.Done():
			return EventStreamError, ctx.Err(), false
		case chunk, ok := <-chunks:
			if !ok {
				return EventTurnComplete, nil, false
			}
			if chunk.Error != nil {
				transient := isRetryableAnthropicError(chunk.Error) || isRetryableOpenAIError(chunk.Error)
				return EventStreamError, chunk.Error, transient
			}
			if chunk.Text != "" {
				*deltasEmitted = true
				out <- Event{Kind: EventTextDelta, Fragment: chunk.Text}
			}
			if chunk.ToolCall != nil && json.Valid(chunk.ToolCall.ArgsRaw) {
				*deltasEmitted = true
				out <- Event{
					Kind:         EventToolCallRequest,
					ToolCallID:   chunk.ToolCall.ID,
					ToolName:     chunk.ToolCall.Name,
					ToolArgsJSON: chunk.ToolCall.ArgsRaw,
				}
			}
			if chunk.Done {
				out <- Event{
					Kind:         EventTurnComplete,
					FinishReason: "stop",
					InputTokens:  chunk.InputTokens,
					OutputTokens: chunk.OutputTokens,
				}
				return EventTurnComplete, nil, false
			}
		}
	}
}

func classify(ctx context.Context, err error) StreamErrorKind {
	if ctx.Err() != nil {
		return ErrorCancelled
	}
	if isRetryableAnthropicError(err) || isRetryableOpenAIError(err) {
		return ErrorTransient
	}
	return ErrorInternal
}
