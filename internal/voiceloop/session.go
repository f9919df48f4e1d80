package voiceloop

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danshapiro/ringdown/internal/conversation"
	"github.com/danshapiro/ringdown/internal/llm"
	"github.com/danshapiro/ringdown/internal/observability"
	"github.com/danshapiro/ringdown/internal/tooling"
	"github.com/danshapiro/ringdown/pkg/models"
)

// ErrReconnectRequired is returned by Run when the Connection Lifetime
// Governor (G) fires: the caller must close the transport with code 4000 and
// reason "Graceful reconnection required" without releasing the Handle, so a
// reconnecting setup for the same callSid can re-adopt it (spec.md §4.7).
var ErrReconnectRequired = errors.New("voiceloop: graceful reconnect required")

// reconnectNotice is the short pre-recorded speech frame spoken just before
// the Governor closes the connection.
const reconnectNotice = "I need to briefly reconnect, one moment."

// toolOutcome is one resolved tool invocation handed back to the session
// loop from its dispatch goroutine.
type toolOutcome struct {
	id      string
	name    string
	payload []byte
	toolErr *tooling.ToolError
}

// Session runs one WebSocket connection's turn cycle against an already
// resolved agent profile and an already acquired Conversation Handle. The
// transport (transport.go) owns the socket; Session only sees inboundFrame
// values and a Sink to write through.
type Session struct {
	caller  models.CallerID
	profile models.AgentProfile
	tools   []tooling.Descriptor

	store  *conversation.MemoryStore
	handle *conversation.Handle

	driver  Driver
	invoker Invoker
	sink    Sink

	obs    *observability.Collector
	callID string

	state State

	// turn-scoped state; valid only while turnCancel != nil.
	turnCtx        context.Context
	turnCancel     context.CancelFunc
	driverEvents   <-chan llm.Event
	toolResults    chan toolOutcome
	segmentText    strings.Builder // narration since the last Assistant message boundary
	flushBuf       string          // text accumulated but not yet spoken
	outstanding    int             // tool goroutines dispatched, not yet resolved
	toolIterations int             // total invocations dispatched this turn (all legs)
	toolsThisLeg   int             // invocations dispatched in the current streaming leg
	dispatched     map[string]models.ToolCall
	flushTimer     *time.Timer
	flushFired     chan struct{}
	lastFlushAt    time.Time
	turnSpan       *observability.TurnSpan
	llmSpan        *observability.LLMSpan
	toolSpans      map[string]*observability.ToolSpan
}

// NewSession wires a turn-cycle engine for one connection. handle must
// already be held for caller; the caller decides (via Engine) whether it was
// freshly acquired or re-adopted from a prior connection. obs may be nil,
// disabling turn/tool/LLM instrumentation.
func NewSession(caller models.CallerID, profile models.AgentProfile, tools []tooling.Descriptor, store *conversation.MemoryStore, handle *conversation.Handle, driver Driver, invoker Invoker, sink Sink, obs *observability.Collector, callID string) *Session {
	return &Session{
		caller:  caller,
		profile: profile,
		tools:   tools,
		store:   store,
		handle:  handle,
		driver:  driver,
		invoker: invoker,
		sink:    sink,
		obs:     obs,
		callID:  callID,
		state:   StateIdle,
	}
}

// Greet seeds the system message and, unless history already exists and the
// profile wants conversations continued, speaks the configured greeting. It
// is a no-op (beyond bookkeeping) on a re-adopted reconnect, which Engine
// detects and skips calling this for.
func (s *Session) Greet() error {
	hadHistory := s.store.EnsureSystemMessage(s.handle, s.profile.ID, s.profile.PromptTemplate)
	s.state = StateGreeting
	if (!hadHistory || !s.profile.ContinueConversation) && s.profile.Greeting != "" {
		if err := s.sink.SendText(s.profile.Greeting, true); err != nil {
			return err
		}
		if err := s.store.Append(s.handle, models.NewAssistantMessage(uuid.NewString(), s.profile.Greeting, nil)); err != nil {
			return err
		}
	}
	s.state = StateAwaitingUser
	return nil
}

// Run drives the session against inbound transport frames until the call
// ends, the transport errs, or the Governor (via governorDeadline) requires
// a graceful reconnect. It returns ErrReconnectRequired in the last case,
// leaving the Conversation Handle held; any other return means the Handle
// has been released and the session is done for good.
func (s *Session) Run(ctx context.Context, inbound <-chan inboundFrame, governorDeadline <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			s.abandon()
			return ctx.Err()

		case <-governorDeadline:
			return s.handleGovernorDeadline()

		case frame, ok := <-inbound:
			if !ok {
				return s.hangup()
			}
			if err := s.handleFrame(ctx, frame); err != nil {
				return s.fatal(err)
			}

		case ev, ok := <-s.driverEvents:
			if !ok {
				continue
			}
			if err := s.handleDriverEvent(ev); err != nil {
				return s.fatal(err)
			}

		case outcome := <-s.toolResults:
			if err := s.handleToolOutcome(outcome); err != nil {
				return s.fatal(err)
			}

		case <-s.flushFired:
			if err := s.handleFlushTimeout(); err != nil {
				return s.fatal(err)
			}
		}

		if s.state == StateClosed {
			return nil
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, frame inboundFrame) error {
	switch frame.Type {
	case frameSetup:
		// A resend of setup on an already-running session only happens on
		// transport-level reconnect glue that Engine handles before Run is
		// even invoked; within Run it is a harmless no-op.
		return nil
	case framePrompt:
		if !frame.Last {
			return nil
		}
		return s.handleFinalTranscript(ctx, frame.VoicePrompt)
	case frameInterrupt:
		if s.turnCancel == nil {
			return nil
		}
		if err := s.bargeIn(); err != nil {
			return err
		}
		s.state = StateAwaitingUser
		return nil
	case frameDTMF:
		return nil
	case frameError:
		return errors.New("voiceloop: transport error: " + frame.Description)
	case framePing, framePong:
		return nil
	case frameHangup:
		return s.hangup()
	default:
		return nil
	}
}

func (s *Session) handleFinalTranscript(ctx context.Context, text string) error {
	if s.turnCancel != nil {
		if err := s.bargeIn(); err != nil {
			return err
		}
	} else if s.state != StateAwaitingUser {
		return nil
	}
	return s.startTurn(ctx, text)
}

func (s *Session) startTurn(ctx context.Context, text string) error {
	if err := s.store.Append(s.handle, models.NewUserMessage(uuid.NewString(), text, time.Now())); err != nil {
		return err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	turnCtx, s.turnSpan = s.obs.StartTurn(turnCtx, "telephony", s.callID, uuid.NewString())
	s.turnCtx = turnCtx
	s.turnCancel = cancel
	s.toolResults = make(chan toolOutcome, 16)
	s.dispatched = make(map[string]models.ToolCall)
	s.toolSpans = make(map[string]*observability.ToolSpan)
	s.toolIterations = 0
	s.segmentText.Reset()
	s.flushBuf = ""
	s.flushFired = make(chan struct{}, 1)
	s.lastFlushAt = time.Now()
	s.armFlushTimer()

	s.state = StateModelStreaming
	return s.streamLeg(turnCtx)
}

func (s *Session) streamLeg(ctx context.Context) error {
	s.toolsThisLeg = 0
	snapshot := s.store.Snapshot(s.handle)
	system, messages := toLLMMessages(snapshot)
	req := &llm.Request{
		Model:       s.profile.Model,
		BackupModel: s.profile.BackupModel,
		System:      system,
		Messages:    messages,
		Tools:       s.tools,
	}
	ctx, s.llmSpan = s.obs.StartLLMRequest(ctx, llmProviderFromModel(s.profile.Model), s.profile.Model)
	s.driverEvents = s.driver.Stream(ctx, req)
	return nil
}

// llmProviderFromModel guesses the provider label for metrics/tracing from a
// model name's vendor prefix; ringdown's Driver itself only distinguishes
// primary/backup, not provider identity, by the time a Session sees it.
func llmProviderFromModel(model string) string {
	if strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") {
		return "openai"
	}
	return "anthropic"
}

func (s *Session) handleDriverEvent(ev llm.Event) error {
	switch ev.Kind {
	case llm.EventTextDelta:
		s.segmentText.WriteString(ev.Fragment)
		s.flushBuf += ev.Fragment
		return s.drainSentenceFlushes()

	case llm.EventToolCallRequest:
		if err := s.flushRemainder(false); err != nil {
			return err
		}
		return s.dispatchToolCall(ev.ToolCallID, ev.ToolName, ev.ToolArgsJSON)

	case llm.EventTurnComplete:
		s.llmSpan.End("success", ev.InputTokens, ev.OutputTokens, nil)
		if err := s.flushRemainder(s.toolsThisLeg == 0); err != nil {
			return err
		}
		s.driverEvents = nil
		if s.outstanding == 0 {
			return s.finalizeOrContinue()
		}
		return nil

	case llm.EventStreamError:
		s.llmSpan.End("error", 0, 0, ev.Err)
		return s.failTurn()
	}
	return nil
}

// drainSentenceFlushes speaks every complete sentence currently buffered.
func (s *Session) drainSentenceFlushes() error {
	for {
		flush, remainder, ok := splitFlushable(s.flushBuf)
		if !ok {
			return nil
		}
		if err := s.sink.SendText(flush, false); err != nil {
			return err
		}
		s.flushBuf = remainder
		s.lastFlushAt = time.Now()
		s.armFlushTimer()
	}
}

// flushRemainder speaks whatever is left in flushBuf unconditionally (used
// before tool dispatch and at turn completion), regardless of sentence
// boundaries. last marks the speech as the final fragment of the turn.
func (s *Session) flushRemainder(last bool) error {
	if s.flushBuf == "" {
		return nil
	}
	text := s.flushBuf
	s.flushBuf = ""
	s.lastFlushAt = time.Now()
	return s.sink.SendText(text, last)
}

func (s *Session) handleFlushTimeout() error {
	if s.turnCancel == nil {
		return nil
	}
	if time.Since(s.lastFlushAt) < flushTimerInterval || s.flushBuf == "" {
		s.armFlushTimer()
		return nil
	}
	text := s.flushBuf
	s.flushBuf = ""
	s.lastFlushAt = time.Now()
	s.armFlushTimer()
	return s.sink.SendText(text, false)
}

func (s *Session) armFlushTimer() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	fired := s.flushFired
	s.flushTimer = time.AfterFunc(flushTimerInterval, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
}

func (s *Session) dispatchToolCall(id, name string, argsJSON []byte) error {
	call := models.ToolCall{ID: id, Name: name, ArgsRaw: argsJSON}
	text := s.segmentText.String()
	s.segmentText.Reset()
	if err := s.store.Append(s.handle, models.NewAssistantMessage(uuid.NewString(), text, []models.ToolCall{call})); err != nil {
		return err
	}
	s.dispatched[id] = call
	s.toolIterations++
	s.toolsThisLeg++
	s.state = StateToolRunning

	// spec.md §8's explicit boundary: max_tool_iterations=0 means this
	// profile never runs tools at all; every tool_call request short-circuits
	// to a spoken refusal instead of invoking anything or waiting on a
	// continuation call.
	if s.profile.MaxToolIterations == 0 {
		_, toolSpan := s.obs.StartToolExecution(s.turnCtx, name)
		toolSpan.End(s.turnCtx, "refused", nil)
		return s.refuseToolCall(id, name)
	}

	s.outstanding++
	_, toolSpan := s.obs.StartToolExecution(s.turnCtx, name)
	s.toolSpans[id] = toolSpan

	if s.toolIterations > s.profile.MaxToolIterations {
		results := s.toolResults
		limitErr := tooling.NewInternalError(errors.New("tool iteration limit reached for this turn"))
		go func() {
			select {
			case results <- toolOutcome{id: id, name: name, payload: toolIterationLimitPayload, toolErr: limitErr}:
			case <-s.turnCtx.Done():
			}
		}()
		return nil
	}

	turnCtx := s.turnCtx
	results := s.toolResults
	sink := s.sink
	go func() {
		payload, toolErr := s.invoker.Invoke(turnCtx, call, func(ev tooling.StatusEvent) {
			_ = sink.SendText(ev.Phrase, false)
		})
		select {
		case results <- toolOutcome{id: id, name: name, payload: payload, toolErr: toolErr}:
		case <-turnCtx.Done():
		}
	}()
	return nil
}

var toolIterationLimitPayload = []byte(`{"ok":false,"error":"internal","message":"tool iteration limit reached for this turn"}`)

var toolIterationRefusedPayload = []byte(`{"ok":false,"error":"internal","message":"tools are disabled for this agent"}`)

// refuseToolCall implements the max_tool_iterations=0 boundary: the tool
// call is resolved as refused without ever reaching the invoker, a spoken
// refusal replaces the usual model continuation, and the turn ends.
func (s *Session) refuseToolCall(id, name string) error {
	delete(s.dispatched, id)
	if err := s.store.Append(s.handle, models.NewToolResultMessage(uuid.NewString(), id, name, toolIterationRefusedPayload)); err != nil {
		return err
	}
	msg := s.profile.FallbackMessage
	if msg == "" {
		msg = "I'm sorry, I can't do that on this call."
	}
	if err := s.sink.SendText(msg, true); err != nil {
		return err
	}
	s.endTurn()
	return nil
}

func (s *Session) handleToolOutcome(o toolOutcome) error {
	s.outstanding--
	status := "success"
	var toolErr error
	if o.toolErr != nil {
		status = "error"
		toolErr = o.toolErr
	}
	if span, ok := s.toolSpans[o.id]; ok {
		span.End(s.turnCtx, status, toolErr)
		delete(s.toolSpans, o.id)
	}
	if err := s.store.Append(s.handle, models.NewToolResultMessage(uuid.NewString(), o.id, o.name, o.payload)); err != nil {
		return err
	}
	delete(s.dispatched, o.id)
	if s.driverEvents == nil && s.outstanding == 0 {
		return s.finalizeOrContinue()
	}
	return nil
}

// finalizeOrContinue runs once a streaming leg has ended and every tool call
// it dispatched has resolved: if that leg requested any tool calls, the
// updated snapshot is streamed again (a continuation, spec.md §4.5 step 3);
// otherwise the turn is done and the session returns to AwaitingUser.
func (s *Session) finalizeOrContinue() error {
	if s.toolsThisLeg > 0 {
		s.state = StateModelStreaming
		return s.streamLeg(s.turnCtx)
	}
	text := s.segmentText.String()
	s.segmentText.Reset()
	if text != "" {
		if err := s.store.Append(s.handle, models.NewAssistantMessage(uuid.NewString(), text, nil)); err != nil {
			return err
		}
	}
	s.endTurn()
	return nil
}

// failTurn handles a terminal StreamError: any tool calls still pending in
// this leg are resolved as cancelled (preserving the tool-result-completeness
// invariant), a fallback apology is spoken, and the turn is dropped.
func (s *Session) failTurn() error {
	s.resolvePendingAsCancelled()
	if s.profile.FallbackMessage != "" {
		if err := s.sink.SendText(s.profile.FallbackMessage, true); err != nil {
			return err
		}
	}
	s.endTurn()
	return nil
}

// bargeIn cancels the in-flight turn, tells the gateway to drop queued TTS,
// and resolves any tool calls still pending as synthetic cancellations, per
// spec.md §4.5's barge-in contract.
func (s *Session) bargeIn() error {
	if s.turnCancel == nil {
		return nil
	}
	s.turnCancel()
	if err := s.sink.SendClear(); err != nil {
		return err
	}
	if err := s.resolvePendingAsCancelled(); err != nil {
		return err
	}
	s.endTurn()
	return nil
}

func (s *Session) resolvePendingAsCancelled() error {
	text := s.segmentText.String()
	s.segmentText.Reset()
	if text != "" {
		if err := s.store.Append(s.handle, models.NewAssistantMessage(uuid.NewString(), text, nil)); err != nil {
			return err
		}
	}
	for _, id := range s.store.PendingToolCalls(s.handle) {
		call, ok := s.dispatched[id]
		if !ok {
			continue
		}
		if span, ok := s.toolSpans[id]; ok {
			span.End(s.turnCtx, "cancelled", nil)
			delete(s.toolSpans, id)
		}
		if err := s.store.Append(s.handle, models.NewToolResultMessage(uuid.NewString(), id, call.Name, cancelledPayload)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) endTurn() {
	if s.turnCancel != nil {
		s.turnCancel()
	}
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.turnSpan.End(s.turnCtx, nil)
	s.turnSpan = nil
	s.llmSpan = nil
	s.toolSpans = nil
	s.turnCtx = nil
	s.turnCancel = nil
	s.driverEvents = nil
	s.toolResults = nil
	s.flushFired = nil
	s.dispatched = nil
	s.outstanding = 0
	s.toolIterations = 0
	s.toolsThisLeg = 0
	s.flushBuf = ""
	s.state = StateAwaitingUser
}

// handleGovernorDeadline implements the Connection Lifetime Governor's
// 55-minute contract (spec.md §4.7): cancel any in-flight turn exactly as a
// barge-in would (resolving pending tool calls so history stays consistent),
// speak the reconnect notice, and leave the Handle held for the reconnecting
// session to re-adopt.
func (s *Session) handleGovernorDeadline() error {
	if s.turnCancel != nil {
		s.turnCancel()
		_ = s.resolvePendingAsCancelled()
		s.endTurn()
	}
	_ = s.sink.SendText(reconnectNotice, true)
	return ErrReconnectRequired
}

// hangup releases the Conversation Handle for good: transport close or an
// explicit hangup frame, per spec.md §4.5.
func (s *Session) hangup() error {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnSpan.End(s.turnCtx, nil)
	}
	s.handle.Release()
	s.state = StateClosed
	return nil
}

// fatal releases the Handle and reports err upward; used for transport
// errors and conversation-store invariant violations, both fail-fast per
// spec.md §4.5/§7.
func (s *Session) fatal(err error) error {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnSpan.End(s.turnCtx, err)
	}
	s.handle.Release()
	s.state = StateClosed
	return err
}

// abandon releases the Handle when the session's own context is cancelled
// from outside (process shutdown), without attempting further I/O on a
// transport that may already be gone.
func (s *Session) abandon() {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnSpan.End(s.turnCtx, context.Canceled)
	}
	s.handle.Release()
	s.state = StateClosed
}
