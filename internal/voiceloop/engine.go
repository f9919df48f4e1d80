package voiceloop

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/danshapiro/ringdown/internal/agentprofile"
	"github.com/danshapiro/ringdown/internal/conversation"
	"github.com/danshapiro/ringdown/internal/observability"
	"github.com/danshapiro/ringdown/internal/tooling"
	"github.com/danshapiro/ringdown/pkg/models"
	"github.com/gorilla/websocket"
)

// adopted is what survives across a Governor-triggered reconnect (spec.md
// §4.7): the caller identity, resolved profile, and the still-held
// Conversation Handle. In-flight turn state does not survive — a mid-stream
// turn is cancelled and resolved as a barge-in before the old connection
// closes, so there is nothing left to carry over but the history itself.
type adopted struct {
	caller  models.CallerID
	profile models.AgentProfile
	handle  *conversation.Handle
}

// Engine is the Voice Session Loop's connection-level entrypoint: it
// resolves an agent profile and Conversation Handle per callSid, keeps the
// handle alive across a single Governor-triggered reconnect, and drives a
// fresh *Session for every physical WebSocket connection.
type Engine struct {
	profiles *agentprofile.Registry
	tools    *tooling.Registry
	store    *conversation.MemoryStore
	driver   Driver
	invoker  Invoker
	logger   *slog.Logger
	obs      *observability.Collector
	upgrader websocket.Upgrader

	mu        sync.Mutex
	reconnect map[string]*adopted // callSid -> state held open for one reconnect
}

// NewEngine builds an Engine. logger may be nil (defaults to slog.Default());
// obs may be nil, which disables call/turn/tool/LLM instrumentation.
func NewEngine(profiles *agentprofile.Registry, tools *tooling.Registry, store *conversation.MemoryStore, driver Driver, invoker Invoker, logger *slog.Logger, obs *observability.Collector) *Engine {
	return &Engine{
		profiles:  profiles,
		tools:     tools,
		store:     store,
		driver:    driver,
		invoker:   invoker,
		logger:    logger,
		obs:       obs,
		upgrader:  Upgrader(),
		reconnect: make(map[string]*adopted),
	}
}

// ErrUnknownCallSid is returned when a non-setup frame arrives before setup,
// or setup itself never arrives.
var ErrUnknownCallSid = errors.New("voiceloop: connection closed before setup")

// ServeHTTP is the `GET /ws` handler (spec.md §6.1).
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connectedAt := time.Now()
	err := serve(w, r, e.upgrader, e.logger, e.accept)
	e.obs.WSConnectionClosed(time.Since(connectedAt))
	if err != nil {
		e.logf("voiceloop: connection ended with error", "error", err)
	}
}

func (e *Engine) logf(msg string, args ...any) {
	logger := e.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(msg, args...)
}

// accept waits for the connection's setup frame, resolves or re-adopts the
// caller's state, and runs the turn-cycle Session until it ends or a
// Governor reconnect is required.
func (e *Engine) accept(ctx context.Context, sink Sink, inbound <-chan inboundFrame, governor <-chan struct{}) error {
	var setup inboundFrame
	select {
	case <-ctx.Done():
		return ctx.Err()
	case f, ok := <-inbound:
		if !ok {
			return ErrUnknownCallSid
		}
		if f.Type != frameSetup {
			return errors.New("voiceloop: first frame was not setup")
		}
		setup = f
	}

	caller, err := models.NewCallerID(setup.From)
	if err != nil {
		return err
	}

	state, reconnecting, err := e.resolve(setup.CallSid, caller)
	if err != nil {
		return err
	}

	if !reconnecting {
		e.obs.CallStarted(ctx, "telephony", setup.CallSid)
	}
	started := time.Now()

	descriptors := e.tools.SchemaFor(state.profile.ToolAllowlist)
	session := NewSession(state.caller, state.profile, descriptors, e.store, state.handle, e.driver, e.invoker, sink, e.obs, setup.CallSid)
	if !reconnecting {
		if err := session.Greet(); err != nil {
			state.handle.Release()
			e.obs.CallEnded(ctx, "telephony", setup.CallSid, "error", time.Since(started))
			return err
		}
	}

	err = session.Run(ctx, inbound, governor)
	if errors.Is(err, ErrReconnectRequired) {
		e.obs.Reconnect(setup.CallSid)
		e.hold(setup.CallSid, state)
		return err
	}
	e.release(setup.CallSid)

	outcome := "completed"
	if err != nil {
		outcome = "error"
	}
	e.obs.CallEnded(ctx, "telephony", setup.CallSid, outcome, time.Since(started))
	return err
}

// resolve returns the state to drive this connection with: a held-open
// adoption from a prior Governor reconnect if one is waiting for this
// callSid, or a freshly resolved profile plus newly acquired Handle.
func (e *Engine) resolve(callSid string, caller models.CallerID) (*adopted, bool, error) {
	e.mu.Lock()
	if st, ok := e.reconnect[callSid]; ok {
		delete(e.reconnect, callSid)
		e.mu.Unlock()
		return st, true, nil
	}
	e.mu.Unlock()

	profile, err := e.profiles.Resolve(caller)
	if err != nil {
		return nil, false, err
	}
	handle, err := e.store.TryAcquire(caller)
	if err != nil {
		return nil, false, err
	}
	return &adopted{caller: caller, profile: profile, handle: handle}, false, nil
}

func (e *Engine) hold(callSid string, state *adopted) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconnect[callSid] = state
}

func (e *Engine) release(callSid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reconnect, callSid)
}
