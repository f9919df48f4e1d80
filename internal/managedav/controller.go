package managedav

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danshapiro/ringdown/internal/agentprofile"
	"github.com/danshapiro/ringdown/internal/conversation"
	"github.com/danshapiro/ringdown/internal/observability"
	"github.com/danshapiro/ringdown/internal/tooling"
	"github.com/danshapiro/ringdown/pkg/models"
)

// Config holds Controller's tunables, all with spec.md §4.6-mandated or
// reasonable defaults applied by NewController.
type Config struct {
	TokenTTL              time.Duration
	ControlHarnessEnabled bool
	DevicePolicy          DevicePolicy
}

const defaultTokenTTL = 55 * time.Minute

// Controller implements the Managed-AV Session Controller (component F):
// owns the session_id -> Managed-AV Session map and the four HTTP endpoints
// of spec.md §6.2/§6.3, reusing the Conversation Store (A), Agent Profile
// Registry (B), Tool Invocation Engine (C), and LLM Streaming Driver (D) the
// Voice Session Loop also reuses.
type Controller struct {
	profiles *agentprofile.Registry
	tools    *tooling.Registry
	store    *conversation.MemoryStore
	driver   Driver
	invoker  Invoker
	pipeline PipelineProvider
	tokens   *TokenSigner
	logger   *slog.Logger
	obs      *observability.Collector
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*session
}

// NewController builds a Controller. logger may be nil (defaults to
// slog.Default()); obs may be nil, which disables call/turn/tool/LLM
// instrumentation.
func NewController(profiles *agentprofile.Registry, tools *tooling.Registry, store *conversation.MemoryStore, driver Driver, invoker Invoker, pipeline PipelineProvider, tokenSecret string, cfg Config, logger *slog.Logger, obs *observability.Collector) *Controller {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	return &Controller{
		profiles: profiles, tools: tools, store: store,
		driver: driver, invoker: invoker, pipeline: pipeline,
		tokens: NewTokenSigner(tokenSecret, cfg.TokenTTL),
		logger: logger, obs: obs, cfg: cfg,
		sessions: make(map[string]*session),
	}
}

// RegisterRoutes mounts the component's endpoints onto mux, matching the
// teacher's http_server.go convention of one ServeMux shared across the
// process rather than a per-package sub-router.
func (c *Controller) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/mobile/devices/register", c.handleRegisterDevice)
	mux.HandleFunc("POST /v1/mobile/voice/session", c.handleCreateSession)
	mux.HandleFunc("POST /v1/mobile/managed-av/completions", c.handleComplete)
	mux.HandleFunc("DELETE /v1/mobile/managed-av/sessions/{id}", c.handleCloseSession)
	mux.HandleFunc("POST /v1/mobile/managed-av/control/next", c.handleNextControlMessage)
}

func (c *Controller) logf(ctx context.Context, msg string, args ...any) {
	logger := c.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, msg, args...)
}

// --- POST /v1/mobile/devices/register ---

type registerDeviceRequest struct {
	DeviceID   string `json:"deviceId"`
	Label      string `json:"label"`
	Platform   string `json:"platform"`
	Model      string `json:"model"`
	AppVersion string `json:"appVersion"`
}

type registerDeviceResponse struct {
	Status           DeviceDecision `json:"status"`
	Message          string         `json:"message,omitempty"`
	PollAfterSeconds int            `json:"pollAfterSeconds,omitempty"`
	Agent            string         `json:"agent,omitempty"`
}

func (c *Controller) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	decision, reason := c.cfg.DevicePolicy.Decide(req.DeviceID)
	resp := registerDeviceResponse{Status: decision, Message: reason}
	if decision == DevicePending {
		resp.PollAfterSeconds = 30
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- POST /v1/mobile/voice/session ---

type createSessionRequest struct {
	DeviceID string `json:"deviceId"`
	Agent    string `json:"agent,omitempty"`
}

type controlMetadata struct {
	Key      string `json:"key"`
	PollPath string `json:"pollPath"`
}

type sessionMetadata struct {
	Control *controlMetadata `json:"control,omitempty"`
}

type createSessionResponse struct {
	SessionID         string          `json:"sessionId"`
	Agent             string          `json:"agent"`
	RoomURL           string          `json:"roomUrl"`
	AccessToken       string          `json:"accessToken"`
	ExpiresAt         time.Time       `json:"expiresAt"`
	PipelineSessionID string          `json:"pipelineSessionId,omitempty"`
	Greeting          string          `json:"greeting,omitempty"`
	Metadata          sessionMetadata `json:"metadata"`
}

func (c *Controller) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	caller, err := deviceCallerID(req.DeviceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	profile, err := c.resolveAgent(caller, req.Agent)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	sessionID := uuid.NewString()
	roomURL, pipelineSessionID, err := c.pipeline.CreateSession(r.Context(), sessionID, profile.ID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "pipeline: "+err.Error())
		return
	}

	token, expiresAt, err := c.tokens.Issue(sessionID, req.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var controlKey string
	var meta sessionMetadata
	if c.cfg.ControlHarnessEnabled {
		controlKey = newControlKey()
		meta.Control = &controlMetadata{Key: controlKey, PollPath: "/v1/mobile/managed-av/control/next"}
	}

	handle, err := c.store.Acquire(r.Context(), caller)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hadHistory := c.store.EnsureSystemMessage(handle, profile.ID, profile.PromptTemplate)
	handle.Release()

	greeting := ""
	if !hadHistory || !profile.ContinueConversation {
		greeting = profile.Greeting
	}

	sess := &session{
		id: sessionID, deviceID: req.DeviceID, caller: caller, profile: profile,
		pipelineSessionID: pipelineSessionID, roomURL: roomURL, controlKey: controlKey,
		createdAt: time.Now(), expiresAt: expiresAt,
	}
	c.mu.Lock()
	c.sessions[sessionID] = sess
	c.mu.Unlock()

	c.obs.ManagedAVSessionCreated()
	c.obs.CallStarted(r.Context(), "managed_av", sessionID)

	c.logf(r.Context(), "mobile_managed_session_started",
		"sessionId", sessionID, "deviceId", req.DeviceID, "agent", profile.ID)

	writeJSON(w, http.StatusOK, createSessionResponse{
		SessionID: sessionID, Agent: profile.ID, RoomURL: roomURL,
		AccessToken: token, ExpiresAt: expiresAt, PipelineSessionID: pipelineSessionID,
		Greeting: greeting, Metadata: meta,
	})
}

// resolveAgent resolves the profile for a session-create request: an
// explicit agent id takes precedence (spec.md §4.6's "resolve agent (B)"
// for the mobile path, which is handed an id rather than a phone number);
// otherwise Resolve's own default-profile fallback applies.
func (c *Controller) resolveAgent(caller models.CallerID, agentID string) (models.AgentProfile, error) {
	if agentID != "" {
		profile, ok := c.profiles.ByID(agentID)
		if !ok {
			return models.AgentProfile{}, &agentprofile.ErrUnknownCaller{Caller: caller}
		}
		return profile, nil
	}
	return c.profiles.Resolve(caller)
}

// --- POST /v1/mobile/managed-av/completions ---

type completionRequest struct {
	SessionID  string `json:"sessionId"`
	Transcript string `json:"transcript"`
}

type completionResponse struct {
	Text     string `json:"text"`
	Hold     bool   `json:"hold,omitempty"`
	Reset    bool   `json:"reset,omitempty"`
	PromptID string `json:"promptId,omitempty"`
}

func (c *Controller) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, ok := c.lookupAuthorized(w, r, req.SessionID)
	if !ok {
		return
	}

	handle, err := c.store.Acquire(r.Context(), sess.caller)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer handle.Release()

	if err := c.store.Append(handle, models.NewUserMessage(uuid.NewString(), req.Transcript, time.Now())); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	turnCtx, turnSpan := c.obs.StartTurn(r.Context(), "managed_av", sess.id, uuid.NewString())
	descriptors := c.tools.SchemaFor(sess.profile.ToolAllowlist)
	text, err := runTurn(turnCtx, c.driver, c.invoker, descriptors, c.store, handle, sess.profile, c.statusObserver(sess.id), c.obs)
	turnSpan.End(turnCtx, err)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	c.logf(r.Context(), "mobile_managed_completion",
		"sessionId", sess.id, "inputChars", len(req.Transcript), "outputChars", len(text))

	writeJSON(w, http.StatusOK, completionResponse{Text: text})
}

// --- DELETE /v1/mobile/managed-av/sessions/{id} ---

func (c *Controller) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c.mu.Lock()
	sess, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	outcome := "completed"
	if err := c.pipeline.CloseSession(r.Context(), sess.pipelineSessionID); err != nil {
		outcome = "error"
		c.logf(r.Context(), "mobile_managed_session_close_failed", "sessionId", id, "error", err.Error())
	}
	c.obs.CallEnded(r.Context(), "managed_av", id, outcome, time.Since(sess.createdAt))
	c.logf(r.Context(), "mobile_managed_session_closed", "sessionId", id, "deviceId", sess.deviceID)
	w.WriteHeader(http.StatusNoContent)
}

// --- POST /v1/mobile/managed-av/control/next ---

type controlNextRequest struct {
	SessionID string `json:"sessionId"`
}

type controlNextResponse struct {
	Message *ControlMessage `json:"message"`
}

func (c *Controller) handleNextControlMessage(w http.ResponseWriter, r *http.Request) {
	if !c.cfg.ControlHarnessEnabled {
		http.NotFound(w, r)
		return
	}
	var req controlNextRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c.mu.Lock()
	sess, ok := c.sessions[req.SessionID]
	c.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	header := r.Header.Get("X-Ringdown-Control-Key")
	if subtle.ConstantTimeCompare([]byte(header), []byte(sess.controlKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid control key")
		return
	}

	c.mu.Lock()
	var next *ControlMessage
	if len(sess.pending) > 0 {
		msg := sess.pending[0]
		sess.pending = sess.pending[1:]
		next = &msg
	}
	c.mu.Unlock()

	writeJSON(w, http.StatusOK, controlNextResponse{Message: next})
}

// EnqueueControl appends msg to sessionID's pending control-audio queue, the
// injection half of the control channel that NextControlMessage drains.
func (c *Controller) EnqueueControl(sessionID string, msg ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return errors.New("managedav: unknown session")
	}
	sess.pending = append(sess.pending, msg)
	return nil
}

// statusObserver returns a tooling.Observer that surfaces a tool's
// status_narration phrase to sessionID's control channel, the only
// out-of-band path a non-streaming completions request has back to the
// caller while a tool invocation is still in flight (spec.md §4.3). It
// returns nil when the control harness isn't enabled, so tooling.Executor's
// narration timer never fires work nobody can poll for.
func (c *Controller) statusObserver(sessionID string) tooling.Observer {
	if !c.cfg.ControlHarnessEnabled {
		return nil
	}
	return func(ev tooling.StatusEvent) {
		_ = c.EnqueueControl(sessionID, ControlMessage{
			MessageID:  uuid.NewString(),
			EnqueuedAt: time.Now(),
			Metadata:   map[string]string{"type": "status", "toolCallId": ev.ToolCallID, "phrase": ev.Phrase},
		})
	}
}

// lookupAuthorized finds sessionID and validates the request's bearer token
// names it, writing an error response and returning ok=false on any failure.
func (c *Controller) lookupAuthorized(w http.ResponseWriter, r *http.Request, sessionID string) (*session, bool) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return nil, false
	}

	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}
	subject, err := c.tokens.Validate(token)
	if err != nil || subject != sessionID {
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return nil, false
	}
	return sess, true
}

func bearerToken(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return ""
	}
	return strings.TrimSpace(value[len("bearer "):])
}

func newControlKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
