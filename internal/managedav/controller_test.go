package managedav

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danshapiro/ringdown/internal/agentprofile"
	"github.com/danshapiro/ringdown/internal/conversation"
	"github.com/danshapiro/ringdown/internal/llm"
	"github.com/danshapiro/ringdown/internal/tooling"
	"github.com/danshapiro/ringdown/pkg/models"
)

// fakeDriver replays one fixed text reply per Stream call, standing in for
// *llm.Driver. Grounded on internal/llm/driver_test.go's fakeProvider.
type fakeDriver struct {
	reply string
}

func (f *fakeDriver) Stream(ctx context.Context, req *llm.Request) <-chan llm.Event {
	out := make(chan llm.Event, 2)
	out <- llm.Event{Kind: llm.EventTextDelta, Fragment: f.reply}
	out <- llm.Event{Kind: llm.EventTurnComplete}
	close(out)
	return out
}

type fakeInvoker struct{}

func (fakeInvoker) Invoke(ctx context.Context, call models.ToolCall, observe tooling.Observer) (json.RawMessage, *tooling.ToolError) {
	return json.RawMessage(`{"ok":true}`), nil
}

type fakePipeline struct{}

func (fakePipeline) CreateSession(ctx context.Context, sessionID, agentID string) (string, string, error) {
	return "https://av.test/room/" + sessionID, "pipe-" + sessionID, nil
}

func (fakePipeline) CloseSession(ctx context.Context, pipelineSessionID string) error { return nil }

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	registry, err := agentprofile.NewRegistry([]models.AgentProfile{
		{ID: "demo", PromptTemplate: "You are helpful.", Greeting: "Hi there!"},
	}, "demo")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := conversation.NewMemoryStore(0)
	return NewController(registry, tooling.NewRegistry(), store, &fakeDriver{reply: "All set"}, fakeInvoker{}, fakePipeline{}, "test-secret", cfg, nil, nil)
}

func postJSON(t *testing.T, mux *http.ServeMux, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateSessionReturnsGreetingAndRoom(t *testing.T) {
	c := newTestController(t, Config{})
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)

	rec := postJSON(t, mux, "POST", "/v1/mobile/voice/session", createSessionRequest{DeviceID: "device-1"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Greeting != "Hi there!" {
		t.Fatalf("expected greeting on fresh device, got %q", resp.Greeting)
	}
	if resp.RoomURL == "" || resp.AccessToken == "" || resp.SessionID == "" {
		t.Fatalf("expected populated session descriptor, got %+v", resp)
	}
	if resp.Metadata.Control != nil {
		t.Fatalf("expected no control metadata when harness disabled, got %+v", resp.Metadata)
	}
}

func TestCompletionRequiresBearerTokenAndAppendsHistory(t *testing.T) {
	c := newTestController(t, Config{})
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)

	createRec := postJSON(t, mux, "POST", "/v1/mobile/voice/session", createSessionRequest{DeviceID: "device-2"}, nil)
	var created createSessionResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	noAuthRec := postJSON(t, mux, "POST", "/v1/mobile/managed-av/completions",
		completionRequest{SessionID: created.SessionID, Transcript: "hello"}, nil)
	if noAuthRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", noAuthRec.Code)
	}

	headers := map[string]string{"Authorization": "Bearer " + created.AccessToken}
	rec := postJSON(t, mux, "POST", "/v1/mobile/managed-av/completions",
		completionRequest{SessionID: created.SessionID, Transcript: "hello"}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp completionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode completion response: %v", err)
	}
	if resp.Text != "All set" {
		t.Fatalf("expected accumulated reply, got %q", resp.Text)
	}

	caller, err := deviceCallerID("device-2")
	if err != nil {
		t.Fatalf("deviceCallerID: %v", err)
	}
	handle, err := c.store.Acquire(context.Background(), caller)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer handle.Release()
	snapshot := c.store.Snapshot(handle)
	var sawUser, sawAssistant bool
	for _, m := range snapshot {
		if m.Kind == models.KindUser && m.Text == "hello" {
			sawUser = true
		}
		if m.Kind == models.KindAssistant && m.Text == "All set" {
			sawAssistant = true
		}
	}
	if !sawUser || !sawAssistant {
		t.Fatalf("expected User+Assistant pair in history, got %+v", snapshot)
	}
}

func TestControlNextRequiresKeyAndIsGatedByHarnessFlag(t *testing.T) {
	c := newTestController(t, Config{ControlHarnessEnabled: true})
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)

	createRec := postJSON(t, mux, "POST", "/v1/mobile/voice/session", createSessionRequest{DeviceID: "device-3"}, nil)
	var created createSessionResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Metadata.Control == nil {
		t.Fatalf("expected control metadata when harness enabled")
	}

	wrongKeyRec := postJSON(t, mux, "POST", "/v1/mobile/managed-av/control/next",
		controlNextRequest{SessionID: created.SessionID}, map[string]string{"X-Ringdown-Control-Key": "wrong"})
	if wrongKeyRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong control key, got %d", wrongKeyRec.Code)
	}

	if err := c.EnqueueControl(created.SessionID, ControlMessage{MessageID: "m1", AudioBase64: "abc", SampleRateHz: 8000, Channels: 1, Format: "pcm16"}); err != nil {
		t.Fatalf("EnqueueControl: %v", err)
	}

	okRec := postJSON(t, mux, "POST", "/v1/mobile/managed-av/control/next",
		controlNextRequest{SessionID: created.SessionID}, map[string]string{"X-Ringdown-Control-Key": created.Metadata.Control.Key})
	if okRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", okRec.Code, okRec.Body.String())
	}
	var resp controlNextResponse
	if err := json.Unmarshal(okRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode control response: %v", err)
	}
	if resp.Message == nil || resp.Message.MessageID != "m1" {
		t.Fatalf("expected enqueued message to be returned, got %+v", resp.Message)
	}

	disabled := newTestController(t, Config{})
	disabledMux := http.NewServeMux()
	disabled.RegisterRoutes(disabledMux)
	disabledRec := postJSON(t, disabledMux, "POST", "/v1/mobile/managed-av/control/next",
		controlNextRequest{SessionID: "irrelevant"}, nil)
	if disabledRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when control harness disabled, got %d", disabledRec.Code)
	}
}

func TestRegisterDeviceDecidesByPolicy(t *testing.T) {
	c := newTestController(t, Config{DevicePolicy: DevicePolicy{
		Allowlist: []string{"good-device"},
		Denylist:  []string{"bad-device"},
	}})
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)

	cases := []struct {
		device string
		want   DeviceDecision
	}{
		{"good-device", DeviceApproved},
		{"bad-device", DeviceDenied},
		{"unknown-device", DevicePending},
	}
	for _, tc := range cases {
		rec := postJSON(t, mux, "POST", "/v1/mobile/devices/register", registerDeviceRequest{DeviceID: tc.device}, nil)
		var resp registerDeviceResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response for %s: %v", tc.device, err)
		}
		if resp.Status != tc.want {
			t.Fatalf("device %s: expected status %s, got %s", tc.device, tc.want, resp.Status)
		}
	}
}

func TestCloseSessionDeletesAndReturns204(t *testing.T) {
	c := newTestController(t, Config{})
	mux := http.NewServeMux()
	c.RegisterRoutes(mux)

	createRec := postJSON(t, mux, "POST", "/v1/mobile/voice/session", createSessionRequest{DeviceID: "device-4"}, nil)
	var created createSessionResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	req := httptest.NewRequest("DELETE", "/v1/mobile/managed-av/sessions/"+created.SessionID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	req2 := httptest.NewRequest("DELETE", "/v1/mobile/managed-av/sessions/"+created.SessionID, nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("expected second close to 404, got %d", rec2.Code)
	}
}
