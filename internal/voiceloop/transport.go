package voiceloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport timing constants, grounded on the teacher's gateway.wsSession
// (wsPongWait/wsWriteWait/wsTickInterval), reused verbatim: the telephony
// gateway's keepalive cadence has no reason to differ from the chat
// gateway's.
const (
	wsMaxPayloadBytes = 1 << 20
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

const governorDeadline = 55 * time.Minute

// Upgrader builds the websocket.Upgrader shared across connections. CheckOrigin
// is permissive, matching the teacher: the telephony gateway is a trusted
// internal caller, not a browser client subject to CORS-style checks.
func Upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// wsTransport owns one upgraded connection, translating it into the
// inboundFrame channel Session.Run consumes and implementing Sink for
// outbound frames. Grounded on the teacher's wsSession: a bounded send
// channel drained by a single writer goroutine keeps concurrent SendText
// calls (from the session's driver-event and tool-outcome goroutines) safe
// without a mutex around the socket itself.
type wsTransport struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func newTransport(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) *wsTransport {
	ctx, cancel := context.WithCancel(ctx)
	if logger == nil {
		logger = slog.Default()
	}
	return &wsTransport{
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

func (t *wsTransport) SendText(token string, last bool) error {
	return t.enqueue(newTextFrame(token, last))
}

func (t *wsTransport) SendClear() error {
	return t.enqueue(newClearOutputFrame())
}

func (t *wsTransport) SendEnd() error {
	return t.enqueue(newEndFrame())
}

func (t *wsTransport) enqueue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("voiceloop: outbound frame exceeds %d bytes", wsMaxPayloadBytes)
	}
	select {
	case t.send <- data:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	default:
		return errors.New("voiceloop: send buffer full")
	}
}

// closeGraceful sends the WebSocket close frame with code 4000 and the exact
// reason spec.md §4.7/§6.1 requires the reconnecting client to look for.
func (t *wsTransport) closeGraceful() error {
	deadline := time.Now().Add(wsWriteWait)
	msg := websocket.FormatCloseMessage(4000, "Graceful reconnection required")
	return t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (t *wsTransport) writeLoop() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-t.send:
			if !ok {
				return
			}
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// readLoop decodes inbound frames onto out until the socket closes, then
// closes out so Session.Run treats it as a hangup.
func (t *wsTransport) readLoop(out chan<- inboundFrame) {
	defer close(out)
	t.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := parseInboundFrame(data)
		if err != nil {
			t.logger.Warn("voiceloop: dropping malformed inbound frame", "error", err)
			continue
		}
		select {
		case out <- frame:
		case <-t.ctx.Done():
			return
		}
	}
}

// governorChan fires once, governorDeadline after the connection started,
// implementing the Connection Lifetime Governor (G)'s 55-minute contract.
func (t *wsTransport) governorChan() <-chan struct{} {
	ch := make(chan struct{}, 1)
	timer := time.AfterFunc(governorDeadline, func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	go func() {
		<-t.ctx.Done()
		timer.Stop()
	}()
	return ch
}

// serve upgrades the request, wires a transport, and blocks until the call
// ends. accept resolves the agent/handle for the connection's callSid (fresh
// or re-adopted) and drives a *Session against the given Sink/frames/
// governor channel; Engine.ServeHTTP supplies it so the exported surface
// never needs to name the unexported inboundFrame type.
func serve(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, logger *slog.Logger, accept func(ctx context.Context, sink Sink, inbound <-chan inboundFrame, governor <-chan struct{}) error) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	t := newTransport(r.Context(), conn, logger)
	defer func() {
		t.cancel()
		close(t.send)
		_ = conn.Close()
	}()

	go t.writeLoop()
	inbound := make(chan inboundFrame, 8)
	go t.readLoop(inbound)

	err = accept(t.ctx, t, inbound, t.governorChan())
	if errors.Is(err, ErrReconnectRequired) {
		_ = t.closeGraceful()
		return nil
	}
	return err
}
