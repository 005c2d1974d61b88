package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wudi/netstub/internal/logging"
	"github.com/wudi/netstub/internal/netstub"
)

func TestMain(m *testing.M) {
	logging.SetGlobal(zap.NewNop())
	os.Exit(m.Run())
}

type harness struct {
	state  *netstub.State
	broker *netstub.Broker
	srv    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		state:  netstub.NewState(nil),
		broker: netstub.NewBroker(time.Second, nil, nil),
	}
	h.srv = httptest.NewServer(Handler(ctx, h.state, h.broker))
	t.Cleanup(func() {
		cancel()
		h.srv.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) subscriber(t *testing.T, id string) netstub.Subscriber {
	t.Helper()
	var found netstub.Subscriber
	waitFor(t, func() bool {
		for _, s := range h.broker.Subscribers() {
			if s.ID() == id {
				found = s
				return true
			}
		}
		return false
	})
	return found
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) gjson.Result {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return gjson.ParseBytes(data)
}

func subscribe(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	send(t, conn, frame)
	if ack := read(t, conn); ack.Get("type").String() != "ack" || ack.Get("error").Exists() {
		t.Fatalf("unexpected subscribe ack %s", ack.Raw)
	}
}

func testEvent() netstub.Event {
	return netstub.Event{
		Name:      netstub.EventBeforeRequest,
		RequestID: "req-1",
		RouteID:   "users",
		Data:      json.RawMessage(`{"method":"GET"}`),
	}
}

func TestBridgeAcceptsAfterSubscribe(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "driver")
	sub := h.subscriber(t, "driver")

	if sub.Accepts(netstub.EventBeforeRequest, "users") {
		t.Fatal("expected nothing accepted before subscribe")
	}

	subscribe(t, conn, `{"type":"subscribe","events":["before:request"],"routes":["users"]}`)

	if !sub.Accepts(netstub.EventBeforeRequest, "users") {
		t.Error("expected before:request on users to be accepted")
	}
	if sub.Accepts(netstub.EventAfterResponse, "users") {
		t.Error("after:response was not subscribed")
	}
	if sub.Accepts(netstub.EventBeforeRequest, "orders") {
		t.Error("orders was not subscribed")
	}
}

func TestBridgeRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		answer    string
		wantErr   bool
		wantReply bool
	}{
		{"reply", `{"type":"reply","messageId":"%s","reply":{"changes":{"method":"POST"},"includeBody":true}}`, false, true},
		{"null reply", `{"type":"reply","messageId":"%s","reply":null}`, false, false},
		{"error", `{"type":"error","messageId":"%s","error":"driver blew up"}`, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			conn := h.dial(t, "driver")
			sub := h.subscriber(t, "driver")
			subscribe(t, conn, `{"type":"subscribe","events":["*"]}`)

			type outcome struct {
				reply *netstub.Reply
				err   error
			}
			done := make(chan outcome, 1)
			go func() {
				reply, err := sub.Handle(context.Background(), testEvent())
				done <- outcome{reply, err}
			}()

			frame := read(t, conn)
			if frame.Get("type").String() != "event" {
				t.Fatalf("expected event frame, got %s", frame.Raw)
			}
			if frame.Get("event.eventName").String() != "before:request" || frame.Get("event.routeId").String() != "users" {
				t.Errorf("unexpected event %s", frame.Get("event").Raw)
			}
			msgID := frame.Get("messageId").String()
			send(t, conn, strings.Replace(tt.answer, "%s", msgID, 1))

			var got outcome
			select {
			case got = <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Handle did not return")
			}
			if (got.err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", got.err, tt.wantErr)
			}
			if (got.reply != nil) != tt.wantReply {
				t.Fatalf("reply = %+v, wantReply %v", got.reply, tt.wantReply)
			}
			if tt.wantReply {
				if !got.reply.IncludeBody || string(got.reply.Changes) != `{"method":"POST"}` {
					t.Errorf("unexpected reply %+v", got.reply)
				}
			}
		})
	}
}

func TestBridgeStaticResponseUnknownRequest(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "driver")
	h.subscriber(t, "driver")

	send(t, conn, `{"type":"static-response","requestId":"nope","staticResponse":{"statusCode":200}}`)
	ack := read(t, conn)
	if ack.Get("ref").String() != "nope" {
		t.Errorf("expected ack for nope, got %s", ack.Raw)
	}
	if !strings.Contains(ack.Get("error").String(), netstub.ErrRequestNotFound.Error()) {
		t.Errorf("expected not found error, got %s", ack.Raw)
	}
}

func TestBridgeRoutes(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "driver")
	h.subscriber(t, "driver")

	send(t, conn, `{"type":"add-route","route":{"id":"users","match":{"pathname":"/users"}}}`)
	if ack := read(t, conn); ack.Get("error").Exists() {
		t.Fatalf("add-route failed: %s", ack.Raw)
	}
	if h.state.Routes.Get("users") == nil {
		t.Fatal("expected route users to be registered")
	}

	send(t, conn, `{"type":"add-route","route":{"match":{"pathname":"/x"}}}`)
	if ack := read(t, conn); !ack.Get("error").Exists() {
		t.Errorf("expected validation error, got %s", ack.Raw)
	}

	send(t, conn, `{"type":"remove-route","routeId":"users"}`)
	if ack := read(t, conn); ack.Get("error").Exists() {
		t.Fatalf("remove-route failed: %s", ack.Raw)
	}
	if h.state.Routes.Get("users") != nil {
		t.Error("expected route users to be removed")
	}

	send(t, conn, `{"type":"remove-route","routeId":"users"}`)
	if ack := read(t, conn); !ack.Get("error").Exists() {
		t.Errorf("expected not found error, got %s", ack.Raw)
	}
}

func TestBridgeDisconnectFailsPending(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "driver")
	sub := h.subscriber(t, "driver")
	subscribe(t, conn, `{"type":"subscribe","events":["*"]}`)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Handle(context.Background(), testEvent())
		done <- err
	}()
	read(t, conn)
	conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed")
	}

	waitFor(t, func() bool { return len(h.broker.Subscribers()) == 0 })
	if sub.Accepts(netstub.EventBeforeRequest, "users") {
		t.Error("closed bridge should accept nothing")
	}
}

func TestHandlerRejectsDuplicateID(t *testing.T) {
	h := newHarness(t)
	h.dial(t, "driver")
	h.subscriber(t, "driver")

	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?id=driver"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected duplicate connection to be rejected")
	}
	if resp == nil || resp.StatusCode != 409 {
		t.Errorf("expected 409, got %v", resp)
	}
}
