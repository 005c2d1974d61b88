// Package wsbridge lets a test driver subscribe to interception events over
// a WebSocket. Each connection is one subscriber.
//
// Frames are JSON objects tagged by "type":
//
//	server -> driver  event            {"type":"event","messageId":"1","event":{...}}
//	server -> driver  ack              {"type":"ack","ref":"...","error":"..."}
//	driver -> server  subscribe        {"type":"subscribe","events":["before:request"],"routes":["users"]}
//	driver -> server  reply            {"type":"reply","messageId":"1","reply":{...}}
//	driver -> server  error            {"type":"error","messageId":"1","error":"..."}
//	driver -> server  static-response  {"type":"static-response","requestId":"...","staticResponse":{...}}
//	driver -> server  add-route        {"type":"add-route","route":{...}}
//	driver -> server  remove-route     {"type":"remove-route","routeId":"..."}
package wsbridge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/wudi/netstub/internal/config"
	"github.com/wudi/netstub/internal/logging"
	"github.com/wudi/netstub/internal/netstub"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// ErrClosed is returned for calls on a bridge whose connection is gone.
var ErrClosed = stderrors.New("wsbridge: connection closed")

type result struct {
	reply *netstub.Reply
	err   error
}

// Bridge is a netstub.Subscriber backed by one WebSocket connection.
type Bridge struct {
	id    string
	conn  *websocket.Conn
	state *netstub.State
	log   *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	events  map[netstub.EventName]bool
	routes  map[string]bool
	nextID  uint64
	pending map[string]chan result
	closed  bool
	done    chan struct{}
}

// New wraps an established connection.
func New(id string, conn *websocket.Conn, state *netstub.State) *Bridge {
	return &Bridge{
		id:      id,
		conn:    conn,
		state:   state,
		log:     logging.With(zap.String("subscriber", id)),
		events:  make(map[netstub.EventName]bool),
		pending: make(map[string]chan result),
		done:    make(chan struct{}),
	}
}

// ID returns the subscriber id
func (b *Bridge) ID() string { return b.id }

// Done is closed once the connection is gone
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Accepts reports whether the driver subscribed to event for routeID.
// Nothing is accepted before the first subscribe frame.
func (b *Bridge) Accepts(event netstub.EventName, routeID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if !b.events[event] && !b.events["*"] {
		return false
	}
	return len(b.routes) == 0 || b.routes[routeID]
}

// Handle sends ev to the driver and waits for its reply or error frame.
func (b *Bridge) Handle(ctx context.Context, ev netstub.Event) (*netstub.Reply, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	msgID := strconv.FormatUint(b.nextID, 10)
	ch := make(chan result, 1)
	b.pending[msgID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, msgID)
		b.mu.Unlock()
	}()

	evJSON, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	frame, _ := sjson.SetBytes([]byte(`{"type":"event"}`), "messageId", msgID)
	frame, err = sjson.SetRawBytes(frame, "event", evJSON)
	if err != nil {
		return nil, fmt.Errorf("build event frame: %w", err)
	}
	if err := b.write(frame); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrClosed
	}
}

// Serve reads frames until the connection fails or ctx ends. Pending calls
// fail with ErrClosed when it returns.
func (b *Bridge) Serve(ctx context.Context) error {
	defer b.shutdown()

	b.conn.SetReadDeadline(time.Now().Add(pongWait))
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go b.keepalive(ctx)

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			return nil
		}
		b.handleFrame(data)
	}
}

func (b *Bridge) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.writeMu.Lock()
			err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			b.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			b.Close()
			return
		case <-b.done:
			return
		}
	}
}

func (b *Bridge) handleFrame(data []byte) {
	if !gjson.ValidBytes(data) {
		b.log.Warn("ignoring malformed frame")
		return
	}
	frame := gjson.ParseBytes(data)

	switch typ := frame.Get("type").String(); typ {
	case "subscribe":
		b.subscribe(frame)
		b.ack("subscribe", nil)

	case "reply":
		msgID := frame.Get("messageId").String()
		raw := frame.Get("reply")
		if !raw.Exists() || raw.Type == gjson.Null {
			b.resolve(msgID, result{})
			return
		}
		var reply netstub.Reply
		if err := json.Unmarshal([]byte(raw.Raw), &reply); err != nil {
			b.resolve(msgID, result{err: fmt.Errorf("decode reply: %w", err)})
			return
		}
		b.resolve(msgID, result{reply: &reply})

	case "error":
		msg := frame.Get("error").String()
		if msg == "" {
			msg = "subscriber error"
		}
		b.resolve(frame.Get("messageId").String(), result{err: stderrors.New(msg)})

	case "static-response":
		requestID := frame.Get("requestId").String()
		var sr netstub.StaticResponse
		if err := json.Unmarshal([]byte(frame.Get("staticResponse").Raw), &sr); err != nil {
			b.ack(requestID, err)
			return
		}
		b.ack(requestID, b.state.SendStaticResponse(requestID, sr))

	case "add-route":
		var rc config.RouteConfig
		if err := json.Unmarshal([]byte(frame.Get("route").Raw), &rc); err != nil {
			b.ack("add-route", err)
			return
		}
		_, err := b.state.Routes.Add(rc, config.OriginAPI)
		b.ack(rc.ID, err)

	case "remove-route":
		id := frame.Get("routeId").String()
		var err error
		if !b.state.Routes.Remove(id) {
			err = fmt.Errorf("route %s not found", id)
		}
		b.ack(id, err)

	default:
		b.log.Warn("ignoring unknown frame type", zap.String("type", typ))
	}
}

func (b *Bridge) subscribe(frame gjson.Result) {
	events := make(map[netstub.EventName]bool)
	for _, ev := range frame.Get("events").Array() {
		events[netstub.EventName(ev.String())] = true
	}
	var routes map[string]bool
	if rs := frame.Get("routes").Array(); len(rs) > 0 {
		routes = make(map[string]bool, len(rs))
		for _, r := range rs {
			routes[r.String()] = true
		}
	}

	b.mu.Lock()
	b.events = events
	b.routes = routes
	b.mu.Unlock()
}

func (b *Bridge) resolve(msgID string, r result) {
	b.mu.Lock()
	ch, ok := b.pending[msgID]
	b.mu.Unlock()
	if !ok {
		// Late reply for a call that already timed out
		b.log.Debug("reply for unknown message", zap.String("message_id", msgID))
		return
	}
	select {
	case ch <- r:
	default:
	}
}

func (b *Bridge) ack(ref string, err error) {
	frame, _ := sjson.SetBytes([]byte(`{"type":"ack"}`), "ref", ref)
	if err != nil {
		frame, _ = sjson.SetBytes(frame, "error", err.Error())
	}
	if werr := b.write(frame); werr != nil {
		b.log.Debug("failed to write ack", zap.Error(werr))
	}
}

func (b *Bridge) write(frame []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close closes the connection. Serve returns shortly after.
func (b *Bridge) Close() error {
	b.writeMu.Lock()
	b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
	b.writeMu.Unlock()
	return b.conn.Close()
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.conn.Close()
}
