package wormhole

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// transportSender is the subset of *transport the session depends on,
// broken out so tests can substitute a fake relay connection without
// touching the network.
type transportSender interface {
	send(f frame) error
	drop()
}

// transportCallbacks are the lifecycle hooks the session registers on a
// transport. The transport holds only this small struct of closures, never
// a pointer back to the session, breaking the reference cycle the distilled
// spec calls out between the session and its transport.
type transportCallbacks struct {
	connected func(t *transport)
	opened    func()
	response  func(f frame)
	closed    func(wasClean bool, code int, reason string)
}

// transport is a thin JSON-over-WebSocket adapter, in the spirit of the
// teacher's own pairing of wormhole/dial.go (client) and cmd/ww/server.go
// (server): it knows nothing about nameplates, mailboxes or crypto, only
// how to turn a flat object into a line of JSON and back.
type transport struct {
	conn *websocket.Conn
	cb   transportCallbacks

	ctx    context.Context
	cancel context.CancelFunc

	closing int32 // atomic bool: true once we've initiated our own close
}

// dialTransport connects to relayURL and starts the read loop. cb.connected
// and cb.opened are invoked synchronously before this function returns (to
// match the distilled spec's "opened fires once the socket is usable"
// ordering); cb.response and cb.closed are invoked from the read-loop
// goroutine as frames and the eventual close arrive.
//
// cb.connected is handed the transport itself so the caller can make it
// visible to the session before cb.opened fires — opened is what triggers
// the first outbound "bind" frame, so the session must already be able to
// send by the time it runs.
func dialTransport(ctx context.Context, relayURL string, cb transportCallbacks) (*transport, error) {
	conn, _, err := websocket.Dial(ctx, relayURL, &websocket.DialOptions{
		Subprotocols: []string{Protocol},
	})
	if err != nil {
		return nil, fmt.Errorf("wormhole: dial relay: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	t := &transport{conn: conn, cb: cb, ctx: loopCtx, cancel: cancel}

	cb.connected(t)
	go t.readLoop()
	cb.opened()
	return t, nil
}

func (t *transport) readLoop() {
	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			wasClean := atomic.LoadInt32(&t.closing) != 0
			t.cb.closed(wasClean, int(code), err.Error())
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue // malformed frame from a misbehaving relay; ignore
		}
		t.cb.response(f)
	}
}

// send serialises f, tagging it with a fresh message id, and writes it as a
// text frame.
func (t *transport) send(f frame) error {
	if _, ok := f["id"]; !ok {
		f["id"] = uuid.NewString()
	}
	data, err := json.Marshal(map[string]interface{}(f))
	if err != nil {
		return err
	}
	return t.conn.Write(t.ctx, websocket.MessageText, data)
}

// drop closes the underlying connection. It is idempotent.
func (t *transport) drop() {
	atomic.StoreInt32(&t.closing, 1)
	t.cancel()
	t.conn.Close(websocket.StatusNormalClosure, "done")
}
