package wormhole_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wormhole.link/rendezvous"
	"wormhole.link/wormhole"
)

// newTestRelay starts an in-process rendezvous relay and returns its
// ws:// URL, exercising the same rendezvous.Server a deployed relay would
// run behind net/http.
func newTestRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(rendezvous.New().Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBasicExchange(t *testing.T) {
	relayURL := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender, err := wormhole.Dial(ctx, "wormhole.link/test", relayURL)
	if err != nil {
		t.Fatalf("dial sender: %v", err)
	}
	code, err := sender.GetCode(ctx)
	if err != nil {
		t.Fatalf("GetCode: %v", err)
	}

	receiver, err := wormhole.Dial(ctx, "wormhole.link/test", relayURL)
	if err != nil {
		t.Fatalf("dial receiver: %v", err)
	}
	if err := receiver.SetCode(code); err != nil {
		t.Fatalf("SetCode: %v", err)
	}

	senderVerifier, err := sender.Verify(ctx)
	if err != nil {
		t.Fatalf("sender Verify: %v", err)
	}
	receiverVerifier, err := receiver.Verify(ctx)
	if err != nil {
		t.Fatalf("receiver Verify: %v", err)
	}
	if string(senderVerifier) != string(receiverVerifier) {
		t.Fatal("verifiers should match when both sides used the same code")
	}

	want := []byte("a message from the sender")
	if err := sender.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := receiver.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	reply := []byte("acknowledged")
	if err := receiver.Send(reply); err != nil {
		t.Fatalf("Send reply: %v", err)
	}
	gotReply, err := sender.Get(ctx)
	if err != nil {
		t.Fatalf("Get reply: %v", err)
	}
	if string(gotReply) != string(reply) {
		t.Fatalf("got reply %q, want %q", gotReply, reply)
	}

	if err := sender.Close(ctx, wormhole.MoodHappy); err != nil {
		t.Fatalf("sender Close: %v", err)
	}
	if err := receiver.Close(ctx, wormhole.MoodHappy); err != nil {
		t.Fatalf("receiver Close: %v", err)
	}
}

func TestWrongCodeFailsVerification(t *testing.T) {
	relayURL := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender, err := wormhole.Dial(ctx, "wormhole.link/test", relayURL)
	if err != nil {
		t.Fatalf("dial sender: %v", err)
	}
	code, err := sender.GetCode(ctx)
	if err != nil {
		t.Fatalf("GetCode: %v", err)
	}
	nameplate := strings.SplitN(code, "-", 2)[0]

	receiver, err := wormhole.Dial(ctx, "wormhole.link/test", relayURL)
	if err != nil {
		t.Fatalf("dial receiver: %v", err)
	}
	if err := receiver.SetCode(nameplate + "-wrong-words"); err != nil {
		t.Fatalf("SetCode: %v", err)
	}

	if _, err := sender.Verify(ctx); err == nil {
		t.Fatal("expected verification to fail with mismatched codes")
	}
	_, err = receiver.Verify(ctx)
	if _, ok := err.(*wormhole.WrongPasswordError); !ok {
		t.Fatalf("receiver Verify error = %v, want *wormhole.WrongPasswordError", err)
	}
}

func TestDeriveKeyRequiresEstablishedSession(t *testing.T) {
	relayURL := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w, err := wormhole.Dial(ctx, "wormhole.link/test", relayURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := w.DeriveKey("some-purpose", 32); err == nil {
		t.Fatal("expected DeriveKey to fail before the session key exists")
	}
}

func TestSetCodeTwiceIsUsageError(t *testing.T) {
	relayURL := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w, err := wormhole.Dial(ctx, "wormhole.link/test", relayURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := w.SetCode("123-lantern-rock"); err != nil {
		t.Fatalf("first SetCode: %v", err)
	}
	err = w.SetCode("123-lantern-rock")
	if _, ok := err.(*wormhole.UsageError); !ok {
		t.Fatalf("second SetCode error = %v, want *wormhole.UsageError", err)
	}
}
