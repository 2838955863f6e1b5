package wormhole

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// recordingTransport is the Go equivalent of the reference test suite's
// MockWebSocket: it captures every frame the session tries to send instead
// of touching the network, and tracks whether drop was called.
type recordingTransport struct {
	mu      sync.Mutex
	sent    []frame
	dropped bool
}

func (r *recordingTransport) send(f frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, f)
	return nil
}

func (r *recordingTransport) drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = true
}

// outbound drains and returns every frame sent since the last call,
// matching MockWebSocket.outbound()'s pop-everything semantics.
func (r *recordingTransport) outbound() []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

func (r *recordingTransport) isDropped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func frameTypes(frames []frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.typ()
	}
	return out
}

func newTestSession(t *testing.T) (*session, *recordingTransport) {
	t.Helper()
	s, err := newSession("test-app", "ws://example.invalid", Version, io.Discard)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	rt := &recordingTransport{}
	s.do(func() { s.transport = rt })
	return s, rt
}

func assertFrameTypes(t *testing.T, got []frame, want ...string) {
	t.Helper()
	gotTypes := frameTypes(got)
	if len(gotTypes) != len(want) {
		t.Fatalf("frame types = %v, want %v", gotTypes, want)
	}
	for i := range want {
		if gotTypes[i] != want[i] {
			t.Fatalf("frame types = %v, want %v", gotTypes, want)
		}
	}
}

// TestCloseBeforeOpened covers close() called before the transport has even
// connected: bind still goes out once opened fires, then the transport is
// dropped right away.
func TestCloseBeforeOpened(t *testing.T) {
	s, rt := newTestSession(t)
	s.do(func() { s.transport = nil })

	r := newResult[struct{}]()
	s.do(func() { s.closeSession(MoodLonely, r) })
	if rt.isDropped() {
		t.Fatal("should not drop before the transport even exists")
	}

	s.do(func() { s.transport = rt })
	s.do(func() { s.handleOpened() })

	assertFrameTypes(t, rt.outbound(), typeBind)
	if !rt.isDropped() {
		t.Fatal("expected transport to drop once opened, given close was already pending")
	}

	s.post(func() { s.handleClosed(true, 0, "") })
	if _, err := r.wait(context.Background()); err != nil {
		t.Fatalf("close result: %v", err)
	}
}

// TestCloseAfterOpenedNoCode covers close() called once bind has gone out
// but before any code was ever set: no nameplate was ever claimed, so
// close drops the transport immediately.
func TestCloseAfterOpenedNoCode(t *testing.T) {
	s, rt := newTestSession(t)
	s.do(func() { s.handleOpened() })
	assertFrameTypes(t, rt.outbound(), typeBind)

	r := newResult[struct{}]()
	s.do(func() { s.closeSession(MoodLonely, r) })

	if len(rt.outbound()) != 0 {
		t.Fatal("close with no nameplate claimed should not emit release or close frames")
	}
	if !rt.isDropped() {
		t.Fatal("expected immediate drop")
	}
}

// TestCloseWhileClaimPending covers close() called after claim was sent but
// before "claimed" came back: only release is ever emitted, and the
// transport drops as soon as that is acknowledged — the mailbox is never
// worth opening.
func TestCloseWhileClaimPending(t *testing.T) {
	s, rt := newTestSession(t)
	s.do(func() {
		s.handleOpened()
		if err := s.setCode("123-lantern-rock"); err != nil {
			t.Fatalf("setCode: %v", err)
		}
	})
	assertFrameTypes(t, rt.outbound(), typeBind, typeClaim)

	r := newResult[struct{}]()
	s.do(func() { s.closeSession(MoodLonely, r) })
	if len(rt.outbound()) != 0 {
		t.Fatal("close() itself should be silent while waiting for claimed")
	}

	s.do(func() { s.handleClaimed("mb1") })
	assertFrameTypes(t, rt.outbound(), typeRelease)
	if rt.isDropped() {
		t.Fatal("should not drop before the release is acknowledged")
	}

	s.do(func() { s.handleReleased() })
	if !rt.isDropped() {
		t.Fatal("expected drop once released is acknowledged; no close frame should ever be sent")
	}
}

// TestCloseAfterMailboxOpen covers close() called once the mailbox is
// already open and the nameplate still held: both release and close go
// out, and the transport drops only once both are acknowledged.
func TestCloseAfterMailboxOpen(t *testing.T) {
	s, rt := newTestSession(t)
	s.do(func() {
		s.handleOpened()
		_ = s.setCode("123-lantern-rock")
		s.handleClaimed("mb1")
	})
	rt.outbound() // discard bind/claim/open/add(pake)

	r := newResult[struct{}]()
	s.do(func() { s.closeSession(MoodHappy, r) })
	assertFrameTypes(t, rt.outbound(), typeRelease, typeClose)

	s.do(func() { s.handleReleased() })
	if rt.isDropped() {
		t.Fatal("should not drop until closed is also acknowledged")
	}
	s.do(func() { s.handleClosedAck() })
	if !rt.isDropped() {
		t.Fatal("expected drop once both release and close are acknowledged")
	}
}

// TestReleaseOnFirstMessageRegardlessOfPhase checks that the nameplate is
// released the first time any message frame arrives on the mailbox, not
// specifically a pake message — the server has no reason to learn any
// crypto state to confirm the mailbox round-trips.
func TestReleaseOnFirstMessageRegardlessOfPhase(t *testing.T) {
	s, rt := newTestSession(t)
	s.do(func() {
		s.handleOpened()
		_ = s.setCode("123-lantern-rock")
		s.handleClaimed("mb1")
		s.key = make([]byte, 32) // bypass pake entirely, as in the reference test
	})
	rt.outbound()

	msgKey := derivePhaseKey(s.key, "their-side", "misc")
	body, err := encryptData(msgKey, []byte{})
	if err != nil {
		t.Fatalf("encryptData: %v", err)
	}
	s.do(func() {
		s.handleMessage("misc", hexEncode(body), "their-side")
	})

	assertFrameTypes(t, rt.outbound(), typeRelease)
}

func TestVerifyResolvesAfterKeyAndConfirm(t *testing.T) {
	s, rt := newTestSession(t)
	s.do(func() {
		s.handleOpened()
		_ = s.setCode("123-lantern-rock")
		s.handleClaimed("mb1")
	})
	rt.outbound()

	r := newResult[[]byte]()
	s.do(func() { s.pendingVerifier = r })

	select {
	case <-r.ch:
		t.Fatal("verifier should not resolve before the key is established")
	case <-time.After(10 * time.Millisecond):
	}

	_, peerMsg2 := startPake(s.appID, s.code) // a peer running the same code
	s.do(func() {
		key, err := finishPake(s.pake, peerMsg2)
		if err != nil {
			t.Fatalf("finishPake: %v", err)
		}
		s.eventEstablishedKey(key)
	})

	select {
	case <-r.ch:
		t.Fatal("verifier should not resolve before confirmation is received")
	case <-time.After(10 * time.Millisecond):
	}

	s.do(func() { s.eventReceivedConfirm() })

	val, err := r.wait(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(val) != 32 {
		t.Fatalf("verifier length = %d, want 32", len(val))
	}
}

func TestWrongPasswordOnBadConfirmation(t *testing.T) {
	s, rt := newTestSession(t)
	s.do(func() {
		s.handleOpened()
		_ = s.setCode("123-lantern-rock")
		s.handleClaimed("mb1")
	})
	rt.outbound()

	_, peerMsg2 := startPake(s.appID, "123-different-words")
	s.do(func() {
		key, err := finishPake(s.pake, peerMsg2)
		if err != nil {
			t.Fatalf("finishPake: %v", err)
		}
		s.eventEstablishedKey(key)
	})

	s.do(func() {
		s.handleConfirmMessage([]byte("not a valid confirmation message"))
	})

	var sessionErr error
	s.do(func() { sessionErr = s.err })
	if _, ok := sessionErr.(*WrongPasswordError); !ok {
		t.Fatalf("err = %v, want *WrongPasswordError", sessionErr)
	}
}
