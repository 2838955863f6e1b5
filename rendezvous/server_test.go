package rendezvous

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

func TestAllocateNameplateIsUnique(t *testing.T) {
	s := New()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		n := s.allocateNameplate()
		if seen[n] {
			t.Fatalf("allocateNameplate returned %q twice", n)
		}
		seen[n] = true
	}
}

func TestClaimNameplateSameMailboxBothSides(t *testing.T) {
	s := New()
	nameplate := s.allocateNameplate()

	mb1 := s.claimNameplate(nameplate)
	mb2 := s.claimNameplate(nameplate)
	if mb1 != mb2 {
		t.Fatalf("claimNameplate(%q) = %q then %q, want same mailbox id both times", nameplate, mb1, mb2)
	}

	s.mu.Lock()
	claimed := s.nameplates[nameplate].claimedBy
	s.mu.Unlock()
	if claimed != 2 {
		t.Fatalf("claimedBy = %d, want 2", claimed)
	}
}

func TestClaimUnallocatedNameplateStillWorks(t *testing.T) {
	s := New()
	mb := s.claimNameplate("9999")
	if mb != "9999" {
		t.Fatalf("claimNameplate on an unallocated id = %q, want %q", mb, "9999")
	}
}

func TestReleaseNameplateDropsAfterBothSides(t *testing.T) {
	s := New()
	nameplate := s.allocateNameplate()
	s.claimNameplate(nameplate)
	s.claimNameplate(nameplate)

	s.releaseNameplate(nameplate)
	if !s.nameplateClaimed(nameplate) {
		t.Fatal("nameplate should still be claimed after only one side released")
	}

	s.releaseNameplate(nameplate)
	if s.nameplateClaimed(nameplate) {
		t.Fatal("nameplate should be gone once both sides released")
	}
}

func TestReleaseUnknownNameplateIsNoop(t *testing.T) {
	s := New()
	s.releaseNameplate("does-not-exist") // must not panic
}

func TestListNameplatesReportsAllocated(t *testing.T) {
	s := New()
	a := s.allocateNameplate()
	b := s.allocateNameplate()

	ids := make(map[string]bool)
	for _, entry := range s.listNameplates() {
		id, _ := entry["id"].(string)
		ids[id] = true
	}
	if !ids[a] || !ids[b] {
		t.Fatalf("listNameplates() = %v, want to include %q and %q", ids, a, b)
	}
}

func TestOpenMailboxIsIdempotent(t *testing.T) {
	s := New()
	mb1 := s.openMailbox("mb1")
	mb2 := s.openMailbox("mb1")
	if mb1 != mb2 {
		t.Fatal("openMailbox called twice with the same id should return the same mailbox")
	}
}

func TestMailboxJoinLeave(t *testing.T) {
	mb := &mailbox{peers: make(map[*peer]struct{})}
	p := &peer{out: make(chan map[string]interface{}, 1)}

	mb.join(p)
	mb.mu.Lock()
	_, joined := mb.peers[p]
	mb.mu.Unlock()
	if !joined {
		t.Fatal("join should add the peer to the mailbox")
	}

	mb.leave(p)
	mb.mu.Lock()
	_, stillJoined := mb.peers[p]
	mb.mu.Unlock()
	if stillJoined {
		t.Fatal("leave should remove the peer from the mailbox")
	}
}

func TestMailboxBroadcastReachesEveryPeerIncludingSender(t *testing.T) {
	mb := &mailbox{peers: make(map[*peer]struct{})}
	sender := &peer{out: make(chan map[string]interface{}, 1)}
	other := &peer{out: make(chan map[string]interface{}, 1)}
	mb.join(sender)
	mb.join(other)

	f := map[string]interface{}{"type": "message", "phase": "pake"}
	mb.broadcast(sender, f)

	select {
	case got := <-sender.out:
		if got["phase"] != "pake" {
			t.Fatalf("sender got %v", got)
		}
	default:
		t.Fatal("broadcast should echo back to the sender too, so the client can see its own mailbox traffic")
	}

	select {
	case got := <-other.out:
		if got["phase"] != "pake" {
			t.Fatalf("other peer got %v", got)
		}
	default:
		t.Fatal("broadcast should deliver to every other peer in the mailbox")
	}
}

func TestHandleFrameBindRecordsSide(t *testing.T) {
	s := New()
	p := &peer{out: make(chan map[string]interface{}, 1)}
	reply, joined := s.handleFrame(p, nil, map[string]interface{}{"type": "bind", "side": "abc123"})
	if reply != nil {
		t.Fatalf("bind should not reply, got %v", reply)
	}
	if joined != nil {
		t.Fatal("bind should not join a mailbox")
	}
	if p.side != "abc123" {
		t.Fatalf("side = %q, want %q", p.side, "abc123")
	}
}

func TestHandleFrameOpenCountsUnclaimedMailbox(t *testing.T) {
	s := New()
	p := &peer{out: make(chan map[string]interface{}, 1)}

	before := testCounterValue(t, stats.noSuchMailbox)
	_, joined := s.handleFrame(p, nil, map[string]interface{}{"type": "open", "mailbox": "never-claimed"})
	after := testCounterValue(t, stats.noSuchMailbox)

	if joined == nil {
		t.Fatal("open should always return a mailbox to join, even an unclaimed one")
	}
	if after != before+1 {
		t.Fatalf("noSuchMailbox counter = %v, want %v", after, before+1)
	}
}

func TestHandleFrameCloseReplies(t *testing.T) {
	s := New()
	p := &peer{out: make(chan map[string]interface{}, 1)}
	reply, _ := s.handleFrame(p, nil, map[string]interface{}{"type": "close", "mood": "happy"})
	if reply == nil || reply["type"] != "closed" {
		t.Fatalf("close reply = %v, want type closed", reply)
	}
}
