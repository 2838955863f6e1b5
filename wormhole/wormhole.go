// Package wormhole implements the client side of the Magic Wormhole
// rendezvous protocol: two parties who share a short one-time code can
// establish an authenticated, end-to-end encrypted channel over an
// untrusted relay, without any prior shared secret beyond the code itself.
package wormhole

import (
	"context"
	"fmt"
	"io"
	"os"

	"wormhole.link/wordlist"
)

// Version is compared against the current_version the rendezvous server
// reports in its welcome frame, so the client can warn about client/server
// skew. It is not sent to the server.
const Version = "wormhole.link/1.0"

// Wormhole is one end of a rendezvous session. All of its methods are safe
// to call from multiple goroutines; the underlying state machine runs on a
// single internal loop goroutine, so calls are serialised with respect to
// each other the way the distilled spec's single-threaded design intends.
type Wormhole struct {
	s *session
}

// Dial opens a rendezvous connection to relayURL under the given
// application id and starts the session's internal loop. The returned
// Wormhole has no code yet — call SetCode, GetCode or InputCode next.
func Dial(ctx context.Context, appID, relayURL string) (*Wormhole, error) {
	return dial(ctx, appID, relayURL, os.Stderr)
}

func dial(ctx context.Context, appID, relayURL string, stderr io.Writer) (*Wormhole, error) {
	if appID == "" {
		return nil, usageErrorf("appID must not be empty")
	}
	if relayURL == "" {
		return nil, usageErrorf("relayURL must not be empty")
	}
	s, err := newSession(appID, relayURL, Version, stderr)
	if err != nil {
		return nil, err
	}
	s.connect(ctx)
	return &Wormhole{s: s}, nil
}

// SetCode fixes this wormhole's code to an already-known value, e.g. one
// typed in by a user or passed on a command line. It is a UsageError to
// call this more than once, or alongside GetCode/InputCode.
func (w *Wormhole) SetCode(code string) error {
	var err error
	w.s.do(func() {
		if e := w.s.beginCodeOp("set"); e != nil {
			err = e
			return
		}
		if !wordlist.Valid(code) {
			err = usageErrorf("wormhole code %q is not well-formed", code)
			return
		}
		err = w.s.setCode(code)
	})
	return err
}

// GetCode asks the rendezvous server to allocate a nameplate, appends two
// random words to it, and returns the resulting code — the flow used by
// the side that generates the code for the other side to type in.
func (w *Wormhole) GetCode(ctx context.Context) (string, error) {
	var r *result[string]
	w.s.do(func() {
		if e := w.s.beginCodeOp("get"); e != nil {
			r = newResult[string]()
			r.reject(e)
			return
		}
		r = w.s.requestAllocation()
	})
	return r.wait(ctx)
}

// CodePrompter supplies a wormhole code interactively. It is handed the
// nameplates currently known to the rendezvous server, for tab-completion
// style UIs, and returns the full code the user entered.
type CodePrompter interface {
	PromptCode(nameplates []string) (string, error)
}

// InputCode lists the nameplates currently known to the rendezvous server,
// asks prompter for a full code, and applies it. It is the flow used by the
// side that types in a code generated elsewhere.
func (w *Wormhole) InputCode(ctx context.Context, prompter CodePrompter) (string, error) {
	var r *result[[]string]
	w.s.do(func() {
		if e := w.s.beginCodeOp("input"); e != nil {
			r = newResult[[]string]()
			r.reject(e)
			return
		}
		r = w.s.requestNameplateList()
	})
	nameplates, err := r.wait(ctx)
	if err != nil {
		return "", err
	}

	code, err := prompter.PromptCode(nameplates)
	if err != nil {
		return "", err
	}
	if !wordlist.Valid(code) {
		return "", usageErrorf("wormhole code %q is not well-formed", code)
	}

	var setErr error
	w.s.do(func() { setErr = w.s.setCode(code) })
	if setErr != nil {
		return "", setErr
	}
	return code, nil
}

// Verify blocks until both sides have exchanged and checked their PAKE
// confirmation messages, then returns the verifier bytes the two users can
// compare out of band (read aloud, shown side by side, etc) as a defence
// against someone having guessed the code.
func (w *Wormhole) Verify(ctx context.Context) ([]byte, error) {
	r := newResult[[]byte]()
	w.s.do(func() {
		if w.s.err != nil {
			r.reject(w.s.err)
			return
		}
		if w.s.key != nil && w.s.confirmReceived {
			r.resolve(w.s.verifier)
			return
		}
		w.s.pendingVerifier = r
	})
	return r.wait(ctx)
}

// Send encrypts data under the next application phase key and queues it for
// delivery, sending it immediately if the session key is already
// established, or once it becomes established otherwise.
func (w *Wormhole) Send(data []byte) error {
	var sendErr error
	w.s.do(func() {
		if w.s.err != nil {
			sendErr = w.s.err
			return
		}
		phase := fmt.Sprintf("%d", w.s.phaseCounter)
		w.s.phaseCounter++
		if w.s.key != nil {
			w.s.emitEncrypted(phase, data)
		} else {
			w.s.sendQueue = append(w.s.sendQueue, queuedSend{phase: phase, plaintext: data})
		}
	})
	return sendErr
}

// Get blocks until the next application-phase message from the peer, in
// the order the two sides' Send/Get calls were made, has arrived and been
// decrypted.
func (w *Wormhole) Get(ctx context.Context) ([]byte, error) {
	r := newResult[[]byte]()
	w.s.do(func() {
		if w.s.err != nil {
			r.reject(w.s.err)
			return
		}
		phase := fmt.Sprintf("%d", w.s.receiveCounter)
		w.s.receiveCounter++
		if pt, ok := w.s.receivedMessages[phase]; ok {
			delete(w.s.receivedMessages, phase)
			r.resolve(pt)
			return
		}
		w.s.receiveWaiters[phase] = r
	})
	return r.wait(ctx)
}

// DeriveKey derives length bytes of subkey material from the session key
// for a purpose string of the caller's choosing, once the key is
// established. Callers typically namespace purpose by their application id
// to avoid collisions with other uses of the same wormhole.
func (w *Wormhole) DeriveKey(purpose string, length int) ([]byte, error) {
	var out []byte
	var err error
	w.s.do(func() {
		if w.s.err != nil {
			err = w.s.err
			return
		}
		if w.s.key == nil {
			err = usageErrorf("DeriveKey called before the wormhole key is established")
			return
		}
		out = deriveKey(w.s.key, purpose, length)
	})
	return out, err
}

// Close winds the session down: releasing any held nameplate, closing the
// mailbox, and dropping the transport, in whichever order is appropriate
// given how far the session had progressed (see the closure protocol in
// session.go). mood is reported to the rendezvous server for its own
// telemetry; pass MoodHappy for a normal, successful exchange.
func (w *Wormhole) Close(ctx context.Context, mood string) error {
	r := newResult[struct{}]()
	w.s.do(func() { w.s.closeSession(mood, r) })
	_, err := r.wait(ctx)
	return err
}
