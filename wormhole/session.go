package wormhole

import (
	"context"
	"fmt"
	"io"

	"salsa.debian.org/vasudev/gospake2"

	"wormhole.link/wordlist"
)

// mailboxState tracks how far this session's mailbox use has progressed,
// matching the distilled spec's five-value enum. Only mailboxClosed and
// mailboxOpen are ever set; closeSession checks for mailboxOpen and
// combines it with the more specific booleans below, which line up directly
// with the reference test suite's scenarios.
type mailboxState int

const (
	mailboxClosed mailboxState = iota
	mailboxOpen
	mailboxReleased
	mailboxClosing
	mailboxClosedAgain
)

// queuedSend is an outbound application message waiting on the session key.
type queuedSend struct {
	phase     string
	plaintext []byte
}

// session is the protocol state machine: all mutable fields below are
// touched only from the loop goroutine, so no locking is needed inside
// handlers (see SPEC_FULL.md §5).
type session struct {
	appID      string
	side       string
	relayURL   string
	ourVersion string
	stderr     io.Writer

	events chan func()

	transport transportSender
	welcome   *welcomeHandler

	// code acquisition, mutually exclusive and single-use
	codeKind   string // "", "set", "get", or "input"
	code       string
	nameplate  string

	nameplateHeld bool // claim sent, release not yet sent
	mailboxState  mailboxState

	needNameplate        bool
	needToBuildMsg1      bool
	needToSendPAKE       bool
	needToSeeMailboxUsed bool

	closeBeforeClaimed bool // close() called while claim in flight, before "claimed"
	closeBeforeOpened  bool // close() called before the transport even connected

	pake    *gospake2.SPAKE2
	key     []byte
	verifier []byte
	confirmationKey []byte
	confirmReceived bool

	sendQueue []queuedSend

	phaseCounter   int
	receiveCounter int

	receivedMessages map[string][]byte
	receiveWaiters   map[string]*result[[]byte]

	pendingVerifier  *result[[]byte]
	codeResult       *result[string]
	nameplateChoices *result[[]string]

	waitingReleaseAck bool
	waitingCloseAck   bool
	releasedAcked     bool
	closedAcked       bool
	closeMood         string
	closeStarted      bool
	closeResult       *result[struct{}]

	err error
}

func newSession(appID, relayURL, ourVersion string, stderr io.Writer) (*session, error) {
	side, err := newSide()
	if err != nil {
		return nil, err
	}
	s := &session{
		appID:                appID,
		side:                 side,
		relayURL:             relayURL,
		ourVersion:           ourVersion,
		stderr:               stderr,
		events:               make(chan func(), 64),
		needNameplate:        true,
		needToBuildMsg1:      true,
		needToSendPAKE:       true,
		needToSeeMailboxUsed: true,
		receivedMessages:     make(map[string][]byte),
		receiveWaiters:       make(map[string]*result[[]byte]),
	}
	s.welcome = newWelcomeHandler(relayURL, ourVersion, func(err error) { s.signalError(err) }, stderr)
	go s.loop()
	return s, nil
}

func (s *session) loop() {
	for fn := range s.events {
		fn()
	}
}

// do posts fn to the loop and blocks until it has run, serialising it with
// respect to every other posted event.
func (s *session) do(fn func()) {
	done := make(chan struct{})
	s.events <- func() {
		fn()
		close(done)
	}
	<-done
}

// post fires fn on the loop without waiting for it to run; used from the
// transport's own goroutine, where nothing is blocked on the outcome.
func (s *session) post(fn func()) {
	s.events <- fn
}

// connect starts the transport in the background and wires its callbacks
// back onto the session's event loop.
func (s *session) connect(ctx context.Context) {
	cb := transportCallbacks{
		connected: func(t *transport) { s.post(func() { s.handleConnected(t) }) },
		opened:    func() { s.post(s.handleOpened) },
		response:  func(f frame) { s.post(func() { s.handleResponse(f) }) },
		closed: func(wasClean bool, code int, reason string) {
			s.post(func() { s.handleClosed(wasClean, code, reason) })
		},
	}
	go func() {
		_, err := dialTransport(ctx, s.relayURL, cb)
		if err != nil {
			s.post(func() { s.signalError(err) })
			return
		}
	}()
}

// handleConnected makes the transport visible to the session. It is posted
// before opened, so by the time handleOpened runs and sends "bind", the
// transport is already set — opened fires synchronously inside
// dialTransport, on the same goroutine that posts this closure, so FIFO
// ordering on s.events guarantees this runs first.
func (s *session) handleConnected(t *transport) {
	s.transport = t
}

func (s *session) handleOpened() {
	s.sendFrame(newFrame(typeBind).with("appid", s.appID).with("side", s.side))
	if s.closeBeforeOpened {
		s.dropTransport()
		return
	}
	// A GetCode or InputCode call made before the connection opened has its
	// allocate/list request sent here; if that request already went out, the
	// second reply finds no pending result and is ignored.
	if s.codeResult != nil {
		s.sendFrame(newFrame(typeAllocate))
	}
	if s.nameplateChoices != nil {
		s.sendFrame(newFrame(typeList))
	}
	s.maybeClaimNameplate()
}

// maybeClaimNameplate emits "claim" once both the code is known and the
// transport is open.
func (s *session) maybeClaimNameplate() {
	if !s.needNameplate || s.code == "" || s.transport == nil {
		return
	}
	s.needNameplate = false
	s.nameplateHeld = true
	s.sendFrame(newFrame(typeClaim).with("nameplate", s.nameplate))
}

func (s *session) handleResponse(f frame) {
	switch f.typ() {
	case typeWelcome:
		s.welcome.handleWelcome(f.obj("welcome"))
	case typeAllocated:
		s.handleAllocated(f.str("nameplate"))
	case typeNameplates:
		s.handleNameplates(f.list("nameplates"))
	case typeClaimed:
		s.handleClaimed(f.str("mailbox"))
	case typeMessage:
		s.handleMessage(f.str("phase"), f.str("body"), f.str("side"))
	case typeReleased:
		s.handleReleased()
	case typeClosed:
		s.handleClosedAck()
	case typeError:
		s.signalError(&ServerError{Message: f.str("error"), Orig: f.str("orig")})
	default:
		fmt.Fprintf(s.stderr, "wormhole: ignoring unrecognised frame type %q\n", f.typ())
	}
}

func (s *session) handleClaimed(mailbox string) {
	if s.closeBeforeClaimed {
		// The application gave up on this session before we even learned
		// our mailbox; there is no point opening it, so release the
		// nameplate directly and skip straight to dropping the transport
		// once that's acknowledged.
		s.releaseNameplate()
		return
	}

	s.mailboxState = mailboxOpen
	s.sendFrame(newFrame(typeOpen).with("mailbox", mailbox))

	if s.key == nil && s.needToSendPAKE {
		pake, msg1 := startPake(s.appID, s.code)
		s.pake = pake
		s.needToBuildMsg1 = false
		s.needToSendPAKE = false
		s.sendFrame(newFrame(typeAdd).with("phase", phasePake).with("body", hexEncode(msg1)))
	}
}

func (s *session) handleMessage(phase, bodyHex, side string) {
	body, err := hexDecode(bodyHex)
	if err != nil {
		return // malformed frame from a misbehaving relay; ignore
	}

	if s.needToSeeMailboxUsed {
		s.needToSeeMailboxUsed = false
		s.releaseNameplate()
	}

	if side == s.side {
		return // our own message, echoed back by the relay; no delivery
	}

	switch phase {
	case phasePake:
		s.handlePakeMessage(body)
	case phaseConfirm:
		s.handleConfirmMessage(body)
	default:
		s.handleApplicationMessage(phase, side, body)
	}
}

func (s *session) handlePakeMessage(msg1 []byte) {
	if s.pake == nil {
		return
	}
	key, err := finishPake(s.pake, msg1)
	if err != nil {
		s.signalError(&WrongPasswordError{})
		return
	}
	s.eventEstablishedKey(key)
}

// eventEstablishedKey runs once the shared session key is known: it derives
// the verifier and confirmation keys, drains any queued application
// messages, and sends our confirmation message.
func (s *session) eventEstablishedKey(key []byte) {
	s.key = key
	s.verifier = deriveKey(key, purposeVerifier, 32)
	s.confirmationKey = deriveKey(key, purposeConfirmation, 32)

	for _, q := range s.sendQueue {
		s.emitEncrypted(q.phase, q.plaintext)
	}
	s.sendQueue = nil

	confirm, err := makeConfirmation(s.confirmationKey)
	if err != nil {
		s.signalError(err)
		return
	}
	s.sendFrame(newFrame(typeAdd).with("phase", phaseConfirm).with("body", hexEncode(confirm)))

	s.deliverVerifierIfReady()
}

func (s *session) handleConfirmMessage(msg []byte) {
	if s.confirmationKey == nil || !checkConfirmation(s.confirmationKey, msg) {
		s.signalError(&WrongPasswordError{})
		return
	}
	s.eventReceivedConfirm()
}

func (s *session) eventReceivedConfirm() {
	s.confirmReceived = true
	s.deliverVerifierIfReady()
}

func (s *session) deliverVerifierIfReady() {
	if s.pendingVerifier == nil {
		return
	}
	if s.key != nil && s.confirmReceived {
		s.pendingVerifier.resolve(s.verifier)
		s.pendingVerifier = nil
	}
}

func (s *session) handleApplicationMessage(phase, side string, body []byte) {
	phaseKey := derivePhaseKey(s.key, side, phase)
	plaintext, err := decryptData(phaseKey, body)
	if err != nil {
		s.signalError(&WrongPasswordError{})
		return
	}
	if w, ok := s.receiveWaiters[phase]; ok {
		delete(s.receiveWaiters, phase)
		w.resolve(plaintext)
		return
	}
	s.receivedMessages[phase] = plaintext
}

func (s *session) handleAllocated(nameplate string) {
	if s.codeResult == nil {
		return
	}
	code, err := wordlist.Code(nameplate)
	if err != nil {
		s.codeResult.reject(err)
		s.codeResult = nil
		return
	}
	s.nameplate = nameplate
	s.code = code
	s.codeResult.resolve(code)
	s.codeResult = nil
	s.maybeClaimNameplate()
}

// requestNameplateList sends "list" and returns a result fulfilled with the
// known nameplate ids, for InputCode's tab-completion.
func (s *session) requestNameplateList() *result[[]string] {
	r := newResult[[]string]()
	s.nameplateChoices = r
	s.sendFrame(newFrame(typeList))
	return r
}

func (s *session) handleNameplates(raw []interface{}) {
	if s.nameplateChoices == nil {
		return
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]interface{}); ok {
			if id, ok := m["id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	s.nameplateChoices.resolve(ids)
	s.nameplateChoices = nil
}

// beginCodeOp enforces that SetCode, GetCode and InputCode are mutually
// exclusive and single-use for a session's whole lifetime.
func (s *session) beginCodeOp(kind string) error {
	if s.codeKind != "" {
		return usageErrorf("a wormhole code has already been established")
	}
	s.codeKind = kind
	return nil
}

// requestAllocation sends "allocate" and arranges for the server-chosen
// nameplate, with two random words appended, to become this session's code.
func (s *session) requestAllocation() *result[string] {
	r := newResult[string]()
	s.codeResult = r
	s.sendFrame(newFrame(typeAllocate))
	return r
}

// setCode fixes this session's code when it came from SetCode or
// InputCode's prompt; GetCode's allocation sets the code in handleAllocated.
func (s *session) setCode(code string) error {
	idx := 0
	for idx < len(code) && code[idx] != '-' {
		idx++
	}
	if idx == len(code) {
		return usageErrorf("wormhole code %q is missing a nameplate", code)
	}
	s.nameplate = code[:idx]
	s.code = code
	s.maybeClaimNameplate()
	return nil
}

func (s *session) handleReleased() {
	s.releasedAcked = true
	s.maybeDropTransport()
}

func (s *session) handleClosedAck() {
	s.closedAcked = true
	s.maybeDropTransport()
}

func (s *session) handleClosed(wasClean bool, code int, reason string) {
	if s.closeResult != nil {
		if wasClean {
			s.closeResult.resolve(struct{}{})
		} else {
			s.closeResult.reject(fmt.Errorf("wormhole: connection closed before the close handshake finished (status %d): %s", code, reason))
		}
		s.closeResult = nil
	}
}

// closeSession begins an orderly shutdown per the closure protocol: exactly
// which frames (if any) get sent before the transport drops depends on how
// far the session had progressed when Close was called (see
// SPEC_FULL.md §4.6, grounded directly in the reference test suite's five
// test_close_wait_N scenarios).
func (s *session) closeSession(mood string, r *result[struct{}]) {
	s.closeResult = r
	s.closeMood = mood
	s.closeStarted = true

	s.failPendingResults(&ErrClosed{})

	if s.transport == nil {
		s.closeBeforeOpened = true
		return
	}

	switch {
	case s.mailboxState != mailboxOpen && !s.nameplateHeld:
		// Bind sent at most; no nameplate was ever claimed. Nothing to
		// release or close.
		s.dropTransport()

	case s.mailboxState != mailboxOpen && s.nameplateHeld:
		// Claim sent, "claimed" not seen yet: wait for it, then release
		// only — the mailbox itself was never worth opening.
		s.closeBeforeClaimed = true

	case s.mailboxState == mailboxOpen && s.nameplateHeld:
		s.waitingCloseAck = true
		s.releaseNameplate()
		s.sendFrame(newFrame(typeClose).with("mood", mood))

	default:
		// Mailbox open, nameplate already released.
		s.waitingCloseAck = true
		s.sendFrame(newFrame(typeClose).with("mood", mood))
	}
}

// releaseNameplate emits "release" exactly once, the first time it's called
// while the nameplate is still held.
func (s *session) releaseNameplate() {
	if !s.nameplateHeld {
		return
	}
	s.nameplateHeld = false
	s.waitingReleaseAck = true
	s.sendFrame(newFrame(typeRelease).with("nameplate", s.nameplate))
}

func (s *session) emitEncrypted(phase string, plaintext []byte) {
	phaseKey := derivePhaseKey(s.key, s.side, phase)
	ciphertext, err := encryptData(phaseKey, plaintext)
	if err != nil {
		s.signalError(err)
		return
	}
	s.sendFrame(newFrame(typeAdd).with("phase", phase).with("body", hexEncode(ciphertext)))
}

func (s *session) sendFrame(f frame) {
	if s.transport == nil {
		return
	}
	s.transport.send(f)
}

func (s *session) dropTransport() {
	if s.transport != nil {
		s.transport.drop()
	}
}

func (s *session) maybeDropTransport() {
	if !s.closeStarted {
		return
	}
	releaseDone := !s.waitingReleaseAck || s.releasedAcked
	closeDone := !s.waitingCloseAck || s.closedAcked
	if releaseDone && closeDone {
		s.dropTransport()
	}
}

// failPendingResults rejects every outstanding result-bearing field with
// err, shared by signalError and closeSession so the two don't drift apart
// on which fields count as "pending".
func (s *session) failPendingResults(err error) {
	for phase, w := range s.receiveWaiters {
		w.reject(err)
		delete(s.receiveWaiters, phase)
	}
	if s.pendingVerifier != nil {
		s.pendingVerifier.reject(err)
		s.pendingVerifier = nil
	}
	if s.codeResult != nil {
		s.codeResult.reject(err)
		s.codeResult = nil
	}
	if s.nameplateChoices != nil {
		s.nameplateChoices.reject(err)
		s.nameplateChoices = nil
	}
}

// signalError sets the sticky session error (first one wins) and fails
// every pending result with it, including a Close in flight — the close
// handshake's acks may now never arrive, so Close must not hang waiting for
// them.
func (s *session) signalError(err error) {
	if s.err != nil {
		return
	}
	s.err = err
	s.failPendingResults(err)
	if s.closeResult != nil {
		s.closeResult.reject(err)
		s.closeResult = nil
	}
}
