package wormhole

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
	"salsa.debian.org/vasudev/gospake2"
)

// confMsgNonceLength is the size, in bytes, of the random nonce prefixed to
// a confirmation message. It is independent of secretbox's fixed 24-byte
// nonce: the confirmation message is a keyed MAC, not a secretbox, since all
// it needs to prove is "I hold the same derived key", not secrecy (see
// SPEC_FULL.md §4.1 for why the distilled spec's test suite only pins this
// constant and not the construction around it).
const confMsgNonceLength = 32

// secretboxNonceLength is the nonce size secretbox itself requires.
const secretboxNonceLength = 24

// newSide returns a fresh 16-hex-char identifier for this session's side of
// the mailbox.
func newSide() (string, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// startPake begins a SPAKE2-symmetric exchange over the code, bound to
// appID as the shared (symmetric) identity, and returns our outbound
// message.
func startPake(appID, code string) (*gospake2.SPAKE2, []byte) {
	pake := gospake2.SPAKE2Symmetric(gospake2.NewPassword(code), gospake2.NewIdentityS(appID))
	return pake, pake.Start()
}

// finishPake consumes the peer's PAKE message and derives the 32-byte
// session key, stretching SPAKE2's raw shared secret through HKDF-SHA256
// exactly as the teacher's cmd/rtcpipe tool does around its own
// gospake2-derived master key.
func finishPake(pake *gospake2.SPAKE2, inbound []byte) ([]byte, error) {
	shared, err := pake.Finish(inbound)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), key); err != nil {
		return nil, err
	}
	return key, nil
}

// deriveKey produces length bytes of key material from the session key for
// the given purpose string, via HKDF-SHA256.
func deriveKey(key []byte, purpose string, length int) []byte {
	out := make([]byte, length)
	io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(purpose)), out)
	return out
}

const (
	purposeVerifier     = "wormhole:verifier"
	purposeConfirmation = "wormhole:confirmation"
)

// derivePhaseKey produces the per-phase SecretBox key for the message a
// given side sends in a given phase.
func derivePhaseKey(key []byte, side, phase string) []byte {
	h := sha256.Sum256([]byte(side + phase))
	purpose := "wormhole:phase:" + hex.EncodeToString(h[:])
	return deriveKey(key, purpose, 32)
}

// encryptData seals plaintext under phaseKey, prepending a fresh random
// nonce, matching the nonce-prepend idiom the teacher uses throughout
// wormhole/dial.go's writeEncJSON.
func encryptData(phaseKey, plaintext []byte) ([]byte, error) {
	var nonce [secretboxNonceLength]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], phaseKey)
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}

// decryptData opens a message produced by encryptData.
func decryptData(phaseKey, data []byte) ([]byte, error) {
	if len(data) < secretboxNonceLength {
		return nil, errors.New("wormhole: ciphertext too short")
	}
	var nonce [secretboxNonceLength]byte
	copy(nonce[:], data[:secretboxNonceLength])
	var key [32]byte
	copy(key[:], phaseKey)
	plaintext, ok := secretbox.Open(nil, data[secretboxNonceLength:], &nonce, &key)
	if !ok {
		return nil, errors.New("wormhole: decryption failed")
	}
	return plaintext, nil
}

// makeConfirmation produces a confirmation message proving possession of
// confirmationKey: a random nonce followed by an HMAC-SHA256 of that nonce
// keyed on confirmationKey.
func makeConfirmation(confirmationKey []byte) ([]byte, error) {
	nonce := make([]byte, confMsgNonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, confirmationKey)
	mac.Write(nonce)
	return append(nonce, mac.Sum(nil)...), nil
}

// checkConfirmation verifies a message produced by makeConfirmation.
func checkConfirmation(confirmationKey, msg []byte) bool {
	if len(msg) < confMsgNonceLength {
		return false
	}
	nonce, tag := msg[:confMsgNonceLength], msg[confMsgNonceLength:]
	mac := hmac.New(sha256.New, confirmationKey)
	mac.Write(nonce)
	return hmac.Equal(mac.Sum(nil), tag)
}

// hexEncode and hexDecode convert message bodies to and from the lowercase
// hex strings the wire protocol carries them as.
func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }
