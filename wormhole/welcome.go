package wormhole

import (
	"fmt"
	"io"
	"strings"
)

// welcomeHandler interprets the rendezvous server's "welcome" frame. It is
// constructed once per session and invoked on every welcome frame received
// (in practice exactly one, immediately after bind), matching the teacher's
// practice of giving each protocol concern its own small, mockable type
// (see _WelcomeHandler in the distilled spec's reference test suite).
type welcomeHandler struct {
	relayURL   string
	ourVersion string
	signalErr  func(err error)

	stderr io.Writer

	motdShown     bool
	versionWarned bool
}

func newWelcomeHandler(relayURL, ourVersion string, signalErr func(err error), stderr io.Writer) *welcomeHandler {
	return &welcomeHandler{
		relayURL:   relayURL,
		ourVersion: ourVersion,
		signalErr:  signalErr,
		stderr:     stderr,
	}
}

// handleWelcome processes one "welcome" payload's fields.
func (w *welcomeHandler) handleWelcome(welcome frame) {
	if motd := welcome.str("motd"); motd != "" && !w.motdShown {
		w.motdShown = true
		lines := strings.Split(motd, "\n")
		fmt.Fprintf(w.stderr, "Server (at %s) says:\n %s\n", w.relayURL, strings.Join(lines, "\n "))
	}

	if current := welcome.str("current_version"); current != "" && !w.versionWarned {
		if current != w.ourVersion && !isDevBuild(w.ourVersion) {
			w.versionWarned = true
			fmt.Fprintf(w.stderr, "Warning: errors may occur unless both sides are running the same version\n")
			fmt.Fprintf(w.stderr, "Server claims %s is current, but ours is %s\n", current, w.ourVersion)
		}
	}

	if errMsg := welcome.str("error"); errMsg != "" {
		w.signalErr(&WelcomeError{Message: errMsg})
	}
}

// isDevBuild reports whether a version string looks like a development
// build rather than a release: one with a "-" suffix beyond the semver
// core, e.g. "0.12.0-dirty" or "0.12.0-7-gdeadbee".
func isDevBuild(version string) bool {
	return strings.Contains(version, "-")
}
