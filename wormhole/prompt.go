package wormhole

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"wormhole.link/wordlist"
)

// StdinPrompter is the default CodePrompter: it prints the known nameplates
// to out, then reads a single line from in and returns it trimmed, using the
// teacher CLI's plain fmt.Fprintf-based terminal output. It does not offer
// word completion; CompleteWord is a separate helper.
type StdinPrompter struct {
	In  io.Reader
	Out io.Writer
}

func (p StdinPrompter) PromptCode(nameplates []string) (string, error) {
	out := p.Out
	if out == nil {
		out = io.Discard
	}
	if len(nameplates) > 0 {
		fmt.Fprintf(out, "currently active nameplates: %s\n", strings.Join(nameplates, ", "))
	}
	fmt.Fprintf(out, "enter wormhole code: ")

	in := p.In
	if in == nil {
		return "", usageErrorf("StdinPrompter: no input reader configured")
	}
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	code := strings.TrimSpace(scanner.Text())
	if code == "" {
		return "", usageErrorf("empty wormhole code")
	}
	return code, nil
}

// CompleteWord returns the best word-list completion for a partially typed
// word following a nameplate, or "" if none matches.
func CompleteWord(prefix string) string {
	return wordlist.Match(prefix)
}
