package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"wormhole.link/wormhole"
)

// appID namespaces this CLI's wormholes away from any other application
// talking to the same relay.
const appID = "wormhole.link/cli"

// msgChunkSize bounds how much of a file goes into a single encrypted
// application message.
const msgChunkSize = 32 << 10

type header struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Chunks int    `json:"chunks"`
}

func dialNewCode(ctx context.Context) (*wormhole.Wormhole, string) {
	w, err := wormhole.Dial(ctx, appID, *relay)
	if err != nil {
		fatalf("could not dial: %v", err)
	}
	code, err := w.GetCode(ctx)
	if err != nil {
		fatalf("could not allocate code: %v", err)
	}
	return w, code
}

func dialWithCode(ctx context.Context, code string) *wormhole.Wormhole {
	w, err := wormhole.Dial(ctx, appID, *relay)
	if err != nil {
		fatalf("could not dial: %v", err)
	}
	if err := w.SetCode(code); err != nil {
		fatalf("bad code: %v", err)
	}
	return w
}

func mustVerify(ctx context.Context, w *wormhole.Wormhole, out io.Writer) {
	verifier, err := w.Verify(ctx)
	if err != nil {
		fatalf("could not verify code: %v", err)
	}
	fmt.Fprintf(out, "verifier: %x\n", verifier)
}

func send(args ...string) {
	set := flag.NewFlagSet(args[0], flag.ExitOnError)
	set.Usage = func() {
		fmt.Fprintf(set.Output(), "send a file\n\n")
		fmt.Fprintf(set.Output(), "usage: %s %s <file>\n\n", os.Args[0], args[0])
		fmt.Fprintf(set.Output(), "flags:\n")
		set.PrintDefaults()
	}
	code := set.String("code", "", "use a wormhole code instead of generating one")
	set.Parse(args[1:])
	if set.NArg() != 1 {
		set.Usage()
		os.Exit(2)
	}
	filename := set.Arg(0)

	f, err := os.Open(filename)
	if err != nil {
		fatalf("could not open file %s: %v", filename, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		fatalf("could not stat file %s: %v", filename, err)
	}

	ctx := context.Background()
	var w *wormhole.Wormhole
	if *code != "" {
		w = dialWithCode(ctx, *code)
	} else {
		var c string
		w, c = dialNewCode(ctx)
		printcode(c)
	}
	mustVerify(ctx, w, set.Output())

	chunks := int((info.Size() + msgChunkSize - 1) / msgChunkSize)
	if info.Size() == 0 {
		chunks = 0
	}
	h, err := json.Marshal(header{
		Name:   filepath.Base(filepath.Clean(filename)),
		Size:   info.Size(),
		Chunks: chunks,
	})
	if err != nil {
		fatalf("failed to marshal file header: %v", err)
	}
	if err := w.Send(h); err != nil {
		fatalf("could not send file header: %v", err)
	}

	fmt.Fprintf(set.Output(), "sending %v... ", filepath.Base(filepath.Clean(filename)))
	buf := make([]byte, msgChunkSize)
	for i := 0; i < chunks; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			fatalf("\ncould not read file: %v", err)
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		if err := w.Send(chunk); err != nil {
			fatalf("\ncould not send file chunk: %v", err)
		}
	}
	fmt.Fprintf(set.Output(), "done\n")

	if err := w.Close(ctx, wormhole.MoodHappy); err != nil {
		fatalf("could not close: %v", err)
	}
}

func receive(args ...string) {
	set := flag.NewFlagSet(args[0], flag.ExitOnError)
	set.Usage = func() {
		fmt.Fprintf(set.Output(), "receive a file\n\n")
		fmt.Fprintf(set.Output(), "usage: %s %s [code]\n\n", os.Args[0], args[0])
		fmt.Fprintf(set.Output(), "flags:\n")
		set.PrintDefaults()
	}
	directory := set.String("dir", ".", "directory to put the downloaded file in")
	set.Parse(args[1:])
	if set.NArg() > 1 {
		set.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	var w *wormhole.Wormhole
	if set.NArg() == 1 {
		w = dialWithCode(ctx, set.Arg(0))
	} else {
		var c string
		w, c = dialNewCode(ctx)
		printcode(c)
	}
	mustVerify(ctx, w, set.Output())

	hdrBytes, err := w.Get(ctx)
	if err != nil {
		fatalf("could not read file header: %v", err)
	}
	var h header
	if err := json.Unmarshal(hdrBytes, &h); err != nil {
		fatalf("could not decode file header: %v", err)
	}

	path := getUniquePath(filepath.Join(*directory, filepath.Clean(h.Name)))
	out, err := os.Create(path)
	if err != nil {
		fatalf("could not create output file %s: %v", h.Name, err)
	}
	defer out.Close()

	fmt.Fprintf(set.Output(), "receiving %v... ", h.Name)
	var written int64
	for i := 0; i < h.Chunks; i++ {
		chunk, err := w.Get(ctx)
		if err != nil {
			fatalf("\ncould not read file chunk: %v", err)
		}
		n, err := out.Write(chunk)
		if err != nil {
			fatalf("\ncould not save file: %v", err)
		}
		written += int64(n)
	}
	if written != h.Size {
		fatalf("\nEOF before receiving all bytes: (%d/%d)", written, h.Size)
	}
	fmt.Fprintf(set.Output(), "done\n")

	if err := w.Close(ctx, wormhole.MoodHappy); err != nil {
		fatalf("could not close: %v", err)
	}
}

// getUniquePath finds a filename to receive into, appending or incrementing
// a numeric suffix if path is already taken.
func getUniquePath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}

	lastDot := strings.LastIndex(path, ".")
	if lastDot == -1 {
		return getUniquePath(fmt.Sprintf("%s_1", path))
	}
	base, extension := path[:lastDot], path[lastDot:]

	lastUnderscore := strings.LastIndex(base, "_")
	if lastUnderscore == -1 {
		return getUniquePath(fmt.Sprintf("%s_1%s", base, extension))
	}
	stem, suffix := base[:lastUnderscore], base[lastUnderscore+1:]
	if n, err := strconv.Atoi(suffix); err == nil {
		return getUniquePath(fmt.Sprintf("%s_%d%s", stem, n+1, extension))
	}
	return getUniquePath(fmt.Sprintf("%s_1%s", base, extension))
}
