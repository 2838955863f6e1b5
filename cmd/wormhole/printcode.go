package main

import (
	"flag"
	"fmt"
	"net/url"

	"rsc.io/qr"
)

// printcode prints a freshly allocated code plus a scannable QR code
// encoding the relay URL with the code as its fragment, in the same
// half-block terminal rendering the teacher uses for its signalling links.
func printcode(code string) {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "%s\n", code)

	u, err := url.Parse(*relay)
	if err != nil {
		return
	}
	u.Fragment = code
	qrcode, err := qr.Encode(u.String(), qr.L)
	if err != nil {
		return
	}

	for x := 0; x < qrcode.Size; x++ {
		fmt.Fprintf(out, "█")
	}
	fmt.Fprintf(out, "████████\n")
	for x := 0; x < qrcode.Size; x++ {
		fmt.Fprintf(out, "█")
	}
	fmt.Fprintf(out, "████████\n")
	for y := 0; y < qrcode.Size; y += 2 {
		fmt.Fprintf(out, "████")
		for x := 0; x < qrcode.Size; x++ {
			switch {
			case qrcode.Black(x, y) && qrcode.Black(x, y+1):
				fmt.Fprintf(out, " ")
			case qrcode.Black(x, y):
				fmt.Fprintf(out, "▄")
			case qrcode.Black(x, y+1):
				fmt.Fprintf(out, "▀")
			default:
				fmt.Fprintf(out, "█")
			}
		}
		fmt.Fprintf(out, "████\n")
	}
	for x := 0; x < qrcode.Size; x++ {
		fmt.Fprintf(out, "█")
	}
	fmt.Fprintf(out, "████████\n")
	for x := 0; x < qrcode.Size; x++ {
		fmt.Fprintf(out, "█")
	}
	fmt.Fprintf(out, "████████\n")
	fmt.Fprintf(out, "%s\n", u.String())
}
