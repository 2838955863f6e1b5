// Command wormhole moves files and other data between two computers
// through a short, human-typeable code and an untrusted relay.
package main

import (
	"flag"
	"fmt"
	"os"

	"wormhole.link/rendezvous"
)

var subcmds = map[string]func(args ...string){
	"send":    send,
	"receive": receive,
	"serve":   serve,
}

var relay = flag.String("relay", "wss://wormhole.link/", "rendezvous relay to use")

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "wormhole moves files between two computers through a one-time code.\n\n")
	fmt.Fprintf(w, "usage:\n\n")
	fmt.Fprintf(w, "  %s [flags] <command> [arguments]\n\n", os.Args[0])
	fmt.Fprintf(w, "commands:\n")
	for key := range subcmds {
		fmt.Fprintf(w, "  %s\n", key)
	}
	fmt.Fprintf(w, "\nflags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd, ok := subcmds[flag.Arg(0)]
	if !ok {
		flag.Usage()
		os.Exit(2)
	}
	cmd(flag.Args()...)
}

func fatalf(format string, v ...interface{}) {
	fmt.Fprintf(flag.CommandLine.Output(), format+"\n", v...)
	os.Exit(1)
}

// serve runs a rendezvous relay, so a `serve` subcommand can stand in for a
// separately deployed one during local testing.
func serve(args ...string) {
	rendezvous.Serve(args[1:])
}
