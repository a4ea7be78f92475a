// Command admin inspects a documents database offline: list the stored
// documents, or dump one of them as JSON. Useful when the server is down or
// when debugging a versioning issue from a copied data directory.
package main

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "ls":
		lsCmd(os.Args[2:])
	case "dump":
		dumpCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin ls|dump [args]")
	fmt.Fprintln(os.Stderr, "  ls   [-data ./data | -db PATH]")
	fmt.Fprintln(os.Stderr, "  dump [-data ./data | -db PATH] -experience ID -kind world|player -owner OWNER")
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
