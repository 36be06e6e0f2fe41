// autocryptctl exercises the autocryptcore library end to end from the
// command line: header render/parse, keypair generation, encrypt/decrypt
// of a PGP/MIME message, and setup-message create/open. It is a
// debugging and integration-smoke tool, not a product UI.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/hkdb/autocryptcore/internal/logging"
)

func main() {
	logging.Init(logging.Config{Level: os.Getenv("AUTOCRYPTCTL_LOG_LEVEL"), Console: true})

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "header":
		err = runHeader(os.Args[2:])
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "decrypt":
		err = runDecrypt(os.Args[2:])
	case "setup":
		err = runSetup(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "autocryptctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: autocryptctl <command> [flags]

commands:
  header render  render an Autocrypt: header value for a key
  header parse   parse an Autocrypt: header value from stdin
  keygen         generate a self keypair
  encrypt        build a PGP/MIME encrypted message
  decrypt        unwrap a PGP/MIME message
  setup create   render an Autocrypt Setup Message
  setup open     decrypt an Autocrypt Setup Message`)
}

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

func readFile(path string) ([]byte, error) {
	if path == "-" || path == "" {
		return readAllStdin()
	}
	return os.ReadFile(path)
}
