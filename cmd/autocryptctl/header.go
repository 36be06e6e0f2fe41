package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/hkdb/autocryptcore/internal/autocrypt"
	"github.com/hkdb/autocryptcore/internal/keyblob"
)

func runHeader(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("header requires a subcommand: render | parse")
	}
	switch args[0] {
	case "render":
		return runHeaderRender(args[1:])
	case "parse":
		return runHeaderParse(args[1:])
	default:
		return fmt.Errorf("unknown header subcommand %q", args[0])
	}
}

func runHeaderRender(args []string) error {
	fs := flag.NewFlagSet("header render", flag.ExitOnError)
	addr := fs.String("addr", "", "address the key belongs to")
	keyPath := fs.String("key", "-", "path to an armored public key (- for stdin)")
	gossip := fs.Bool("gossip", false, "render as Autocrypt-Gossip (suppresses prefer-encrypt)")
	preferMutual := fs.Bool("prefer-mutual", false, "set prefer-encrypt=mutual")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" {
		return fmt.Errorf("-addr is required")
	}

	raw, err := readFile(*keyPath)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}
	key, err := keyblob.FromArmored(string(raw))
	if err != nil {
		return fmt.Errorf("parse armored key: %w", err)
	}

	h := autocrypt.Header{Addr: *addr, PublicKey: key}
	if *preferMutual {
		h.PreferEncrypt = autocrypt.Mutual
	}

	name := "Autocrypt"
	if *gossip {
		name = "Autocrypt-Gossip"
	}
	fmt.Printf("%s: %s\n", name, h.Render(*gossip))
	return nil
}

func runHeaderParse(args []string) error {
	fs := flag.NewFlagSet("header parse", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	raw, err := readAllStdin()
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	value := strings.TrimSpace(string(raw))
	_, value, _ = strings.Cut(value, ":")

	h, err := autocrypt.Parse(value)
	if err != nil {
		return fmt.Errorf("parse header: %w", err)
	}

	fp, _ := h.PublicKey.Fingerprint()
	fmt.Printf("addr: %s\n", h.Addr)
	fmt.Printf("prefer-encrypt: %s\n", h.PreferEncrypt)
	fmt.Printf("fingerprint: %s\n", fp)
	fmt.Fprintln(os.Stderr, "(key material omitted)")
	return nil
}
