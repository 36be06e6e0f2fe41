package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hkdb/autocryptcore/internal/keyblob"
	"github.com/hkdb/autocryptcore/internal/pgpengine"
	"github.com/hkdb/autocryptcore/internal/setupmessage"
)

func runSetup(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("setup requires a subcommand: create | open")
	}
	switch args[0] {
	case "create":
		return runSetupCreate(args[1:])
	case "open":
		return runSetupOpen(args[1:])
	default:
		return fmt.Errorf("unknown setup subcommand %q", args[0])
	}
}

func runSetupCreate(args []string) error {
	fs := flag.NewFlagSet("setup create", flag.ExitOnError)
	privPath := fs.String("priv", "", "path to the armored private key to wrap (required)")
	preferMutual := fs.Bool("prefer-mutual", true, "set Autocrypt-Prefer-Encrypt: mutual in the wrapped key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *privPath == "" {
		return fmt.Errorf("-priv is required")
	}

	raw, err := readFile(*privPath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	priv, err := keyblob.FromArmored(string(raw))
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	code, err := setupmessage.GenerateSetupCode()
	if err != nil {
		return fmt.Errorf("generate setup code: %w", err)
	}

	html, err := setupmessage.RenderSetupFile(priv, code, *preferMutual)
	if err != nil {
		return fmt.Errorf("render setup file: %w", err)
	}

	fmt.Fprintf(os.Stderr, "setup code: %s\n", code)
	_, err = fmt.Print(html)
	return err
}

func runSetupOpen(args []string) error {
	fs := flag.NewFlagSet("setup open", flag.ExitOnError)
	code := fs.String("code", "", "the setup code (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *code == "" {
		return fmt.Errorf("-code is required")
	}
	normalized, err := setupmessage.NormalizeSetupCode(*code)
	if err != nil {
		return fmt.Errorf("normalize setup code: %w", err)
	}

	raw, err := readAllStdin()
	if err != nil {
		return fmt.Errorf("read setup file from stdin: %w", err)
	}

	engine := pgpengine.New()
	armored, err := setupmessage.DecryptSetupFile(engine, normalized, string(raw))
	if err != nil {
		return fmt.Errorf("decrypt setup file: %w", err)
	}

	_, err = fmt.Print(armored)
	return err
}
