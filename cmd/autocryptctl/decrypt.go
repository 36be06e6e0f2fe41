package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hkdb/autocryptcore/internal/keyblob"
	"github.com/hkdb/autocryptcore/internal/mimecrypt"
	"github.com/hkdb/autocryptcore/internal/pgpengine"
)

func runDecrypt(args []string) error {
	fs := flag.NewFlagSet("decrypt", flag.ExitOnError)
	selfPrivPath := fs.String("self-priv", "", "path to the recipient's armored private key")
	var validate stringListFlag
	fs.Var(&validate, "validate", "path to a sender's armored public key to check signatures against, may be repeated")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *selfPrivPath == "" {
		return fmt.Errorf("-self-priv is required")
	}

	privRaw, err := readFile(*selfPrivPath)
	if err != nil {
		return fmt.Errorf("read self private key: %w", err)
	}
	priv, err := keyblob.FromArmored(string(privRaw))
	if err != nil {
		return fmt.Errorf("parse self private key: %w", err)
	}

	var validateKeyring keyblob.Keyring
	for _, path := range validate.items {
		raw, err := readFile(path)
		if err != nil {
			return fmt.Errorf("read validate key %s: %w", path, err)
		}
		key, err := keyblob.FromArmored(string(raw))
		if err != nil {
			return fmt.Errorf("parse validate key %s: %w", path, err)
		}
		validateKeyring = validateKeyring.Add(key)
	}

	raw, err := readAllStdin()
	if err != nil {
		return fmt.Errorf("read message from stdin: %w", err)
	}

	engine := pgpengine.New()
	result, err := mimecrypt.NewMimeDecryptor(engine).Decrypt(raw, keyblob.Keyring{priv}, validateKeyring)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	fmt.Fprintf(os.Stderr, "was-encrypted: %v\n", result.WasEncrypted)
	fmt.Fprintf(os.Stderr, "fully-encrypted: %v\n", result.Encrypted())
	fmt.Fprintf(os.Stderr, "signature-valid: %v\n", result.SignatureValid)
	if result.SignatureValid {
		fmt.Fprintf(os.Stderr, "signer-fingerprint: %s\n", result.SignerFingerprint)
	}
	for name, value := range result.ProtectedHeaders {
		fmt.Fprintf(os.Stderr, "protected-header %s: %s\n", name, value)
	}
	for _, g := range result.Gossip {
		fmt.Fprintf(os.Stderr, "gossip: %s\n", g.Addr)
	}

	_, err = os.Stdout.Write(result.Plaintext)
	return err
}

// stringListFlag collects repeated occurrences of a flag into a slice.
type stringListFlag struct {
	items []string
}

func (s *stringListFlag) String() string {
	if s == nil {
		return ""
	}
	out := ""
	for i, v := range s.items {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

func (s *stringListFlag) Set(value string) error {
	s.items = append(s.items, value)
	return nil
}
