package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hkdb/autocryptcore/internal/pgpengine"
)

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	addr := fs.String("addr", "", "address to generate a keypair for")
	outPub := fs.String("out-pub", "", "path to write the armored public key (required)")
	outPriv := fs.String("out-priv", "", "path to write the armored private key (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" || *outPub == "" || *outPriv == "" {
		return fmt.Errorf("-addr, -out-pub and -out-priv are required")
	}

	engine := pgpengine.New()
	pub, priv, err := engine.GenerateKeypair(*addr)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	if err := os.WriteFile(*outPub, []byte(pub.ToArmored()), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	if err := os.WriteFile(*outPriv, []byte(priv.ToArmored()), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	fp, _ := pub.Fingerprint()
	fmt.Printf("generated keypair for %s, fingerprint %s\n", *addr, fp)
	return nil
}
