package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	"github.com/hkdb/autocryptcore/internal/keyblob"
	"github.com/hkdb/autocryptcore/internal/mimecrypt"
	"github.com/hkdb/autocryptcore/internal/pgpengine"
)

func runEncrypt(args []string) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	selfAddr := fs.String("self-addr", "", "sender address")
	selfPubPath := fs.String("self-pub", "", "path to sender's armored public key")
	selfPrivPath := fs.String("self-priv", "", "path to sender's armored private key")
	var to recipientFlag
	fs.Var(&to, "to", "recipient as addr=keypath, may be repeated")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *selfAddr == "" || *selfPubPath == "" || *selfPrivPath == "" || len(to.items) == 0 {
		return fmt.Errorf("-self-addr, -self-pub, -self-priv and at least one -to are required")
	}

	selfPubRaw, err := readFile(*selfPubPath)
	if err != nil {
		return fmt.Errorf("read self public key: %w", err)
	}
	selfPub, err := keyblob.FromArmored(string(selfPubRaw))
	if err != nil {
		return fmt.Errorf("parse self public key: %w", err)
	}
	selfPrivRaw, err := readFile(*selfPrivPath)
	if err != nil {
		return fmt.Errorf("read self private key: %w", err)
	}
	selfPriv, err := keyblob.FromArmored(string(selfPrivRaw))
	if err != nil {
		return fmt.Errorf("parse self private key: %w", err)
	}

	raw, err := readAllStdin()
	if err != nil {
		return fmt.Errorf("read message from stdin: %w", err)
	}
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	sep := 4
	if headerEnd == -1 {
		headerEnd = bytes.Index(raw, []byte("\n\n"))
		sep = 2
	}
	if headerEnd == -1 {
		return fmt.Errorf("stdin message has no header/body separator")
	}
	rawHeaders := raw[:headerEnd]
	body := raw[headerEnd+sep:]

	req := mimecrypt.EncryptRequest{
		RawHeaders:  rawHeaders,
		Body:        body,
		SelfAddr:    *selfAddr,
		SelfPublic:  selfPub,
		SelfPrivate: selfPriv,
		Recipients:  to.items,
		GossipKeys:  to.items,
	}

	engine := pgpengine.New()
	wire, err := mimecrypt.NewMimeEncryptor(engine).Encrypt(req)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	_, err = os.Stdout.Write(wire)
	return err
}
