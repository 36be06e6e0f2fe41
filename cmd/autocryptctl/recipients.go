package main

import (
	"fmt"
	"strings"

	"github.com/hkdb/autocryptcore/internal/keyblob"
	"github.com/hkdb/autocryptcore/internal/mimecrypt"
)

// recipientFlag collects repeated -to addr=keypath[,addr=keypath...] flags.
type recipientFlag struct {
	items []mimecrypt.RecipientKey
}

func (r *recipientFlag) String() string {
	var parts []string
	for _, it := range r.items {
		parts = append(parts, it.Addr)
	}
	return strings.Join(parts, ",")
}

func (r *recipientFlag) Set(value string) error {
	addr, path, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("expected addr=keypath, got %q", value)
	}
	raw, err := readFile(path)
	if err != nil {
		return fmt.Errorf("read key for %s: %w", addr, err)
	}
	key, err := keyblob.FromArmored(string(raw))
	if err != nil {
		return fmt.Errorf("parse key for %s: %w", addr, err)
	}
	r.items = append(r.items, mimecrypt.RecipientKey{Addr: addr, Key: key})
	return nil
}
