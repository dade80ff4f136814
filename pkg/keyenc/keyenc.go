// Package keyenc renders keys and event ids in the prefixed bech32 form used
// for display (npub..., nsec..., note...).
package keyenc

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cosmos/btcutil/bech32"
)

// Human-readable prefixes.
const (
	PrefixPublicKey = "npub"
	PrefixSecretKey = "nsec"
	PrefixEventID   = "note"
)

// maxLen is the bech32 length limit used when decoding.
const maxLen = 1023

// EncodePublicKey renders a hex public key as npub.
func EncodePublicKey(pubHex string) (string, error) { return encode(PrefixPublicKey, pubHex) }

// EncodeSecretKey renders a hex secret key as nsec.
func EncodeSecretKey(skHex string) (string, error) { return encode(PrefixSecretKey, skHex) }

// EncodeEventID renders a hex event id as note.
func EncodeEventID(idHex string) (string, error) { return encode(PrefixEventID, idHex) }

// Decode returns the prefix and the 32-byte payload in hex.
func Decode(s string) (prefix, hexValue string, err error) {
	hrp, data, err := bech32.Decode(strings.ToLower(strings.TrimSpace(s)), maxLen)
	if err != nil {
		return "", "", fmt.Errorf("keyenc: %w", err)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", "", fmt.Errorf("keyenc: %w", err)
	}
	if len(raw) != 32 {
		return "", "", fmt.Errorf("keyenc: %s payload must be 32 bytes, got %d", hrp, len(raw))
	}
	switch hrp {
	case PrefixPublicKey, PrefixSecretKey, PrefixEventID:
	default:
		return "", "", fmt.Errorf("keyenc: unknown prefix %q", hrp)
	}
	return hrp, hex.EncodeToString(raw), nil
}

// NormalizePublicKey accepts a hex or npub public key and returns hex.
func NormalizePublicKey(s string) (string, error) {
	return normalize(s, PrefixPublicKey)
}

// NormalizeSecretKey accepts a hex or nsec secret key and returns hex.
func NormalizeSecretKey(s string) (string, error) {
	return normalize(s, PrefixSecretKey)
}

func normalize(s, want string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), want+"1") {
		prefix, h, err := Decode(s)
		if err != nil {
			return "", err
		}
		if prefix != want {
			return "", fmt.Errorf("keyenc: expected %s, got %s", want, prefix)
		}
		return h, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("keyenc: %q is neither %s nor 64 hex characters", s, want)
	}
	return strings.ToLower(s), nil
}

func encode(hrp, hexValue string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexValue))
	if err != nil {
		return "", fmt.Errorf("keyenc: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("keyenc: value must be 32 bytes, got %d", len(raw))
	}
	data, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("keyenc: %w", err)
	}
	return bech32.Encode(hrp, data)
}
