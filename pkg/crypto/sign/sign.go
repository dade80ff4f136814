// Package sign wraps ed25519 signing over 32-byte event ids.
package sign

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBadSignature is returned by VerifyHex when the signature does not verify.
var ErrBadSignature = errors.New("sign: signature does not verify")

// Sign signs the event id digest with priv.
func Sign(priv ed25519.PrivateKey, id []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sign: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return ed25519.Sign(priv, id), nil
}

// Verify checks sig over id.
func Verify(pub ed25519.PublicKey, id, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, id, sig)
}

// VerifyHex is Verify on the hex forms used on the wire.
func VerifyHex(pubHex, idHex, sigHex string) error {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("sign: decode pubkey: %w", err)
	}
	id, err := hex.DecodeString(idHex)
	if err != nil {
		return fmt.Errorf("sign: decode id: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("sign: decode sig: %w", err)
	}
	if !Verify(ed25519.PublicKey(pub), id, sig) {
		return ErrBadSignature
	}
	return nil
}
