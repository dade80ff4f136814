// Package identity holds the ed25519 keys that author and verify events.
//
// Secret keys are the 32-byte seed in lowercase hex (64 chars); public keys are
// the raw 32-byte ed25519 point in lowercase hex.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/config"
	"github.com/OpenAgentsInc/commander-sub021/pkg/crypto/sign"
	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
)

// KeyHexLen is the length of a hex encoded key.
const KeyHexLen = 64

// ErrInvalidKey reports a key that is not 64 hex chars.
var ErrInvalidKey = errors.New("identity: key must be 64 hex characters")

// IsValidKeyHex reports whether s has the shape of a hex key.
func IsValidKeyHex(s string) bool {
	if len(s) != KeyHexLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// PrivateKey expands a hex seed into an ed25519 private key.
func PrivateKey(sk string) (ed25519.PrivateKey, error) {
	sk = strings.TrimSpace(sk)
	if !IsValidKeyHex(sk) {
		return nil, ErrInvalidKey
	}
	seed, _ := hex.DecodeString(sk)
	return ed25519.NewKeyFromSeed(seed), nil
}

// Seed returns the raw 32-byte seed for sk.
func Seed(sk string) ([]byte, error) {
	sk = strings.TrimSpace(sk)
	if !IsValidKeyHex(sk) {
		return nil, ErrInvalidKey
	}
	return hex.DecodeString(sk)
}

// PublicKey derives the hex public key for sk.
func PublicKey(sk string) (string, error) {
	priv, err := PrivateKey(sk)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
}

// GenerateKey returns a fresh hex secret key.
func GenerateKey() (string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("identity: read random: %w", err)
	}
	return hex.EncodeToString(seed), nil
}

// Signer signs and verifies events. The zero value is ready to use.
type Signer struct{}

// PublicKey derives the hex public key for sk.
func (Signer) PublicKey(sk string) (string, error) { return PublicKey(sk) }

// Sign fills ev.PubKey, ev.ID and ev.Sig.
func (Signer) Sign(ev *event.Event, sk string) error {
	priv, err := PrivateKey(sk)
	if err != nil {
		return err
	}
	ev.PubKey = hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	id, err := ev.ComputeID()
	if err != nil {
		return err
	}
	ev.ID = id
	idb, _ := hex.DecodeString(id)
	sig, err := sign.Sign(priv, idb)
	if err != nil {
		return err
	}
	ev.Sig = hex.EncodeToString(sig)
	return nil
}

// Verify checks that ev.ID matches its content and ev.Sig is valid for ev.PubKey.
func (Signer) Verify(ev *event.Event) error {
	if ev == nil {
		return errors.New("identity: nil event")
	}
	if !ev.CheckID() {
		return errors.New("identity: event id does not match content")
	}
	return sign.VerifyHex(ev.PubKey, ev.ID, ev.Sig)
}

// LoadOrGenerate returns the configured secret key or generates a new one.
// Order: identity.secret_key, then identity.secret_key_file, then a fresh key.
func LoadOrGenerate(c config.IdentityConfig) (string, error) {
	if s := strings.TrimSpace(c.SecretKey); s != "" {
		if IsValidKeyHex(s) {
			return strings.ToLower(s), nil
		}
		zap.L().Warn("ignoring malformed identity.secret_key")
	}
	if p := strings.TrimSpace(c.SecretKeyFile); p != "" {
		b, err := os.ReadFile(p)
		switch {
		case err == nil && IsValidKeyHex(strings.TrimSpace(string(b))):
			return strings.ToLower(strings.TrimSpace(string(b))), nil
		case err == nil:
			zap.L().Warn("identity.secret_key_file does not hold a hex key", zap.String("path", p))
		case errors.Is(err, os.ErrNotExist) && c.Persist:
			// generated below and written back
		default:
			zap.L().Warn("failed to read identity.secret_key_file", zap.String("path", p), zap.Error(err))
		}
	}
	sk, err := GenerateKey()
	if err != nil {
		return "", err
	}
	pub, _ := PublicKey(sk)
	if c.Persist && strings.TrimSpace(c.SecretKeyFile) != "" {
		if err := os.WriteFile(c.SecretKeyFile, []byte(sk+"\n"), 0o600); err != nil {
			return "", fmt.Errorf("identity: persist key: %w", err)
		}
		zap.L().Info("generated new identity", zap.String("pubkey", pub), zap.String("file", c.SecretKeyFile))
		return sk, nil
	}
	zap.L().Info("generated new ephemeral identity (set identity.secret_key to keep it)", zap.String("pubkey", pub))
	return sk, nil
}
