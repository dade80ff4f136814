// Package box encrypts job payloads between two ed25519 identities.
//
// Both sides map their ed25519 keys onto X25519, agree on a shared secret,
// stretch it with HKDF-SHA256 and seal with AES-256-GCM. The text form is
// base64(ciphertext) + "?iv=" + base64(nonce).
package box

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	ivSeparator = "?iv="
	hkdfInfo    = "commander-dvm-payload-v1"
)

// Error is returned by every failing operation.
type Error struct {
	Op  string // "encrypt" or "decrypt"
	Err error
}

func (e *Error) Error() string { return "box " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrMalformed reports ciphertext that is not in the text form.
	ErrMalformed = errors.New("malformed ciphertext")
	// ErrAuth reports ciphertext that fails authentication, usually a key mismatch.
	ErrAuth = errors.New("message authentication failed")
)

// Cipher is the payload encryption collaborator. The zero value is ready.
type Cipher struct{}

// Encrypt seals plaintext for recipientPub using the sender's hex secret key.
func (Cipher) Encrypt(sk, recipientPub string, plaintext []byte) (string, error) {
	return Encrypt(sk, recipientPub, plaintext)
}

// Decrypt opens ct sent by senderPub to the holder of sk.
func (Cipher) Decrypt(sk, senderPub, ct string) ([]byte, error) {
	return Decrypt(sk, senderPub, ct)
}

// Encrypt seals plaintext for recipientPub using the sender's hex secret key.
func Encrypt(sk, recipientPub string, plaintext []byte) (string, error) {
	aead, err := sharedAEAD(sk, recipientPub)
	if err != nil {
		return "", &Error{Op: "encrypt", Err: err}
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &Error{Op: "encrypt", Err: err}
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	enc := base64.StdEncoding
	return enc.EncodeToString(ct) + ivSeparator + enc.EncodeToString(nonce), nil
}

// Decrypt opens ct sent by senderPub to the holder of sk.
func Decrypt(sk, senderPub, ct string) ([]byte, error) {
	body, iv, ok := strings.Cut(strings.TrimSpace(ct), ivSeparator)
	if !ok || body == "" || iv == "" {
		return nil, &Error{Op: "decrypt", Err: ErrMalformed}
	}
	enc := base64.StdEncoding
	raw, err := enc.DecodeString(body)
	if err != nil {
		return nil, &Error{Op: "decrypt", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	nonce, err := enc.DecodeString(iv)
	if err != nil {
		return nil, &Error{Op: "decrypt", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	aead, err := sharedAEAD(sk, senderPub)
	if err != nil {
		return nil, &Error{Op: "decrypt", Err: err}
	}
	if len(nonce) != aead.NonceSize() {
		return nil, &Error{Op: "decrypt", Err: fmt.Errorf("%w: nonce length %d", ErrMalformed, len(nonce))}
	}
	pt, err := aead.Open(nil, nonce, raw, nil)
	if err != nil {
		return nil, &Error{Op: "decrypt", Err: ErrAuth}
	}
	return pt, nil
}

// CheckPublicKey reports whether pub is a hex ed25519 public key that
// encryption can target: 64 hex characters encoding a curve point.
func CheckPublicKey(pub string) error {
	_, err := peerPoint(pub)
	return err
}

func peerPoint(peerPub string) (*edwards25519.Point, error) {
	pub, err := hex.DecodeString(strings.TrimSpace(peerPub))
	if err != nil || len(pub) != 32 {
		return nil, errors.New("public key must be 64 hex characters")
	}
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("public key is not a curve point: %w", err)
	}
	return point, nil
}

func sharedAEAD(sk, peerPub string) (cipher.AEAD, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(sk))
	if err != nil || len(seed) != 32 {
		return nil, errors.New("secret key must be 64 hex characters")
	}
	point, err := peerPoint(peerPub)
	if err != nil {
		return nil, err
	}
	h := sha512.Sum512(seed)
	shared, err := curve25519.X25519(h[:32], point.BytesMontgomery())
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
