package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/OpenAgentsInc/commander-sub021/pkg/config"
	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
)

func TestSignVerify(t *testing.T) {
	sk, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ev := &event.Event{CreatedAt: 1700000000, Kind: 5050, Tags: event.Tags{{"output", "text/plain"}}, Content: "hi"}
	var s Signer
	if err := s.Sign(ev, sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	pub, _ := s.PublicKey(sk)
	if ev.PubKey != pub || len(ev.ID) != 64 || len(ev.Sig) != 128 {
		t.Fatalf("unexpected signed event: %+v", ev)
	}
	if err := s.Verify(ev); err != nil {
		t.Fatalf("verify: %v", err)
	}
	ev.Content = "tampered"
	if err := s.Verify(ev); err == nil {
		t.Fatalf("tampered content must not verify")
	}
	ev.Content = "hi"
	ev.Sig = strings.Repeat("0", 128)
	if err := s.Verify(ev); err == nil {
		t.Fatalf("zero signature must not verify")
	}
}

func TestInvalidKey(t *testing.T) {
	if _, err := PublicKey("abc"); err == nil {
		t.Fatalf("short key accepted")
	}
	if IsValidKeyHex(strings.Repeat("g", 64)) {
		t.Fatalf("non-hex key accepted")
	}
}

func TestLoadOrGenerate(t *testing.T) {
	sk, _ := GenerateKey()
	got, err := LoadOrGenerate(config.IdentityConfig{SecretKey: strings.ToUpper(sk)})
	if err != nil || got != sk {
		t.Fatalf("inline key: got %q err %v", got, err)
	}

	path := filepath.Join(t.TempDir(), "id.key")
	got, err = LoadOrGenerate(config.IdentityConfig{SecretKeyFile: path, Persist: true})
	if err != nil || !IsValidKeyHex(got) {
		t.Fatalf("persisted generate: %q %v", got, err)
	}
	b, err := os.ReadFile(path)
	if err != nil || strings.TrimSpace(string(b)) != got {
		t.Fatalf("key file not written: %q %v", b, err)
	}
	again, err := LoadOrGenerate(config.IdentityConfig{SecretKeyFile: path})
	if err != nil || again != got {
		t.Fatalf("reload: %q %v", again, err)
	}
}
