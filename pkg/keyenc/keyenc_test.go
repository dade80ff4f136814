package keyenc

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecode(t *testing.T) {
	h := strings.Repeat("ab", 32)
	npub, err := EncodePublicKey(h)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(npub, "npub1"))

	prefix, back, err := Decode(npub)
	require.NoError(t, err)
	assert.Equal(t, PrefixPublicKey, prefix)
	assert.Equal(t, h, back)

	norm, err := NormalizePublicKey(npub)
	require.NoError(t, err)
	assert.Equal(t, h, norm)

	norm, err = NormalizePublicKey(strings.ToUpper(h))
	require.NoError(t, err)
	assert.Equal(t, h, norm)
}

func TestNormalizeRejectsWrongPrefix(t *testing.T) {
	nsec, err := EncodeSecretKey(strings.Repeat("01", 32))
	require.NoError(t, err)
	_, err = NormalizePublicKey(nsec)
	require.Error(t, err)
	_, err = NormalizePublicKey("deadbeef")
	require.Error(t, err)
}

func TestRoundtripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "raw")
		h := hex.EncodeToString(raw)
		note, err := EncodeEventID(h)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		p, back, err := Decode(note)
		if err != nil || p != PrefixEventID || back != h {
			t.Fatalf("roundtrip: %s %s %v", p, back, err)
		}
	})
}
