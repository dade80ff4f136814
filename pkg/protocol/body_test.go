package protocol

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/OpenAgentsInc/commander-sub021/pkg/protocol/codec"
)

type snapshotRow struct {
	ID    string `json:"id" cbor:"id"`
	State string `json:"state" cbor:"state"`
	Sats  int64  `json:"sats" cbor:"sats"`
}

func TestEncodeDecodeBodyJSON(t *testing.T) {
	reg := codec.NewRegistry()
	in := []snapshotRow{{ID: "a", State: "completed", Sats: 21}}
	b, err := EncodeBody(reg, FormatJSON, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if PeekFormat(b) != FormatJSON {
		t.Fatalf("format prefix mismatch")
	}
	var out []snapshotRow
	f, err := DecodeBody(reg, b, &out)
	if err != nil || f != FormatJSON {
		t.Fatalf("decode: %v %v", f, err)
	}
	if len(out) != 1 || out[0] != in[0] {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
}

func TestEncodeDecodeBodyCBOR(t *testing.T) {
	reg := codec.NewRegistry()
	in := []snapshotRow{{ID: "b", State: "error", Sats: 0}}
	b, err := EncodeBody(reg, FormatCBOR, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out []snapshotRow
	if _, err := DecodeBody(reg, b, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0] != in[0] {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
}

func TestEncodeDecodeBodyProto(t *testing.T) {
	reg := codec.NewRegistry()
	s, err := structpb.NewStruct(map[string]any{"state": "paid"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := EncodeBody(reg, FormatProto, s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out structpb.Struct
	if _, err := DecodeBody(reg, b, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Fields["state"].GetStringValue() != "paid" {
		t.Fatalf("value mismatch")
	}
}

func TestParseFormat(t *testing.T) {
	for name, want := range map[string]Format{"": FormatJSON, "CBOR": FormatCBOR, "protobuf": FormatProto} {
		got, err := ParseFormat(name)
		if err != nil || got != want {
			t.Fatalf("%q: got %v %v", name, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("xml accepted")
	}
	if _, err := DecodeBody(codec.NewRegistry(), []byte{9, 1}, &struct{}{}); err == nil {
		t.Fatalf("unknown format byte accepted")
	}
}
