package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec with deterministic marshaling.
// proto.Message values are written as is. Any other value must be
// JSON-shaped; it is carried as a google.protobuf.Struct built from its
// JSON form and decoded back the same way.
// Content-Type: application/x-protobuf
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{DiscardUnknown: true},
	}
}

func (p protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return p.mo.Marshal(msg)
	}
	st, err := toStruct(v)
	if err != nil {
		return nil, fmt.Errorf("protobuf: %T: %w", v, err)
	}
	return p.mo.Marshal(st)
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return p.uo.Unmarshal(data, msg)
	}
	st := &structpb.Struct{}
	if err := p.uo.Unmarshal(data, st); err != nil {
		return err
	}
	b, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// structpb only carries JSON values, so typed values go through encoding/json.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("not an object: %w", err)
	}
	return structpb.NewStruct(m)
}
