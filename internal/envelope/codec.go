package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns envelopes into frames for a Channel
type Codec interface {
	Name() string
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte) (*Envelope, error)
}

// JSONCodec encodes envelopes as JSON
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to deserialize envelope: %w", err)
	}
	return &env, nil
}

// MsgpackCodec encodes envelopes as MessagePack using the json field names
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte) (*Envelope, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to deserialize envelope: %w", err)
	}
	return &env, nil
}

// CodecByName resolves a codec from configuration. Empty selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}
