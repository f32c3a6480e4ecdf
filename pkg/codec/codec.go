package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes records stored in the signaling channel. Both codecs honour
// `json` struct tags so domain types carry a single set of tags.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

type jsonCodec struct{}

func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return NameJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type msgpackCodec struct{}

func Msgpack() Codec { return msgpackCodec{} }

func (msgpackCodec) Name() string { return NameMsgpack }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// ByName resolves a codec from configuration.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON(), nil
	case NameMsgpack:
		return Msgpack(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Merge decodes data as a record, overlays fields and re-encodes it. A nil
// data slice starts from an empty record.
func Merge(c Codec, data []byte, fields map[string]any) ([]byte, error) {
	record := make(map[string]any)
	if len(data) > 0 {
		if err := c.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("decode record for merge: %w", err)
		}
	}
	for k, v := range fields {
		record[k] = v
	}
	return c.Marshal(record)
}
