package json

import (
	"encoding/json"

	"benchproxy/rpc/serialize"
)

func init() {
	serialize.Register(Serializer{})
}

// Serializer -> json serialization protocol
type Serializer struct{}

func (s Serializer) Code() byte {
	return byte(serialize.CodecJSON)
}

func (s Serializer) Encode(val any) ([]byte, error) {
	return json.Marshal(val)
}

func (s Serializer) Decode(data []byte, val any) error {
	return json.Unmarshal(data, val)
}
