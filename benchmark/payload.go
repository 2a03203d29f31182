// Package benchmark holds the service used to measure proxy overhead and a
// small driver that runs it from many workers.
package benchmark

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ResponsePayload is a zero filled body of a requested size. Its only job is
// to make serialization and transport cost proportional to that size.
type ResponsePayload struct {
	bytes []byte
}

// NewResponsePayload allocates size bytes.
func NewResponsePayload(size int) (*ResponsePayload, error) {
	if size < 0 {
		return nil, fmt.Errorf("benchmark: payload size must be >= 0, got %d", size)
	}
	return &ResponsePayload{bytes: make([]byte, size)}, nil
}

// PayloadFromProto copies the value of msg.
func PayloadFromProto(msg *wrapperspb.BytesValue) *ResponsePayload {
	return &ResponsePayload{bytes: append(make([]byte, 0, len(msg.GetValue())), msg.GetValue()...)}
}

// Bytes returns a copy of the body.
func (p *ResponsePayload) Bytes() []byte {
	return append(make([]byte, 0, len(p.bytes)), p.bytes...)
}

func (p *ResponsePayload) Len() int {
	return len(p.bytes)
}

// ToProto converts the payload for the proto codec.
func (p *ResponsePayload) ToProto() *wrapperspb.BytesValue {
	return wrapperspb.Bytes(p.Bytes())
}

type payloadJSON struct {
	Bytes []byte `json:"bytes"`
}

func (p ResponsePayload) MarshalJSON() ([]byte, error) {
	bs := p.bytes
	if bs == nil {
		bs = []byte{}
	}
	return json.Marshal(payloadJSON{Bytes: bs})
}

func (p *ResponsePayload) UnmarshalJSON(data []byte) error {
	var v payloadJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	p.bytes = v.Bytes
	if p.bytes == nil {
		p.bytes = []byte{}
	}
	return nil
}
