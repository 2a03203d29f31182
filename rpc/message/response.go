package message

import (
	"encoding/binary"
	"fmt"

	"benchproxy/internal/errs"
)

// Response is the envelope answering a Request with the same MessageId.
type Response struct {
	HeadLength uint32
	BodyLength uint32
	MessageId  uint32
	Version    uint8
	Compresser uint8
	Serializer uint8
	// Error is set when the server side handler failed.
	Error []byte
	Data  []byte
}

func (resp *Response) CalculateHeaderLength() {
	resp.HeadLength = HeaderFixedLength + uint32(len(resp.Error))
}

func (resp *Response) CalculateBodyLength() {
	resp.BodyLength = uint32(len(resp.Data))
}

// Size is the encoded length of resp.
func (resp *Response) Size() int {
	return HeaderFixedLength + len(resp.Error) + len(resp.Data)
}

func EncodeResp(resp *Response) []byte {
	resp.CalculateHeaderLength()
	resp.CalculateBodyLength()
	bs := make([]byte, resp.HeadLength+resp.BodyLength)
	binary.BigEndian.PutUint32(bs[:4], resp.HeadLength)
	binary.BigEndian.PutUint32(bs[4:8], resp.BodyLength)
	binary.BigEndian.PutUint32(bs[8:12], resp.MessageId)
	bs[12] = resp.Version
	bs[13] = resp.Compresser
	bs[14] = resp.Serializer

	// the error needs no separator, the head length tells where it ends
	cur := bs[HeaderFixedLength:]
	n := copy(cur, resp.Error)
	copy(cur[n:], resp.Data)
	return bs
}

func DecodeResp(bs []byte) (*Response, error) {
	if len(bs) < HeaderFixedLength {
		return nil, errs.ShortMessageError
	}
	resp := &Response{
		HeadLength: binary.BigEndian.Uint32(bs[:4]),
		BodyLength: binary.BigEndian.Uint32(bs[4:8]),
		MessageId:  binary.BigEndian.Uint32(bs[8:12]),
		Version:    bs[12],
		Compresser: bs[13],
		Serializer: bs[14],
	}
	if uint64(resp.HeadLength)+uint64(resp.BodyLength) != uint64(len(bs)) ||
		resp.HeadLength < HeaderFixedLength {
		return nil, fmt.Errorf("%w: head %d body %d actual %d",
			errs.ShortMessageError, resp.HeadLength, resp.BodyLength, len(bs))
	}
	if resp.HeadLength > HeaderFixedLength {
		resp.Error = bs[HeaderFixedLength:resp.HeadLength]
	}
	if resp.BodyLength > 0 {
		resp.Data = bs[resp.HeadLength:]
	}
	return resp, nil
}
