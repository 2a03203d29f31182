package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"benchproxy/internal/errs"
)

const (
	splitter     = '\n'
	pairSplitter = '\r'
	separators   = "\n\r"

	// HeaderFixedLength covers head length, body length, message id,
	// version, compressor and serializer.
	HeaderFixedLength = 15

	// Version of the envelope layout.
	Version uint8 = 1
)

// well-known meta keys
const (
	MetaTimeout = "timeout"
	MetaRunID   = "run-id"
)

// Request is one call envelope.
type Request struct {
	HeadLength uint32
	BodyLength uint32
	// MessageId correlates a response with the call that is waiting for it.
	MessageId  uint32
	Version    uint8
	Compresser uint8
	Serializer uint8

	// ServiceName is the target instance name.
	ServiceName string
	MethodName  string

	Meta map[string]string

	Data []byte
}

// CheckMeta rejects keys and values that would break the header layout.
func CheckMeta(meta map[string]string) error {
	for key, value := range meta {
		if strings.ContainsAny(key, separators) || strings.ContainsAny(value, separators) {
			return fmt.Errorf("%w: %q", errs.InvalidMetaError, key)
		}
	}
	return nil
}

// CalculateHeaderLength sets HeadLength from the current fields.
func (req *Request) CalculateHeaderLength() {
	headLength := HeaderFixedLength + len(req.ServiceName) + 1 + len(req.MethodName) + 1
	for key, value := range req.Meta {
		// key \r value \n
		headLength += len(key) + 1 + len(value) + 1
	}
	req.HeadLength = uint32(headLength)
}

// CalculateBodyLength sets BodyLength from Data.
func (req *Request) CalculateBodyLength() {
	req.BodyLength = uint32(len(req.Data))
}

// EncodeReq lays the request out as header followed by body. Both lengths are
// recalculated, callers don't have to keep them in sync.
func EncodeReq(req *Request) []byte {
	req.CalculateHeaderLength()
	req.CalculateBodyLength()
	bs := make([]byte, req.HeadLength+req.BodyLength)
	binary.BigEndian.PutUint32(bs[:4], req.HeadLength)
	binary.BigEndian.PutUint32(bs[4:8], req.BodyLength)
	binary.BigEndian.PutUint32(bs[8:12], req.MessageId)
	bs[12] = req.Version
	bs[13] = req.Compresser
	bs[14] = req.Serializer

	cur := bs[HeaderFixedLength:]
	cur = putSplit(cur, req.ServiceName, splitter)
	cur = putSplit(cur, req.MethodName, splitter)
	for key, value := range req.Meta {
		cur = putSplit(cur, key, pairSplitter)
		cur = putSplit(cur, value, splitter)
	}
	copy(cur, req.Data)
	return bs
}

func putSplit(cur []byte, s string, sep byte) []byte {
	n := copy(cur, s)
	cur[n] = sep
	return cur[n+1:]
}

// DecodeReq is the reverse of EncodeReq.
func DecodeReq(bs []byte) (*Request, error) {
	if len(bs) < HeaderFixedLength {
		return nil, errs.ShortMessageError
	}
	req := &Request{
		HeadLength: binary.BigEndian.Uint32(bs[:4]),
		BodyLength: binary.BigEndian.Uint32(bs[4:8]),
		MessageId:  binary.BigEndian.Uint32(bs[8:12]),
		Version:    bs[12],
		Compresser: bs[13],
		Serializer: bs[14],
	}
	if uint64(req.HeadLength)+uint64(req.BodyLength) != uint64(len(bs)) ||
		req.HeadLength < HeaderFixedLength {
		return nil, fmt.Errorf("%w: head %d body %d actual %d",
			errs.ShortMessageError, req.HeadLength, req.BodyLength, len(bs))
	}
	header := bs[HeaderFixedLength:req.HeadLength]

	index := bytes.IndexByte(header, splitter)
	if index < 0 {
		return nil, fmt.Errorf("message: missing service name")
	}
	req.ServiceName = string(header[:index])
	header = header[index+1:]

	index = bytes.IndexByte(header, splitter)
	if index < 0 {
		return nil, fmt.Errorf("message: missing method name")
	}
	req.MethodName = string(header[:index])
	header = header[index+1:]

	if len(header) > 0 {
		req.Meta = make(map[string]string, 4)
	}
	for len(header) > 0 {
		index = bytes.IndexByte(header, splitter)
		if index < 0 {
			return nil, fmt.Errorf("message: unterminated meta pair")
		}
		pair := header[:index]
		pairIndex := bytes.IndexByte(pair, pairSplitter)
		if pairIndex < 0 {
			return nil, fmt.Errorf("message: meta pair without separator")
		}
		req.Meta[string(pair[:pairIndex])] = string(pair[pairIndex+1:])
		header = header[index+1:]
	}
	if req.BodyLength != 0 {
		req.Data = bs[req.HeadLength:]
	}
	return req, nil
}
