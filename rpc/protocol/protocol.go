// Package protocol selects how envelopes travel over a connection.
//
// Three protocols exist:
//   - tcp:    8 byte length prefix followed by the envelope
//   - framed: 14 byte header carrying magic, version, codec, frame type,
//     sequence id and body length, followed by the envelope
//   - grpc:   envelopes are carried as the messages of a unary gRPC method
package protocol

import (
	"fmt"
	"io"
	"strings"

	"benchproxy/internal/errs"
	"benchproxy/rpc/message"
	"benchproxy/rpc/serialize"
)

// Type selects the transport framing.
type Type uint8

const (
	TCP    Type = 1
	Framed Type = 2
	GRPC   Type = 3
)

var typeNames = map[Type]string{
	TCP:    "tcp",
	Framed: "framed",
	GRPC:   "grpc",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("protocol(%d)", uint8(t))
}

// ParseType maps a configured name onto the closed set of protocols.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if strings.EqualFold(n, name) {
			return t, nil
		}
	}
	return 0, errs.Configuration("unknown protocol %q", name)
}

// compatibility lists the codecs each protocol can carry. The grpc peer only
// registers protobuf message handlers, so json bodies are refused there.
var compatibility = map[Type]map[serialize.CodecType]bool{
	TCP:    {serialize.CodecJSON: true, serialize.CodecProto: true},
	Framed: {serialize.CodecJSON: true, serialize.CodecProto: true},
	GRPC:   {serialize.CodecProto: true},
}

// Compatible reports whether codec c may be used over protocol p.
func Compatible(p Type, c serialize.CodecType) error {
	codecs, ok := compatibility[p]
	if !ok {
		return errs.Configuration("unknown protocol %s", p)
	}
	if !codecs[c] {
		return errs.Configuration("codec %s cannot be used with protocol %s", c, p)
	}
	return nil
}

// Framer reads and writes envelopes on a byte stream. Implementations write
// a whole frame with a single Write call so frames never interleave when the
// caller serializes writers.
type Framer interface {
	WriteRequest(w io.Writer, req *message.Request) error
	// ReadRequest returns a nil request and nil error for a heartbeat frame.
	ReadRequest(r io.Reader) (*message.Request, error)
	WriteResponse(w io.Writer, resp *message.Response) error
	ReadResponse(r io.Reader) (*message.Response, error)
	WriteHeartbeat(w io.Writer) error
}

// MaxFrameSize bounds the body of a single frame.
const MaxFrameSize = 64 << 20

// NewFramer returns the framer of a stream protocol. grpc does its own framing
// and has no Framer.
func NewFramer(p Type) (Framer, error) {
	switch p {
	case TCP:
		return LengthFramer{}, nil
	case Framed:
		return HeaderFramer{}, nil
	default:
		return nil, errs.Configuration("protocol %s has no stream framer", p)
	}
}
