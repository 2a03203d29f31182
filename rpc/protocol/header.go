package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"benchproxy/internal/errs"
	"benchproxy/rpc/message"
)

// Frame layout of HeaderFramer:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│ft│   seq   │ bodyLen │    body ...    │
//	│ bpx  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
const (
	magic0       byte = 'b'
	magic1       byte = 'p'
	magic2       byte = 'x'
	FrameVersion byte = 0x01
	HeaderSize        = 14
)

// FrameType distinguishes request, response, and heartbeat frames.
type FrameType byte

const (
	FrameRequest   FrameType = 0
	FrameResponse  FrameType = 1
	FrameHeartbeat FrameType = 2
)

// Header is the fixed 14 byte frame header.
type Header struct {
	CodecType byte
	FrameType FrameType
	// Seq mirrors the envelope's message id.
	Seq     uint32
	BodyLen uint32
}

// HeaderFramer validates a magic number and version on every frame, which
// rejects peers speaking another protocol on the first read.
type HeaderFramer struct{}

func (HeaderFramer) WriteRequest(w io.Writer, req *message.Request) error {
	body := message.EncodeReq(req)
	return writeFrame(w, &Header{
		CodecType: req.Serializer,
		FrameType: FrameRequest,
		Seq:       req.MessageId,
		BodyLen:   uint32(len(body)),
	}, body)
}

func (HeaderFramer) ReadRequest(r io.Reader) (*message.Request, error) {
	h, body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	switch h.FrameType {
	case FrameHeartbeat:
		return nil, nil
	case FrameRequest:
	default:
		return nil, fmt.Errorf("protocol: unexpected frame type %d", h.FrameType)
	}
	req, err := message.DecodeReq(body)
	if err != nil {
		return nil, err
	}
	if req.MessageId != h.Seq {
		return nil, fmt.Errorf("protocol: frame seq %d does not match message id %d", h.Seq, req.MessageId)
	}
	return req, nil
}

func (HeaderFramer) WriteResponse(w io.Writer, resp *message.Response) error {
	body := message.EncodeResp(resp)
	return writeFrame(w, &Header{
		CodecType: resp.Serializer,
		FrameType: FrameResponse,
		Seq:       resp.MessageId,
		BodyLen:   uint32(len(body)),
	}, body)
}

func (HeaderFramer) ReadResponse(r io.Reader) (*message.Response, error) {
	for {
		h, body, err := readFrame(r)
		if err != nil {
			return nil, err
		}
		switch h.FrameType {
		case FrameHeartbeat:
			continue
		case FrameResponse:
		default:
			return nil, fmt.Errorf("protocol: unexpected frame type %d", h.FrameType)
		}
		resp, err := message.DecodeResp(body)
		if err != nil {
			return nil, err
		}
		if resp.MessageId != h.Seq {
			return nil, fmt.Errorf("protocol: frame seq %d does not match message id %d", h.Seq, resp.MessageId)
		}
		return resp, nil
	}
}

func (HeaderFramer) WriteHeartbeat(w io.Writer) error {
	return writeFrame(w, &Header{FrameType: FrameHeartbeat}, nil)
}

func writeFrame(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", errs.FrameTooLargeError, len(body))
	}
	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = magic0, magic1, magic2
	buf[3] = FrameVersion
	buf[4] = h.CodecType
	buf[5] = byte(h.FrameType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}
	if headerBuf[0] != magic0 || headerBuf[1] != magic1 || headerBuf[2] != magic2 {
		return nil, nil, fmt.Errorf("protocol: invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != FrameVersion {
		return nil, nil, fmt.Errorf("protocol: unsupported version: %d", headerBuf[3])
	}
	h := &Header{
		CodecType: headerBuf[4],
		FrameType: FrameType(headerBuf[5]),
		Seq:       binary.BigEndian.Uint32(headerBuf[6:10]),
		BodyLen:   binary.BigEndian.Uint32(headerBuf[10:14]),
	}
	if h.BodyLen > MaxFrameSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", errs.FrameTooLargeError, h.BodyLen)
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
