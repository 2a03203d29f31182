package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"benchproxy/internal/errs"
	"benchproxy/rpc/message"
)

const lenBytes = 8

// LengthFramer prefixes every envelope with its length as a big endian
// uint64. A zero length frame is a heartbeat.
type LengthFramer struct{}

func (LengthFramer) WriteRequest(w io.Writer, req *message.Request) error {
	return writeMsg(w, message.EncodeReq(req))
}

func (LengthFramer) ReadRequest(r io.Reader) (*message.Request, error) {
	bs, err := readMsg(r)
	if err != nil || len(bs) == 0 {
		return nil, err
	}
	return message.DecodeReq(bs)
}

func (LengthFramer) WriteResponse(w io.Writer, resp *message.Response) error {
	return writeMsg(w, message.EncodeResp(resp))
}

func (f LengthFramer) ReadResponse(r io.Reader) (*message.Response, error) {
	for {
		bs, err := readMsg(r)
		if err != nil {
			return nil, err
		}
		if len(bs) == 0 {
			continue
		}
		return message.DecodeResp(bs)
	}
}

func (LengthFramer) WriteHeartbeat(w io.Writer) error {
	return writeMsg(w, nil)
}

func readMsg(r io.Reader) ([]byte, error) {
	lenBs := make([]byte, lenBytes)
	if _, err := io.ReadFull(r, lenBs); err != nil {
		return nil, err
	}
	dataLen := binary.BigEndian.Uint64(lenBs)
	if dataLen > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", errs.FrameTooLargeError, dataLen)
	}
	bs := make([]byte, dataLen)
	if _, err := io.ReadFull(r, bs); err != nil {
		return nil, err
	}
	return bs, nil
}

func writeMsg(w io.Writer, msg []byte) error {
	if len(msg) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", errs.FrameTooLargeError, len(msg))
	}
	encode := make([]byte, lenBytes+len(msg))
	binary.BigEndian.PutUint64(encode[:lenBytes], uint64(len(msg)))
	copy(encode[lenBytes:], msg)
	_, err := w.Write(encode)
	return err
}
