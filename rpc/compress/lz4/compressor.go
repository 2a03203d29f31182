package lz4

import (
	"encoding/binary"
	"errors"
	"fmt"

	"benchproxy/rpc/compress"
	"github.com/pierrec/lz4/v4"
)

func init() {
	compress.Register(Compressor{})
}

var _ compress.Compressor = Compressor{}

const (
	rawBlock   byte = 0
	lz4Block   byte = 1
	headerSize      = 5
	// refuse to allocate more than this for a single body
	maxUncompressed = 256 << 20
)

var errCorrupt = errors.New("lz4: corrupt block header")

// Compressor uses lz4 blocks. A body is prefixed with a flag byte and the
// uncompressed length, lz4 blocks carry no length of their own and
// incompressible input is stored raw.
type Compressor struct{}

func (Compressor) Code() byte {
	return byte(compress.Lz4)
}

func (Compressor) Compress(data []byte) ([]byte, error) {
	buf := make([]byte, headerSize+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(buf[1:headerSize], uint32(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf[headerSize:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		buf[0] = rawBlock
		n = copy(buf[headerSize:], data)
	} else {
		buf[0] = lz4Block
	}
	return buf[:headerSize+n], nil
}

func (Compressor) Uncompress(data []byte) ([]byte, error) {
	if len(data) < headerSize {
		return nil, errCorrupt
	}
	size := binary.BigEndian.Uint32(data[1:headerSize])
	if size > maxUncompressed {
		return nil, fmt.Errorf("%w: %d bytes", errCorrupt, size)
	}
	body := data[headerSize:]
	switch data[0] {
	case rawBlock:
		if uint32(len(body)) != size {
			return nil, errCorrupt
		}
		res := make([]byte, size)
		copy(res, body)
		return res, nil
	case lz4Block:
		res := make([]byte, size)
		n, err := lz4.UncompressBlock(body, res)
		if err != nil {
			return nil, err
		}
		return res[:n], nil
	default:
		return nil, errCorrupt
	}
}
