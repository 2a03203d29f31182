package snappy

import (
	"benchproxy/rpc/compress"
	"github.com/golang/snappy"
)

func init() {
	compress.Register(Compressor{})
}

var _ compress.Compressor = Compressor{}

// Compressor uses the snappy block format, a body is always one block.
type Compressor struct{}

func (Compressor) Code() byte {
	return byte(compress.Snappy)
}

func (Compressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (Compressor) Uncompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
