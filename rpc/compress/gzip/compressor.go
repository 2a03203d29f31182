package gzip

import (
	"bytes"
	"compress/gzip"
	"io"

	"benchproxy/rpc/compress"
)

func init() {
	compress.Register(Compressor{})
}

var _ compress.Compressor = Compressor{}

// Compressor implements the Compressor interface
type Compressor struct{}

func (Compressor) Code() byte {
	return byte(compress.Gzip)
}

func (Compressor) Compress(data []byte) ([]byte, error) {
	res := bytes.NewBuffer(nil)
	w := gzip.NewWriter(res)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	// Close must run before Bytes, otherwise the tail is still buffered in w
	if err := w.Close(); err != nil {
		return nil, err
	}
	return res.Bytes(), nil
}

func (Compressor) Uncompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()
	return io.ReadAll(r)
}
