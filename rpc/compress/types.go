package compress

import (
	"fmt"
	"strings"

	"benchproxy/internal/errs"
)

// Type selects the body compressor. The value doubles as the compressor code
// carried in every envelope.
type Type uint8

const (
	None   Type = 0
	Gzip   Type = 1
	Lz4    Type = 2
	Snappy Type = 3
	Zlib   Type = 4
)

var typeNames = map[Type]string{
	None:   "none",
	Gzip:   "gzip",
	Lz4:    "lz4",
	Snappy: "snappy",
	Zlib:   "zlib",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("compress(%d)", uint8(t))
}

// ParseType maps a configured name onto the closed set of compressors.
// An empty name means no compression.
func ParseType(name string) (Type, error) {
	if name == "" {
		return None, nil
	}
	for t, n := range typeNames {
		if strings.EqualFold(n, name) {
			return t, nil
		}
	}
	return 0, errs.Configuration("unknown compressor %q", name)
}

// Compressor compresses envelope bodies after serialization.
type Compressor interface {
	Code() byte
	Compress(data []byte) ([]byte, error)
	Uncompress(data []byte) ([]byte, error)
}

// DoNothingCompressor keeps callers free of nil checks.
type DoNothingCompressor struct{}

func (DoNothingCompressor) Code() byte {
	return byte(None)
}

func (DoNothingCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (DoNothingCompressor) Uncompress(data []byte) ([]byte, error) {
	return data, nil
}

var compressors = map[Type]Compressor{
	None: DoNothingCompressor{},
}

// Register makes c available to Get under its code.
func Register(c Compressor) {
	compressors[Type(c.Code())] = c
}

// Get returns the compressor registered for t.
func Get(t Type) (Compressor, error) {
	c, ok := compressors[t]
	if !ok {
		return nil, errs.Configuration("compressor %s is not registered", t)
	}
	return c, nil
}
