package serialize

import (
	"fmt"
	"reflect"
	"strings"

	"benchproxy/internal/errs"
)

// CodecType selects the serialization format. The value doubles as the
// serializer code carried in every envelope.
type CodecType uint8

const (
	CodecJSON  CodecType = 1
	CodecProto CodecType = 2
)

var codecNames = map[CodecType]string{
	CodecJSON:  "json",
	CodecProto: "proto",
}

func (c CodecType) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// ParseCodecType maps a configured name onto the closed set of codecs.
func ParseCodecType(name string) (CodecType, error) {
	for c, n := range codecNames {
		if strings.EqualFold(n, name) {
			return c, nil
		}
	}
	return 0, errs.Configuration("unknown codec %q", name)
}

// Serializer -> serialization protocol abstract
type Serializer interface {
	Code() byte
	Encode(val any) ([]byte, error)
	Decode(data []byte, val any) error
}

// TypeChecker is implemented by serializers that only handle some Go types.
// Proxies are checked against it before any call is made.
type TypeChecker interface {
	Check(typ reflect.Type) error
}
