package proto

import (
	"fmt"
	"reflect"

	"benchproxy/internal/errs"
	"benchproxy/rpc/serialize"
	"google.golang.org/protobuf/proto"
)

func init() {
	serialize.Register(Serializer{})
}

var messageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

var _ serialize.TypeChecker = Serializer{}

// Serializer -> Protobuf serialization protocol
type Serializer struct{}

func (s Serializer) Code() byte {
	return byte(serialize.CodecProto)
}

func (s Serializer) Encode(val any) ([]byte, error) {
	msg, ok := val.(proto.Message)
	if !ok {
		return nil, errs.ProtoSerializeTypError
	}
	return proto.Marshal(msg)
}

func (s Serializer) Decode(data []byte, val any) error {
	msg, ok := val.(proto.Message)
	if !ok {
		return errs.ProtoDeserializeTypError
	}
	return proto.Unmarshal(data, msg)
}

// Check rejects types that are not generated protobuf messages.
func (s Serializer) Check(typ reflect.Type) error {
	if !typ.Implements(messageType) {
		return fmt.Errorf("%w: %s", errs.ProtoSerializeTypError, typ)
	}
	return nil
}
