package serialize

import "benchproxy/internal/errs"

var serializers = make(map[CodecType]Serializer, 4)

// Register makes s available to Get under its code. It is meant to be called
// from init functions.
func Register(s Serializer) {
	serializers[CodecType(s.Code())] = s
}

// Get returns the serializer registered for c.
func Get(c CodecType) (Serializer, error) {
	s, ok := serializers[c]
	if !ok {
		return nil, errs.Configuration("codec %s is not registered", c)
	}
	return s, nil
}
