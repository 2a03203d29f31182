package errs

import (
	"context"
	"errors"
	"fmt"
)

// error kinds surfaced to callers of a proxied method
var (
	ErrConfiguration = errors.New("benchproxy: invalid configuration")
	ErrConnection    = errors.New("benchproxy: no healthy connection")
	ErrTransport     = errors.New("benchproxy: transport failure")
	ErrTimeout       = errors.New("benchproxy: call timed out")
	ErrSerialization = errors.New("benchproxy: serialization failure")
	ErrRemote        = errors.New("benchproxy: remote error")
	ErrRateLimited   = errors.New("benchproxy: rate limited")
)

var (
	ServiceTypError     = errors.New("benchproxy: service must be a first level pointer to a struct")
	ServiceNilError     = errors.New("benchproxy: service must not be nil")
	NoMethodsError      = errors.New("benchproxy: service declares no methods")
	ReadLenDataError    = errors.New("benchproxy: could not read the length data")
	FrameTooLargeError  = errors.New("benchproxy: frame exceeds the size limit")
	PeerRejectedError   = errors.New("benchproxy: peer rejected the call")
	ShortMessageError   = errors.New("benchproxy: message is shorter than its header")
	InvalidMetaError    = errors.New("benchproxy: meta contains a header separator")
	ConnectionClosedErr = errors.New("benchproxy: connection closed")
	PoolClosedError     = errors.New("benchproxy: pool closed")
)

var (
	ProtoSerializeTypError   = errors.New("serialize: serialization must be proto Message Type")
	ProtoDeserializeTypError = errors.New("serialize: deserialization must be proto.Message type")
)

// Configuration wraps a construction-time problem into ErrConfiguration.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Kind returns a short label for err, used as a metric label and for counting
// failures in the benchmark driver.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrSerialization):
		return "serialization"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrRemote):
		return "remote"
	case errors.Is(err, ErrRateLimited):
		return "ratelimited"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}
