// Package registry describes where benchmark servers announce themselves
// and where clients look them up.
package registry

import (
	"context"
	"io"
)

type Registry interface {
	Register(ctx context.Context, inst ServiceInstance) error
	Unregister(ctx context.Context, inst ServiceInstance) error
	ListServices(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Subscribe(serviceName string) (<-chan Event, error)
	io.Closer
}

// ServiceInstance is one server of a target instance name.
type ServiceInstance struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Protocol string `json:"protocol,omitempty"`
}

type EventType int

const (
	EventTypeUnknown EventType = iota
	EventTypeAdd
	EventTypeDelete
)

func (t EventType) String() string {
	switch t {
	case EventTypeAdd:
		return "add"
	case EventTypeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type Event struct {
	Type     EventType
	Instance ServiceInstance
}
