package rpc

import (
	"context"

	"benchproxy/internal/errs"
	"benchproxy/rpc/transport"
)

// Proxy performs one logical call. reply is a pointer the result is decoded
// into.
type Proxy interface {
	Invoke(ctx context.Context, methodName string, args, reply any) error
}

type ProxyFunc func(ctx context.Context, methodName string, args, reply any) error

func (f ProxyFunc) Invoke(ctx context.Context, methodName string, args, reply any) error {
	return f(ctx, methodName, args, reply)
}

// Service is a struct whose exported func fields are filled by BuildProxy or
// whose methods are exposed by Server.
type Service interface {
	Name() string
}

// Middleware decorates a Proxy.
type Middleware func(next Proxy) Proxy

// Chain wraps p so that the first middleware runs outermost.
func Chain(p Proxy, mdls ...Middleware) Proxy {
	for i := len(mdls) - 1; i >= 0; i-- {
		p = mdls[i](p)
	}
	return p
}

// Pool hands out connections and takes reports about broken ones.
type Pool interface {
	Select() (transport.Connection, error)
	MarkUnhealthy(conn transport.Connection)
}

var (
	ErrConfiguration = errs.ErrConfiguration
	ErrConnection    = errs.ErrConnection
	ErrTransport     = errs.ErrTransport
	ErrTimeout       = errs.ErrTimeout
	ErrSerialization = errs.ErrSerialization
	ErrRemote        = errs.ErrRemote
	ErrRateLimited   = errs.ErrRateLimited
)
