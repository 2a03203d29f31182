// Package ratelimit paces or caps the calls a proxy sends.
package ratelimit

import (
	"context"
	"fmt"

	"benchproxy/internal/errs"
	"benchproxy/rpc"
)

// MetaLimited is set on calls that went out over the limit under Mark.
const MetaLimited = "limited"

// Limiter decides whether one more call may go out. Implementations may block
// until it can.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
}

// RejectStrategy handles a call the limiter refused.
type RejectStrategy func(ctx context.Context, methodName string, args, reply any, next rpc.Proxy) error

// Reject fails the call with ErrRateLimited without sending it.
var Reject RejectStrategy = func(ctx context.Context, methodName string, args, reply any, next rpc.Proxy) error {
	return fmt.Errorf("%w: %s", errs.ErrRateLimited, methodName)
}

// Mark sends the call anyway and tags it so the server can tell.
var Mark RejectStrategy = func(ctx context.Context, methodName string, args, reply any, next rpc.Proxy) error {
	ctx = rpc.ContextWithMeta(ctx, MetaLimited, "true")
	return next.Invoke(ctx, methodName, args, reply)
}

type MiddlewareBuilder struct {
	Limiter Limiter
	// Methods restricts limiting to the named methods. Empty limits all.
	Methods  []string
	OnReject RejectStrategy
}

func (b MiddlewareBuilder) Build() rpc.Middleware {
	onReject := b.OnReject
	if onReject == nil {
		onReject = Reject
	}
	var methods map[string]struct{}
	if len(b.Methods) > 0 {
		methods = make(map[string]struct{}, len(b.Methods))
		for _, m := range b.Methods {
			methods[m] = struct{}{}
		}
	}
	return func(next rpc.Proxy) rpc.Proxy {
		return rpc.ProxyFunc(func(ctx context.Context, methodName string, args, reply any) error {
			if methods != nil {
				if _, ok := methods[methodName]; !ok {
					return next.Invoke(ctx, methodName, args, reply)
				}
			}
			ok, err := b.Limiter.Allow(ctx)
			if err != nil {
				// undecided, the call is not sent
				return err
			}
			if !ok {
				return onReject(ctx, methodName, args, reply, next)
			}
			return next.Invoke(ctx, methodName, args, reply)
		})
	}
}
