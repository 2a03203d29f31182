// Package opentelemetry traces proxy calls and carries the trace context to
// the server through the request meta.
package opentelemetry

import (
	"context"

	"benchproxy/internal/errs"
	"benchproxy/rpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "benchproxy/observability/opentelemetry"

const (
	attrRPCSystem  = attribute.Key("rpc.system")
	attrRPCService = attribute.Key("rpc.service")
	attrRPCMethod  = attribute.Key("rpc.method")
	attrErrorKind  = attribute.Key("benchproxy.error.kind")
)

type MiddlewareBuilder struct {
	// Service is reported as rpc.service on every span.
	Service    string
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator
}

func (b MiddlewareBuilder) Build() rpc.Middleware {
	tracer := b.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	propagator := b.Propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	return func(next rpc.Proxy) rpc.Proxy {
		return rpc.ProxyFunc(func(ctx context.Context, methodName string, args, reply any) error {
			ctx, span := tracer.Start(ctx, b.Service+"/"+methodName, trace.WithSpanKind(trace.SpanKindClient))
			defer span.End()
			span.SetAttributes(
				attrRPCSystem.String("benchproxy"),
				attrRPCService.String(b.Service),
				attrRPCMethod.String(methodName),
			)

			ctx = inject(ctx, propagator)
			err := next.Invoke(ctx, methodName, args, reply)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.SetAttributes(attrErrorKind.String(errs.Kind(err)))
				return err
			}
			span.SetStatus(codes.Ok, "")
			return nil
		})
	}
}

func inject(ctx context.Context, propagator propagation.TextMapPropagator) context.Context {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	for key, value := range carrier {
		ctx = rpc.ContextWithMeta(ctx, key, value)
	}
	return ctx
}
