package rpc

import (
	"context"
	"reflect"
	"time"

	"benchproxy/internal/errs"
	"benchproxy/rpc/serialize"
	"github.com/gotomicro/ekit/bean/option"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Method is one func field of a service struct.
type Method struct {
	Name string
	// Request and Response are the pointer types of the argument and result.
	Request  reflect.Type
	Response reflect.Type
	index    int
}

// Descriptor lists the methods a service struct declares.
type Descriptor struct {
	Name    string
	Methods []Method
}

// Has reports whether name is a declared method.
func (d *Descriptor) Has(name string) bool {
	for _, m := range d.Methods {
		if m.Name == name {
			return true
		}
	}
	return false
}

// CheckTimeouts fails when a key is not a declared method or a timeout is
// not positive.
func (d *Descriptor) CheckTimeouts(timeouts map[string]time.Duration) error {
	for name, timeout := range timeouts {
		if !d.Has(name) {
			return errs.Configuration("timeout set for %s, which %s does not declare", name, d.Name)
		}
		if timeout <= 0 {
			return errs.Configuration("timeout of %s must be positive, got %s", name, timeout)
		}
	}
	return nil
}

// CheckTypes fails when s cannot encode the argument or decode the result of
// a method. Serializers without type restrictions accept everything.
func (d *Descriptor) CheckTypes(s serialize.Serializer) error {
	checker, ok := s.(serialize.TypeChecker)
	if !ok {
		return nil
	}
	for _, m := range d.Methods {
		for _, typ := range []reflect.Type{m.Request, m.Response} {
			if err := checker.Check(typ); err != nil {
				return errs.Configuration("method %s: %v", m.Name, err)
			}
		}
	}
	return nil
}

// Describe inspects service, which must be a pointer to a struct. Every
// exported func field is a method and must have the shape
//
//	func(context.Context, *Req) (*Resp, error)
func Describe(service Service) (*Descriptor, error) {
	if service == nil {
		return nil, errs.Configuration("%v", errs.ServiceNilError)
	}
	val := reflect.ValueOf(service)
	if val.Kind() == reflect.Pointer && val.IsNil() {
		return nil, errs.Configuration("%v", errs.ServiceNilError)
	}
	if val.Kind() != reflect.Pointer || val.Elem().Kind() != reflect.Struct {
		return nil, errs.Configuration("%v, got %T", errs.ServiceTypError, service)
	}
	typ := val.Elem().Type()
	desc := &Descriptor{Name: service.Name()}
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() || field.Type.Kind() != reflect.Func {
			continue
		}
		ft := field.Type
		if ft.NumIn() != 2 || ft.In(0) != contextType || ft.In(1).Kind() != reflect.Pointer ||
			ft.NumOut() != 2 || ft.Out(0).Kind() != reflect.Pointer || ft.Out(1) != errorType ||
			ft.IsVariadic() {
			return nil, errs.Configuration("method %s.%s must be func(context.Context, *Req) (*Resp, error), got %s",
				typ.Name(), field.Name, ft)
		}
		desc.Methods = append(desc.Methods, Method{
			Name:     field.Name,
			Request:  ft.In(1),
			Response: ft.Out(0),
			index:    i,
		})
	}
	if len(desc.Methods) == 0 {
		return nil, errs.Configuration("%v: %s", errs.NoMethodsError, typ.Name())
	}
	return desc, nil
}

type ProxyConfig struct {
	timeouts   map[string]time.Duration
	serializer serialize.Serializer
}

// WithMethodTimeouts makes BuildProxy reject timeouts for undeclared methods.
func WithMethodTimeouts(timeouts map[string]time.Duration) option.Option[ProxyConfig] {
	return func(c *ProxyConfig) {
		c.timeouts = timeouts
	}
}

// WithSerializer makes BuildProxy reject methods whose types s cannot handle.
// Serializers without type restrictions are accepted as is.
func WithSerializer(s serialize.Serializer) option.Option[ProxyConfig] {
	return func(c *ProxyConfig) {
		c.serializer = s
	}
}

// BuildProxy fills every method of service with a call to p.Invoke using the
// field name as the method name.
func BuildProxy(service Service, p Proxy, opts ...option.Option[ProxyConfig]) error {
	desc, err := Describe(service)
	if err != nil {
		return err
	}
	if p == nil {
		return errs.Configuration("nil proxy")
	}
	cfg := &ProxyConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if err = desc.CheckTimeouts(cfg.timeouts); err != nil {
		return err
	}
	if cfg.serializer != nil {
		if err = desc.CheckTypes(cfg.serializer); err != nil {
			return err
		}
	}

	srv := reflect.ValueOf(service).Elem()
	for _, m := range desc.Methods {
		m := m
		field := srv.Field(m.index)
		fn := func(args []reflect.Value) []reflect.Value {
			ctx, _ := args[0].Interface().(context.Context)
			if ctx == nil {
				ctx = context.Background()
			}
			reply := reflect.New(m.Response.Elem())
			if err := p.Invoke(ctx, m.Name, args[1].Interface(), reply.Interface()); err != nil {
				return []reflect.Value{reflect.Zero(m.Response), reflect.ValueOf(&err).Elem()}
			}
			return []reflect.Value{reply, reflect.Zero(errorType)}
		}
		field.Set(reflect.MakeFunc(field.Type(), fn))
	}
	return nil
}
