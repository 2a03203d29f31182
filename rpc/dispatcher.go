package rpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"benchproxy/internal/errs"
	"benchproxy/internal/log"
	"benchproxy/rpc/compress"
	"benchproxy/rpc/message"
	"benchproxy/rpc/serialize"
	"benchproxy/rpc/serialize/json"
	"benchproxy/rpc/transport"
	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"
)

var _ Proxy = (*Dispatcher)(nil)

// DefaultTimeout applies to methods without an explicit timeout.
const DefaultTimeout = time.Second

// Dispatcher turns one call into a round trip on a pooled connection. It
// never retries: every failure is returned to the caller as is.
type Dispatcher struct {
	pool           Pool
	target         string
	serializer     serialize.Serializer
	compressor     compress.Compressor
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
	logger         *zap.Logger

	messageId uint32
}

func DispatcherWithSerializer(s serialize.Serializer) option.Option[Dispatcher] {
	return func(d *Dispatcher) {
		d.serializer = s
	}
}

func DispatcherWithCompressor(c compress.Compressor) option.Option[Dispatcher] {
	return func(d *Dispatcher) {
		d.compressor = c
	}
}

// DispatcherWithTimeouts overrides the timeout of the named methods.
func DispatcherWithTimeouts(timeouts map[string]time.Duration) option.Option[Dispatcher] {
	return func(d *Dispatcher) {
		d.timeouts = make(map[string]time.Duration, len(timeouts))
		for k, v := range timeouts {
			d.timeouts[k] = v
		}
	}
}

func DispatcherWithDefaultTimeout(timeout time.Duration) option.Option[Dispatcher] {
	return func(d *Dispatcher) {
		d.defaultTimeout = timeout
	}
}

func DispatcherWithLogger(l *zap.Logger) option.Option[Dispatcher] {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// NewDispatcher sends every request to the instance named target.
func NewDispatcher(pool Pool, target string, opts ...option.Option[Dispatcher]) (*Dispatcher, error) {
	if pool == nil {
		return nil, errs.Configuration("nil pool")
	}
	if target == "" {
		return nil, errs.Configuration("empty target instance name")
	}
	d := &Dispatcher{
		pool:           pool,
		target:         target,
		serializer:     json.Serializer{},
		compressor:     compress.DoNothingCompressor{},
		defaultTimeout: DefaultTimeout,
		logger:         log.Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.defaultTimeout <= 0 {
		return nil, errs.Configuration("default timeout must be positive, got %s", d.defaultTimeout)
	}
	for method, timeout := range d.timeouts {
		if timeout <= 0 {
			return nil, errs.Configuration("timeout of %s must be positive, got %s", method, timeout)
		}
	}
	return d, nil
}

// Timeout returns the timeout applied to calls of methodName.
func (d *Dispatcher) Timeout(methodName string) time.Duration {
	if timeout, ok := d.timeouts[methodName]; ok {
		return timeout
	}
	return d.defaultTimeout
}

func (d *Dispatcher) Invoke(ctx context.Context, methodName string, args, reply any) error {
	timeout := d.Timeout(methodName)
	conn, err := d.pool.Select()
	if err != nil {
		return err
	}

	data, err := d.serializer.Encode(args)
	if err == nil {
		data, err = d.compressor.Compress(data)
	}
	if err != nil {
		return fmt.Errorf("%w: encode %s request: %v", ErrSerialization, methodName, err)
	}
	meta := make(map[string]string, 4)
	for k, v := range MetaFromContext(ctx) {
		meta[k] = v
	}
	meta[message.MetaTimeout] = strconv.FormatInt(timeout.Milliseconds(), 10)
	if err := message.CheckMeta(meta); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSerialization, methodName, err)
	}
	req := &message.Request{
		MessageId:   atomic.AddUint32(&d.messageId, 1),
		Version:     message.Version,
		Compresser:  d.compressor.Code(),
		Serializer:  d.serializer.Code(),
		ServiceName: d.target,
		MethodName:  methodName,
		Meta:        meta,
		Data:        data,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ch, err := conn.Send(ctx, req)
	if err != nil {
		return d.failure(ctx, conn, req, timeout, err)
	}
	select {
	case r := <-ch:
		if r.Err != nil {
			return d.failure(ctx, conn, req, timeout, r.Err)
		}
		return d.decode(conn, req, r.Resp, reply)
	case <-ctx.Done():
		return d.failure(ctx, conn, req, timeout, ctx.Err())
	}
}

// failure classifies an error seen while sending or waiting.
func (d *Dispatcher) failure(ctx context.Context, conn transport.Connection,
	req *message.Request, timeout time.Duration, err error) error {
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		conn.Cancel(req.MessageId)
		// a slow but alive server keeps its connection
		if !conn.Healthy() {
			d.pool.MarkUnhealthy(conn)
		}
		return fmt.Errorf("%w: %s after %s", ErrTimeout, req.MethodName, timeout)
	case ctxErr != nil:
		conn.Cancel(req.MessageId)
		return ctxErr
	case errors.Is(err, errs.FrameTooLargeError):
		return fmt.Errorf("%w: %s: %v", ErrSerialization, req.MethodName, err)
	case errors.Is(err, errs.PeerRejectedError):
		return fmt.Errorf("%w: %s: %v", ErrRemote, req.MethodName, err)
	default:
		d.pool.MarkUnhealthy(conn)
		d.logger.Debug("call failed", zap.String("method", req.MethodName),
			zap.String("address", conn.Address()), zap.Error(err))
		return fmt.Errorf("%w: %s on %s: %v", ErrTransport, req.MethodName, conn.Address(), err)
	}
}

func (d *Dispatcher) decode(conn transport.Connection, req *message.Request,
	resp *message.Response, reply any) error {
	if resp.MessageId != req.MessageId {
		d.pool.MarkUnhealthy(conn)
		return fmt.Errorf("%w: %s got response %d for request %d",
			ErrTransport, req.MethodName, resp.MessageId, req.MessageId)
	}
	if len(resp.Error) > 0 {
		return fmt.Errorf("%w: %s: %s", ErrRemote, req.MethodName, resp.Error)
	}
	if len(resp.Data) == 0 {
		return nil
	}
	data, err := d.compressor.Uncompress(resp.Data)
	if err == nil {
		err = d.serializer.Decode(data, reply)
	}
	if err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrSerialization, req.MethodName, err)
	}
	return nil
}
