// Package transport moves request envelopes to a server and routes the
// responses back to the calls waiting for them.
package transport

import (
	"context"
	"net"
	"time"

	"benchproxy/internal/log"
	"benchproxy/rpc/message"
	"benchproxy/rpc/protocol"
	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"
)

// Reply is delivered exactly once on the channel returned by Send.
type Reply struct {
	Resp *message.Response
	Err  error
}

// Connection is one live channel to a server replica. Many calls may be in
// flight on a Connection at the same time; responses are matched to calls by
// the request MessageId.
type Connection interface {
	// Send writes req and returns the channel its reply will arrive on.
	Send(ctx context.Context, req *message.Request) (<-chan Reply, error)
	// Cancel forgets the call with the given id. A response arriving later is
	// dropped instead of being delivered.
	Cancel(id uint32)
	// Healthy is false once the connection is known to be broken.
	Healthy() bool
	Address() string
	Close() error
}

// Dialer creates connections. The connect timeout is carried by ctx.
type Dialer interface {
	Dial(ctx context.Context, address string) (Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (Connection, error) {
	return f(ctx, address)
}

type Options struct {
	heartbeat time.Duration
	logger    *zap.Logger
}

// WithHeartbeat sends a heartbeat frame every interval on stream connections
// so a dead peer is detected without waiting for a call to fail.
func WithHeartbeat(interval time.Duration) option.Option[Options] {
	return func(o *Options) {
		o.heartbeat = interval
	}
}

func WithLogger(l *zap.Logger) option.Option[Options] {
	return func(o *Options) {
		o.logger = l
	}
}

// NewDialer returns the dialer for protocol p.
func NewDialer(p protocol.Type, opts ...option.Option[Options]) (Dialer, error) {
	o := &Options{logger: log.Logger()}
	for _, opt := range opts {
		opt(o)
	}
	if p == protocol.GRPC {
		return &GRPCDialer{logger: o.logger}, nil
	}
	framer, err := protocol.NewFramer(p)
	if err != nil {
		return nil, err
	}
	return &StreamDialer{framer: framer, heartbeat: o.heartbeat, logger: o.logger}, nil
}

// StreamDialer opens multiplexed TCP connections speaking a framed protocol.
type StreamDialer struct {
	framer    protocol.Framer
	heartbeat time.Duration
	logger    *zap.Logger
}

func (d *StreamDialer) Dial(ctx context.Context, address string) (Connection, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewMuxConn(conn, d.framer, d.heartbeat, d.logger), nil
}
