package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"benchproxy/internal/errs"
	"benchproxy/rpc/message"
	"benchproxy/rpc/protocol"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	grpcServiceName = "benchproxy.Transport"
	grpcInvokeName  = "/" + grpcServiceName + "/Invoke"
)

// GRPCDialer opens connections that carry envelopes as the messages of a
// single unary gRPC method.
type GRPCDialer struct {
	logger *zap.Logger
}

func (d *GRPCDialer) Dial(ctx context.Context, address string) (Connection, error) {
	cc, err := grpc.DialContext(ctx, address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(envelopeCodec{}),
			grpc.MaxCallRecvMsgSize(protocol.MaxFrameSize),
			grpc.MaxCallSendMsgSize(protocol.MaxFrameSize)))
	if err != nil {
		return nil, err
	}
	return &GRPCConn{
		cc:      cc,
		address: address,
		logger:  d.logger,
		cancels: make(map[uint32]context.CancelFunc, 16),
	}, nil
}

// GRPCConn runs every call as its own gRPC invocation. gRPC does the
// correlation itself, Cancel aborts the invocation.
type GRPCConn struct {
	cc      *grpc.ClientConn
	address string
	logger  *zap.Logger

	mu      sync.Mutex
	cancels map[uint32]context.CancelFunc
	closed  atomic.Bool
}

var _ Connection = (*GRPCConn)(nil)

func (c *GRPCConn) Send(ctx context.Context, req *message.Request) (<-chan Reply, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: %s", errs.ConnectionClosedErr, c.address)
	}
	cctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, ok := c.cancels[req.MessageId]; ok {
		c.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("transport: message id %d already in flight on %s", req.MessageId, c.address)
	}
	c.cancels[req.MessageId] = cancel
	c.mu.Unlock()

	ch := make(chan Reply, 1)
	go func() {
		defer c.Cancel(req.MessageId)
		resp := new(message.Response)
		if err := c.cc.Invoke(cctx, grpcInvokeName, req, resp); err != nil {
			ch <- Reply{Err: callError(err)}
			return
		}
		ch <- Reply{Resp: resp}
	}()
	return ch, nil
}

// callError marks failures that concern a single call and say nothing about
// the connection.
func callError(err error) error {
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %v", errs.FrameTooLargeError, err)
	case codes.Unimplemented, codes.Internal, codes.Unknown, codes.InvalidArgument:
		return fmt.Errorf("%w: %v", errs.PeerRejectedError, err)
	default:
		return err
	}
}

func (c *GRPCConn) Cancel(id uint32) {
	c.mu.Lock()
	cancel, ok := c.cancels[id]
	delete(c.cancels, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *GRPCConn) Healthy() bool {
	if c.closed.Load() {
		return false
	}
	switch c.cc.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return false
	default:
		return true
	}
}

func (c *GRPCConn) Address() string {
	return c.address
}

func (c *GRPCConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.cc.Close()
}

// Handler answers one request envelope.
type Handler interface {
	Handle(ctx context.Context, req *message.Request) *message.Response
}

// NewGRPCServer returns a gRPC server dispatching envelopes to h.
func NewGRPCServer(h Handler, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ForceServerCodec(envelopeCodec{}),
		grpc.MaxRecvMsgSize(protocol.MaxFrameSize),
		grpc.MaxSendMsgSize(protocol.MaxFrameSize))
	s := grpc.NewServer(opts...)
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: grpcServiceName,
		HandlerType: (*Handler)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Invoke", Handler: invokeHandler},
		},
		Metadata: "envelope",
	}, h)
	return s
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(message.Request)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Handle(ctx, req), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcInvokeName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).Handle(ctx, req.(*message.Request)), nil
	}
	return interceptor(ctx, req, info, handler)
}

// envelopeCodec marshals envelopes with the message package layout.
type envelopeCodec struct{}

func (envelopeCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *message.Request:
		return message.EncodeReq(m), nil
	case *message.Response:
		return message.EncodeResp(m), nil
	default:
		return nil, fmt.Errorf("transport: cannot marshal %T", v)
	}
}

func (envelopeCodec) Unmarshal(data []byte, v any) error {
	// decoded envelopes alias their input
	data = append([]byte(nil), data...)
	switch m := v.(type) {
	case *message.Request:
		req, err := message.DecodeReq(data)
		if err != nil {
			return err
		}
		*m = *req
	case *message.Response:
		resp, err := message.DecodeResp(data)
		if err != nil {
			return err
		}
		*m = *resp
	default:
		return fmt.Errorf("transport: cannot unmarshal into %T", v)
	}
	return nil
}

func (envelopeCodec) Name() string {
	return "envelope"
}
