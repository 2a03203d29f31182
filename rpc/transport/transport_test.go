package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"benchproxy/internal/errs"
	"benchproxy/rpc/message"
	"benchproxy/rpc/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeServer accepts one connection and answers requests with handle.
func fakeServer(t *testing.T, framer protocol.Framer, handle func(conn net.Conn, req *message.Request)) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			req, err := framer.ReadRequest(conn)
			if err != nil {
				return
			}
			if req == nil {
				continue
			}
			handle(conn, req)
		}
	}()
	return ln.Addr().String()
}

func dial(t *testing.T, p protocol.Type, address string) Connection {
	d, err := NewDialer(p, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, address)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func echoResp(req *message.Request) *message.Response {
	return &message.Response{MessageId: req.MessageId, Version: req.Version, Data: req.Data}
}

func recv(t *testing.T, ch <-chan Reply) Reply {
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return Reply{}
	}
}

func TestMuxConnOutOfOrder(t *testing.T) {
	for _, p := range []protocol.Type{protocol.TCP, protocol.Framed} {
		t.Run(p.String(), func(t *testing.T) {
			framer, err := protocol.NewFramer(p)
			require.NoError(t, err)
			var held []*message.Request
			address := fakeServer(t, framer, func(conn net.Conn, req *message.Request) {
				held = append(held, req)
				if len(held) < 3 {
					return
				}
				for i := len(held) - 1; i >= 0; i-- {
					_ = framer.WriteResponse(conn, echoResp(held[i]))
				}
			})
			conn := dial(t, p, address)

			chans := make(map[uint32]<-chan Reply, 3)
			for _, id := range []uint32{1, 2, 3} {
				ch, err := conn.Send(context.Background(), &message.Request{
					MessageId:   id,
					ServiceName: "BenchmarkTestService",
					MethodName:  "Echo",
					Data:        []byte{byte(id)},
				})
				require.NoError(t, err)
				chans[id] = ch
			}
			for id, ch := range chans {
				r := recv(t, ch)
				require.NoError(t, r.Err)
				assert.Equal(t, id, r.Resp.MessageId)
				assert.Equal(t, []byte{byte(id)}, r.Resp.Data)
			}
			assert.True(t, conn.Healthy())
		})
	}
}

func TestMuxConnCancelDropsStaleResponse(t *testing.T) {
	framer := protocol.LengthFramer{}
	var held []*message.Request
	// answers nothing until the second request arrives, then both in order
	address := fakeServer(t, framer, func(conn net.Conn, req *message.Request) {
		held = append(held, req)
		if len(held) < 2 {
			return
		}
		for _, r := range held {
			_ = framer.WriteResponse(conn, echoResp(r))
		}
	})
	conn := dial(t, protocol.TCP, address)

	ch, err := conn.Send(context.Background(), &message.Request{MessageId: 10, ServiceName: "s", MethodName: "m"})
	require.NoError(t, err)
	conn.Cancel(10)

	next, err := conn.Send(context.Background(), &message.Request{MessageId: 11, ServiceName: "s", MethodName: "m"})
	require.NoError(t, err)
	r := recv(t, next)
	require.NoError(t, r.Err)
	assert.Equal(t, uint32(11), r.Resp.MessageId)

	select {
	case r := <-ch:
		t.Fatalf("stale response delivered: %+v", r)
	default:
	}
	assert.True(t, conn.Healthy())
}

func TestMuxConnBroken(t *testing.T) {
	framer := protocol.LengthFramer{}
	address := fakeServer(t, framer, func(conn net.Conn, req *message.Request) {
		_ = conn.Close()
	})
	conn := dial(t, protocol.TCP, address)

	ch, err := conn.Send(context.Background(), &message.Request{MessageId: 1, ServiceName: "s", MethodName: "m"})
	require.NoError(t, err)
	r := recv(t, ch)
	assert.Error(t, r.Err)
	assert.Nil(t, r.Resp)
	assert.False(t, conn.Healthy())

	_, err = conn.Send(context.Background(), &message.Request{MessageId: 2, ServiceName: "s", MethodName: "m"})
	assert.ErrorIs(t, err, errs.ConnectionClosedErr)
}

func TestMuxConnDuplicateID(t *testing.T) {
	framer := protocol.LengthFramer{}
	address := fakeServer(t, framer, func(conn net.Conn, req *message.Request) {})
	conn := dial(t, protocol.TCP, address)

	_, err := conn.Send(context.Background(), &message.Request{MessageId: 5, ServiceName: "s", MethodName: "m"})
	require.NoError(t, err)
	_, err = conn.Send(context.Background(), &message.Request{MessageId: 5, ServiceName: "s", MethodName: "m"})
	assert.Error(t, err)
	require.NoError(t, conn.Close())
	assert.False(t, conn.Healthy())
	require.NoError(t, conn.Close())
}

func TestMuxConnHeartbeat(t *testing.T) {
	framer := protocol.HeaderFramer{}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	beats := make(chan struct{}, 8)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			req, err := framer.ReadRequest(conn)
			if err != nil {
				return
			}
			if req == nil {
				beats <- struct{}{}
			}
		}
	}()

	d, err := NewDialer(protocol.Framed, WithHeartbeat(10*time.Millisecond), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-beats:
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestMuxConnSendFailureKeepsConnection(t *testing.T) {
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	testCases := []struct {
		name    string
		ctx     context.Context
		data    []byte
		wantErr error
	}{
		{name: "deadline already passed", ctx: expired, data: []byte("x"), wantErr: context.DeadlineExceeded},
		{name: "frame too large", ctx: context.Background(), data: make([]byte, protocol.MaxFrameSize+1), wantErr: errs.FrameTooLargeError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			framer := protocol.LengthFramer{}
			address := fakeServer(t, framer, func(conn net.Conn, req *message.Request) {
				_ = framer.WriteResponse(conn, echoResp(req))
			})
			conn := dial(t, protocol.TCP, address)

			_, err := conn.Send(tc.ctx, &message.Request{MessageId: 1, ServiceName: "s", MethodName: "m", Data: tc.data})
			assert.ErrorIs(t, err, tc.wantErr)
			assert.True(t, conn.Healthy())

			ch, err := conn.Send(context.Background(), &message.Request{MessageId: 2, ServiceName: "s", MethodName: "m"})
			require.NoError(t, err)
			r := recv(t, ch)
			require.NoError(t, r.Err)
			assert.Equal(t, uint32(2), r.Resp.MessageId)
		})
	}
}

func TestMuxConnWriteTimeoutSparesOtherCalls(t *testing.T) {
	for _, p := range []protocol.Type{protocol.TCP, protocol.Framed} {
		t.Run(p.String(), func(t *testing.T) {
			framer, err := protocol.NewFramer(p)
			require.NoError(t, err)
			// stops reading for a while after the first request, then answers
			// everything with an empty body
			address := fakeServer(t, framer, func(conn net.Conn, req *message.Request) {
				if req.MessageId == 1 {
					time.Sleep(500 * time.Millisecond)
				}
				_ = framer.WriteResponse(conn, &message.Response{MessageId: req.MessageId})
			})
			conn := dial(t, p, address)

			slowCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			first, err := conn.Send(slowCtx, &message.Request{MessageId: 1, ServiceName: "s", MethodName: "m"})
			require.NoError(t, err)

			bigCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, err = conn.Send(bigCtx, &message.Request{
				MessageId:   2,
				ServiceName: "s",
				MethodName:  "m",
				Data:        make([]byte, 32<<20),
			})
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.True(t, conn.Healthy())

			r := recv(t, first)
			require.NoError(t, r.Err)
			assert.Equal(t, uint32(1), r.Resp.MessageId)

			next, err := conn.Send(context.Background(), &message.Request{MessageId: 3, ServiceName: "s", MethodName: "m"})
			require.NoError(t, err)
			r = recv(t, next)
			require.NoError(t, r.Err)
			assert.Equal(t, uint32(3), r.Resp.MessageId)
			assert.True(t, conn.Healthy())
		})
	}
}

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, req *message.Request) *message.Response {
	switch req.MethodName {
	case "Sleep":
		<-ctx.Done()
	case "Large":
		return &message.Response{MessageId: req.MessageId, Version: req.Version, Data: make([]byte, 8<<20)}
	}
	return echoResp(req)
}

func TestGRPCConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewGRPCServer(echoHandler{})
	go func() { _ = srv.Serve(ln) }()
	defer srv.Stop()

	conn := dial(t, protocol.GRPC, ln.Addr().String())
	assert.True(t, conn.Healthy())
	assert.Equal(t, ln.Addr().String(), conn.Address())

	ch, err := conn.Send(context.Background(), &message.Request{
		MessageId:   7,
		ServiceName: "BenchmarkTestService",
		MethodName:  "Echo",
		Meta:        map[string]string{message.MetaTimeout: "1000"},
		Data:        []byte("hello"),
	})
	require.NoError(t, err)
	r := recv(t, ch)
	require.NoError(t, r.Err)
	assert.Equal(t, uint32(7), r.Resp.MessageId)
	assert.Equal(t, []byte("hello"), r.Resp.Data)

	// larger than the default gRPC receive limit
	ch, err = conn.Send(context.Background(), &message.Request{MessageId: 10, ServiceName: "s", MethodName: "Large"})
	require.NoError(t, err)
	r = recv(t, ch)
	require.NoError(t, r.Err)
	assert.Len(t, r.Resp.Data, 8<<20)
	assert.True(t, conn.Healthy())

	ch, err = conn.Send(context.Background(), &message.Request{MessageId: 8, ServiceName: "s", MethodName: "Sleep"})
	require.NoError(t, err)
	conn.Cancel(8)
	r = recv(t, ch)
	assert.Error(t, r.Err)

	require.NoError(t, conn.Close())
	assert.False(t, conn.Healthy())
	_, err = conn.Send(context.Background(), &message.Request{MessageId: 9, ServiceName: "s", MethodName: "m"})
	assert.ErrorIs(t, err, errs.ConnectionClosedErr)
}

func TestGRPCCallError(t *testing.T) {
	testCases := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "message too large", err: status.Error(codes.ResourceExhausted, "too big"), wantErr: errs.FrameTooLargeError},
		{name: "unimplemented", err: status.Error(codes.Unimplemented, "no method"), wantErr: errs.PeerRejectedError},
		{name: "internal", err: status.Error(codes.Internal, "panic"), wantErr: errs.PeerRejectedError},
		{name: "unavailable", err: status.Error(codes.Unavailable, "gone")},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := callError(tc.err)
			if tc.wantErr == nil {
				assert.Equal(t, tc.err, err)
				assert.False(t, errors.Is(err, errs.FrameTooLargeError) || errors.Is(err, errs.PeerRejectedError))
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestNewDialer(t *testing.T) {
	_, err := NewDialer(protocol.Type(42))
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	d, err := NewDialer(protocol.GRPC)
	require.NoError(t, err)
	assert.IsType(t, &GRPCDialer{}, d)
}
