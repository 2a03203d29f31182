package rpc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"benchproxy/rpc/compress"
	"benchproxy/rpc/compress/lz4"
	"benchproxy/rpc/pool"
	"benchproxy/rpc/protocol"
	"benchproxy/rpc/serialize"
	"benchproxy/rpc/serialize/json"
	"benchproxy/rpc/serialize/proto"
	"benchproxy/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type ProtoUserServiceServer struct{}

func (ProtoUserServiceServer) GetById(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(strconv.FormatInt(req.GetValue(), 10)), nil
}

func (ProtoUserServiceServer) Name() string {
	return "user-service"
}

type SlowUserServiceServer struct{}

func (SlowUserServiceServer) GetById(ctx context.Context, req *GetByIdReq) (*GetByIdResp, error) {
	if req.Id < 0 {
		time.Sleep(200 * time.Millisecond)
	}
	return &GetByIdResp{Msg: strconv.Itoa(req.Id)}, nil
}

func (SlowUserServiceServer) Name() string {
	return "user-service"
}

// startServers serves svc with protocol p on n loopback listeners.
func startServers(t *testing.T, p protocol.Type, svc Service, n int) []pool.ServerAddress {
	s := NewServer(ServerWithLogger(zap.NewNop()))
	require.NoError(t, s.RegisterService(svc))
	t.Cleanup(func() { _ = s.Close() })
	var addrs []pool.ServerAddress
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr, err := pool.ParseAddress(ln.Addr().String())
		require.NoError(t, err)
		addrs = append(addrs, addr)
		if p == protocol.GRPC {
			go func() { _ = s.ServeGRPC(ln) }()
			continue
		}
		framer, err := protocol.NewFramer(p)
		require.NoError(t, err)
		go func() { _ = s.Serve(ln, framer) }()
	}
	return addrs
}

func newE2EDispatcher(t *testing.T, p protocol.Type, addrs []pool.ServerAddress,
	s serialize.Serializer, c compress.Compressor, timeout time.Duration) *Dispatcher {
	dialer, err := transport.NewDialer(p, transport.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	pl, err := pool.New(context.Background(), dialer, addrs, 2, pool.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pl.Close() })
	d, err := NewDispatcher(pl, "user-service",
		DispatcherWithSerializer(s),
		DispatcherWithCompressor(c),
		DispatcherWithDefaultTimeout(timeout),
		DispatcherWithLogger(zap.NewNop()))
	require.NoError(t, err)
	return d
}

func TestEndToEnd(t *testing.T) {
	testCases := []struct {
		protocol   protocol.Type
		serializer serialize.Serializer
		compressor compress.Compressor
	}{
		{protocol: protocol.TCP, serializer: json.Serializer{}, compressor: compress.DoNothingCompressor{}},
		{protocol: protocol.Framed, serializer: json.Serializer{}, compressor: lz4.Compressor{}},
		{protocol: protocol.TCP, serializer: proto.Serializer{}, compressor: compress.DoNothingCompressor{}},
		{protocol: protocol.GRPC, serializer: proto.Serializer{}, compressor: compress.DoNothingCompressor{}},
	}
	for _, tc := range testCases {
		name := fmt.Sprintf("%s/%s", tc.protocol, serialize.CodecType(tc.serializer.Code()))
		t.Run(name, func(t *testing.T) {
			require.NoError(t, protocol.Compatible(tc.protocol, serialize.CodecType(tc.serializer.Code())))
			isProto := tc.serializer.Code() == byte(serialize.CodecProto)
			var svc Service = &UserServiceServer{Msg: "user"}
			if isProto {
				svc = ProtoUserServiceServer{}
			}
			addrs := startServers(t, tc.protocol, svc, 2)
			d := newE2EDispatcher(t, tc.protocol, addrs, tc.serializer, tc.compressor, 2*time.Second)

			const workers, calls = 8, 25
			var wg sync.WaitGroup
			var mu sync.Mutex
			completed := 0
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < calls; i++ {
						id := w*calls + i
						got, err := callGetById(d, isProto, id)
						mu.Lock()
						completed++
						mu.Unlock()
						if err != nil {
							t.Errorf("call %d: %v", id, err)
							continue
						}
						want := "user:" + strconv.Itoa(id)
						if isProto {
							want = strconv.Itoa(id)
						}
						if got != want {
							t.Errorf("call %d got %q, want %q", id, got, want)
						}
					}
				}(w)
			}
			wg.Wait()
			assert.Equal(t, workers*calls, completed)
		})
	}
}

func callGetById(d *Dispatcher, isProto bool, id int) (string, error) {
	if isProto {
		resp := &wrapperspb.StringValue{}
		err := d.Invoke(context.Background(), "GetById", wrapperspb.Int64(int64(id)), resp)
		return resp.GetValue(), err
	}
	resp := &GetByIdResp{}
	err := d.Invoke(context.Background(), "GetById", &GetByIdReq{Id: id}, resp)
	return resp.Msg, err
}

func TestEndToEndTimeoutKeepsConnection(t *testing.T) {
	addrs := startServers(t, protocol.Framed, SlowUserServiceServer{}, 1)
	d := newE2EDispatcher(t, protocol.Framed, addrs, json.Serializer{}, compress.DoNothingCompressor{}, 50*time.Millisecond)

	us := &UserServiceClient{}
	require.NoError(t, BuildProxy(us, d))

	_, err := us.GetById(context.Background(), &GetByIdReq{Id: -1})
	assert.ErrorIs(t, err, ErrTimeout)

	// the late response of the timed out call must not reach these
	for i := 0; i < 20; i++ {
		resp, err := us.GetById(context.Background(), &GetByIdReq{Id: i})
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(i), resp.Msg)
	}
	time.Sleep(250 * time.Millisecond)
	for i := 0; i < 4; i++ {
		resp, err := us.GetById(context.Background(), &GetByIdReq{Id: i})
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(i), resp.Msg)
	}
}
