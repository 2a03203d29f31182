package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"strconv"
	"sync"
	"time"

	"benchproxy/internal/errs"
	"benchproxy/internal/log"
	"benchproxy/rpc/compress"
	_ "benchproxy/rpc/compress/gzip"
	_ "benchproxy/rpc/compress/lz4"
	_ "benchproxy/rpc/compress/snappy"
	_ "benchproxy/rpc/compress/zlib"
	"benchproxy/rpc/message"
	"benchproxy/rpc/protocol"
	"benchproxy/rpc/serialize"
	_ "benchproxy/rpc/serialize/json"
	_ "benchproxy/rpc/serialize/proto"
	"benchproxy/rpc/transport"
	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"
)

var _ transport.Handler = (*Server)(nil)

// Server exposes the methods of registered services. Any codec and
// compressor known to the serialize and compress registries is accepted.
type Server struct {
	mu        sync.RWMutex
	services  map[string]*reflectionStub
	logger    *zap.Logger
	maxConns  int
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	grpcSrvs  []*grpc.Server
	closed    bool
	wg        sync.WaitGroup
}

func ServerWithLogger(l *zap.Logger) option.Option[Server] {
	return func(s *Server) {
		s.logger = l
	}
}

// ServerWithMaxConns caps the number of connections served at once on
// stream listeners.
func ServerWithMaxConns(n int) option.Option[Server] {
	return func(s *Server) {
		s.maxConns = n
	}
}

func NewServer(opts ...option.Option[Server]) *Server {
	s := &Server{
		services: make(map[string]*reflectionStub, 4),
		conns:    make(map[net.Conn]struct{}, 16),
		logger:   log.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterService exposes every method of service shaped
// func(context.Context, *Req) (*Resp, error) under service.Name().
func (s *Server) RegisterService(service Service) error {
	if service == nil {
		return errs.Configuration("%v", errs.ServiceNilError)
	}
	val := reflect.ValueOf(service)
	typ := val.Type()
	methods := make(map[string]reflect.Value, val.NumMethod())
	for i := 0; i < val.NumMethod(); i++ {
		mt := val.Method(i).Type()
		if mt.NumIn() != 2 || mt.In(0) != contextType || mt.In(1).Kind() != reflect.Pointer ||
			mt.NumOut() != 2 || mt.Out(1) != errorType {
			continue
		}
		methods[typ.Method(i).Name] = val.Method(i)
	}
	if len(methods) == 0 {
		return errs.Configuration("%v: %s", errs.NoMethodsError, service.Name())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.Name()] = &reflectionStub{s: service, methods: methods}
	return nil
}

// Handle answers one request. A timeout carried in the request meta becomes
// the deadline of the handler context.
func (s *Server) Handle(ctx context.Context, req *message.Request) *message.Response {
	if ms, err := strconv.ParseInt(req.Meta[message.MetaTimeout], 10, 64); err == nil && ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}
	s.mu.RLock()
	stub, ok := s.services[req.ServiceName]
	s.mu.RUnlock()
	if !ok {
		return errorResponse(req, fmt.Errorf("service %q not found", req.ServiceName))
	}
	resp := stub.invoke(ctx, req)
	if size := resp.Size(); size > protocol.MaxFrameSize {
		return errorResponse(req, fmt.Errorf("%w: %s response is %d bytes",
			errs.FrameTooLargeError, req.MethodName, size))
	}
	return resp
}

// Serve accepts stream connections on ln until Close is called.
func (s *Server) Serve(ln net.Listener, framer protocol.Framer) error {
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.handleConn(conn, framer)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) handleConn(conn net.Conn, framer protocol.Framer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeMu sync.Mutex
	for {
		req, err := framer.ReadRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("reading request failed",
					zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}
		if req == nil {
			continue
		}
		go func() {
			resp := s.Handle(ctx, req)
			writeMu.Lock()
			err := framer.WriteResponse(conn, resp)
			writeMu.Unlock()
			if err != nil {
				s.logger.Debug("sending response failed",
					zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

// ServeGRPC serves the grpc protocol on ln until Close is called.
func (s *Server) ServeGRPC(ln net.Listener) error {
	srv := transport.NewGRPCServer(s)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.grpcSrvs = append(s.grpcSrvs, srv)
	s.mu.Unlock()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Close stops every listener and closes open connections.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners, grpcSrvs := s.listeners, s.grpcSrvs
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	var err error
	for _, ln := range listeners {
		if e := ln.Close(); e != nil && err == nil {
			err = e
		}
	}
	for _, srv := range grpcSrvs {
		srv.Stop()
	}
	s.wg.Wait()
	return err
}

type reflectionStub struct {
	s       Service
	methods map[string]reflect.Value
}

func (s *reflectionStub) invoke(ctx context.Context, req *message.Request) (resp *message.Response) {
	method, ok := s.methods[req.MethodName]
	if !ok {
		return errorResponse(req, fmt.Errorf("method %s.%s not found", s.s.Name(), req.MethodName))
	}
	serializer, err := serialize.Get(serialize.CodecType(req.Serializer))
	if err != nil {
		return errorResponse(req, err)
	}
	compressor, err := compress.Get(compress.Type(req.Compresser))
	if err != nil {
		return errorResponse(req, err)
	}
	defer func() {
		if r := recover(); r != nil {
			resp = errorResponse(req, fmt.Errorf("method %s panicked: %v", req.MethodName, r))
		}
	}()

	in := reflect.New(method.Type().In(1).Elem())
	data, err := compressor.Uncompress(req.Data)
	if err == nil && len(data) > 0 {
		err = serializer.Decode(data, in.Interface())
	}
	if err != nil {
		return errorResponse(req, err)
	}
	res := method.Call([]reflect.Value{reflect.ValueOf(ctx), in})
	if e := res[1].Interface(); e != nil {
		return errorResponse(req, e.(error))
	}
	out, err := serializer.Encode(res[0].Interface())
	if err == nil {
		out, err = compressor.Compress(out)
	}
	if err != nil {
		return errorResponse(req, err)
	}
	resp = newResponse(req)
	resp.Data = out
	return resp
}

func newResponse(req *message.Request) *message.Response {
	return &message.Response{
		MessageId:  req.MessageId,
		Version:    req.Version,
		Compresser: req.Compresser,
		Serializer: req.Serializer,
	}
}

func errorResponse(req *message.Request, err error) *message.Response {
	resp := newResponse(req)
	resp.Error = []byte(err.Error())
	return resp
}
