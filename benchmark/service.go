package benchmark

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the instance name both sides agree on by default.
const ServiceName = "BenchmarkTestService"

// Request asks for a payload of Size bytes, answered after Delay.
type Request struct {
	Size  int           `json:"size"`
	Delay time.Duration `json:"delay,omitempty"`
}

type EchoRequest struct {
	Token string `json:"token"`
}

type EchoResponse struct {
	Token string `json:"token"`
}

// ServiceClient is the client side of the benchmark service for the json
// codec. Its fields are filled by rpc.BuildProxy.
type ServiceClient struct {
	Execute func(ctx context.Context, req *Request) (*ResponsePayload, error)
	Echo    func(ctx context.Context, req *EchoRequest) (*EchoResponse, error)
}

func (*ServiceClient) Name() string {
	return ServiceName
}

// ProtoServiceClient is the client side for the proto codec.
type ProtoServiceClient struct {
	ExecuteProto func(ctx context.Context, size *wrapperspb.Int32Value) (*wrapperspb.BytesValue, error)
}

func (*ProtoServiceClient) Name() string {
	return ServiceName
}

// Service is the server side implementation.
type Service struct {
	// MaxSize rejects larger payload requests when positive.
	MaxSize int
}

func (s *Service) Name() string {
	return ServiceName
}

func (s *Service) Execute(ctx context.Context, req *Request) (*ResponsePayload, error) {
	if req.Delay > 0 {
		timer := time.NewTimer(req.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if s.MaxSize > 0 && req.Size > s.MaxSize {
		return nil, fmt.Errorf("benchmark: payload size %d exceeds %d", req.Size, s.MaxSize)
	}
	return NewResponsePayload(req.Size)
}

func (s *Service) Echo(ctx context.Context, req *EchoRequest) (*EchoResponse, error) {
	return &EchoResponse{Token: req.Token}, nil
}

func (s *Service) ExecuteProto(ctx context.Context, size *wrapperspb.Int32Value) (*wrapperspb.BytesValue, error) {
	p, err := s.Execute(ctx, &Request{Size: int(size.GetValue())})
	if err != nil {
		return nil, err
	}
	return p.ToProto(), nil
}
