package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/service"
)

const (
	feeServiceName           = "cartfee.v1.FeeService"
	calculateFullMethod      = "/" + feeServiceName + "/Calculate"
	listConditionsFullMethod = "/" + feeServiceName + "/ListConditions"
)

// FeeServiceServer is the gRPC fee service. Requests and responses are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP API.
type FeeServiceServer interface {
	Calculate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConditions(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// FeeServiceDesc describes cartfee.v1.FeeService for [grpc.Server.RegisterService].
var FeeServiceDesc = grpc.ServiceDesc{
	ServiceName: feeServiceName,
	HandlerType: (*FeeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Calculate", Handler: unaryHandler(calculateFullMethod, FeeServiceServer.Calculate)},
		{MethodName: "ListConditions", Handler: unaryHandler(listConditionsFullMethod, FeeServiceServer.ListConditions)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cartfee/v1/fee_service.proto",
}

// RegisterFeeServiceServer registers srv on s.
func RegisterFeeServiceServer(s grpc.ServiceRegistrar, srv FeeServiceServer) {
	s.RegisterService(&FeeServiceDesc, srv)
}

type structMethod func(FeeServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(FeeServiceServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*structpb.Struct))
		})
	}
}

// FeeServiceClient calls cartfee.v1.FeeService.
type FeeServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewFeeServiceClient wraps a client connection.
func NewFeeServiceClient(cc grpc.ClientConnInterface) *FeeServiceClient {
	return &FeeServiceClient{cc: cc}
}

// Calculate sends a request context and returns the quote.
func (c *FeeServiceClient) Calculate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, calculateFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListConditions returns the condition catalog.
func (c *FeeServiceClient) ListConditions(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listConditionsFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer implements [FeeServiceServer] over a [Service].
type GRPCServer struct {
	service Service
}

// NewGRPCServer creates a [GRPCServer].
func NewGRPCServer(svc Service) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}
	return &GRPCServer{service: svc}
}

// Calculate evaluates every fee rule against the request context in req.
func (s *GRPCServer) Calculate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var reqCtx core.RequestContext
	if err := fromStruct(req, &reqCtx); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request context: %v", err)
	}

	quote, err := s.service.Calculate(ctx, reqCtx)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return toStruct(quoteResponse{
		Lines:     quote.Lines,
		Total:     quote.Total.StringFixed(2),
		Decisions: quote.Decisions,
	})
}

// ListConditions returns the catalog grouped by section.
func (s *GRPCServer) ListConditions(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{"groups": catalog.List()})
}

func fromStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		return nil
	}
	payload, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func toStruct(v any) (*structpb.Struct, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(payload); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return out, nil
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, service.ErrMalformedRule), errors.Is(err, service.ErrInvalidSettings),
		errors.Is(err, service.ErrIDRequired), errors.Is(err, catalog.ErrUnknownConditionKind):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrFeeRuleNotFound):
		return status.Error(codes.NotFound, "fee rule not found")
	case errors.Is(err, service.ErrFeeRuleExists):
		return status.Error(codes.AlreadyExists, "fee rule already exists")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}
