package server

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/cartfee/internal/catalog"
	"github.com/matt-riley/cartfee/internal/core"
	"github.com/matt-riley/cartfee/internal/service"
)

func dialFeeService(t *testing.T, svc Service, opts ...grpc.ServerOption) *FeeServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(opts...)
	RegisterFeeServiceServer(srv, NewGRPCServer(svc))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewFeeServiceClient(conn)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("structpb.NewStruct() error = %v", err)
	}
	return s
}

func TestGRPCCalculate(t *testing.T) {
	ctx := context.Background()
	svc := newRealService(t)
	_, err := svc.CreateFeeRule(ctx, core.FeeRule{
		FeeType:   core.FeeTypePercentage,
		Amount:    decimal.NewFromInt(10),
		MatchType: core.MatchAny,
		Conditions: []core.Condition{
			{Kind: catalog.BillingCountryState, Operator: catalog.Contain, Values: []string{"US"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateFeeRule() error = %v", err)
	}
	client := dialFeeService(t, svc)

	resp, err := client.Calculate(ctx, mustStruct(t, map[string]any{
		"billing_country_state": "US",
		"cart_subtotal":         100,
		"cart_shipping_total":   10,
	}))
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if got := resp.GetFields()["total"].GetStringValue(); got != "11.00" {
		t.Fatalf("total = %q, want 11.00", got)
	}
	lines := resp.GetFields()["lines"].GetListValue().GetValues()
	if len(lines) != 1 {
		t.Fatalf("lines = %v, want one", lines)
	}
	line := lines[0].GetStructValue().GetFields()
	if line["label"].GetStringValue() != core.DefaultFeeLabel || !line["taxable"].GetBoolValue() {
		t.Fatalf("line = %v", line)
	}
}

func TestGRPCCalculateRejectsUnknownFields(t *testing.T) {
	client := dialFeeService(t, newRealService(t))

	_, err := client.Calculate(context.Background(), mustStruct(t, map[string]any{"shipping_method": "flat_rate"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Calculate() code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestGRPCListConditions(t *testing.T) {
	client := dialFeeService(t, newRealService(t))

	resp, err := client.ListConditions(context.Background(), &structpb.Struct{})
	if err != nil {
		t.Fatalf("ListConditions() error = %v", err)
	}
	groups := resp.GetFields()["groups"].GetListValue().GetValues()
	if len(groups) != len(catalog.List()) {
		t.Fatalf("groups = %d, want %d", len(groups), len(catalog.List()))
	}
	first := groups[0].GetStructValue().GetFields()
	if first["name"].GetStringValue() != catalog.List()[0].Name {
		t.Fatalf("first group = %v", first)
	}
}

func TestGRPCInterceptorSeesFullMethod(t *testing.T) {
	var seen []string
	record := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen = append(seen, info.FullMethod)
		return handler(ctx, req)
	}
	client := dialFeeService(t, newRealService(t), grpc.ChainUnaryInterceptor(record))

	if _, err := client.ListConditions(context.Background(), &structpb.Struct{}); err != nil {
		t.Fatalf("ListConditions() error = %v", err)
	}
	if len(seen) != 1 || seen[0] != "/cartfee.v1.FeeService/ListConditions" {
		t.Fatalf("interceptor saw %v", seen)
	}
}

func TestToGRPCError(t *testing.T) {
	tests := map[error]codes.Code{
		service.ErrMalformedRule:                   codes.InvalidArgument,
		service.ErrInvalidSettings:                 codes.InvalidArgument,
		catalog.ErrUnknownConditionKind:            codes.InvalidArgument,
		service.ErrFeeRuleNotFound:                 codes.NotFound,
		service.ErrFeeRuleExists:                   codes.AlreadyExists,
		context.Canceled:                           codes.Canceled,
		context.DeadlineExceeded:                   codes.DeadlineExceeded,
		status.Error(codes.PermissionDenied, "no"): codes.PermissionDenied,
		errors.New("connection refused"):           codes.Internal,
	}
	for err, want := range tests {
		if got := status.Code(toGRPCError(err)); got != want {
			t.Errorf("toGRPCError(%v) = %v, want %v", err, got, want)
		}
	}
	if toGRPCError(nil) != nil {
		t.Error("toGRPCError(nil) != nil")
	}
}

func TestGRPCCalculateServiceError(t *testing.T) {
	srv := NewGRPCServer(&fakeService{err: errors.New("store down")})

	_, err := srv.Calculate(context.Background(), &structpb.Struct{})
	if status.Code(err) != codes.Internal {
		t.Fatalf("Calculate() code = %v, want Internal", status.Code(err))
	}
}
