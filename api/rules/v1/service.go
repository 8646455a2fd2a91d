package rulesv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "rules.v1.EvaluationService"

// Full method names, as seen by interceptors.
const (
	EvaluateConditionMethod    = "/" + ServiceName + "/EvaluateCondition"
	EvaluateConditionsMethod   = "/" + ServiceName + "/EvaluateConditions"
	GetEvaluationOrderMethod   = "/" + ServiceName + "/GetEvaluationOrder"
	ValidateDependenciesMethod = "/" + ServiceName + "/ValidateDependencies"
	InvalidateCacheMethod      = "/" + ServiceName + "/InvalidateCache"
	GetCacheStatsMethod        = "/" + ServiceName + "/GetCacheStats"
	GetDependenciesMethod      = "/" + ServiceName + "/GetDependencies"
)

// EvaluationServiceServer is the server API of rules.v1.EvaluationService.
type EvaluationServiceServer interface {
	EvaluateCondition(context.Context, *EvaluateConditionRequest) (*EvaluateConditionResponse, error)
	EvaluateConditions(context.Context, *EvaluateConditionsRequest) (*EvaluateConditionsResponse, error)
	GetEvaluationOrder(context.Context, *GetEvaluationOrderRequest) (*GetEvaluationOrderResponse, error)
	ValidateDependencies(context.Context, *ValidateDependenciesRequest) (*ValidateDependenciesResponse, error)
	InvalidateCache(context.Context, *InvalidateCacheRequest) (*InvalidateCacheResponse, error)
	GetCacheStats(context.Context, *GetCacheStatsRequest) (*GetCacheStatsResponse, error)
	GetDependencies(context.Context, *GetDependenciesRequest) (*GetDependenciesResponse, error)
}

// UnimplementedEvaluationServiceServer answers every method with
// codes.Unimplemented. Embed it for forward compatibility.
type UnimplementedEvaluationServiceServer struct{}

func (UnimplementedEvaluationServiceServer) EvaluateCondition(context.Context, *EvaluateConditionRequest) (*EvaluateConditionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method EvaluateCondition not implemented")
}

func (UnimplementedEvaluationServiceServer) EvaluateConditions(context.Context, *EvaluateConditionsRequest) (*EvaluateConditionsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method EvaluateConditions not implemented")
}

func (UnimplementedEvaluationServiceServer) GetEvaluationOrder(context.Context, *GetEvaluationOrderRequest) (*GetEvaluationOrderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetEvaluationOrder not implemented")
}

func (UnimplementedEvaluationServiceServer) ValidateDependencies(context.Context, *ValidateDependenciesRequest) (*ValidateDependenciesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ValidateDependencies not implemented")
}

func (UnimplementedEvaluationServiceServer) InvalidateCache(context.Context, *InvalidateCacheRequest) (*InvalidateCacheResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method InvalidateCache not implemented")
}

func (UnimplementedEvaluationServiceServer) GetCacheStats(context.Context, *GetCacheStatsRequest) (*GetCacheStatsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetCacheStats not implemented")
}

func (UnimplementedEvaluationServiceServer) GetDependencies(context.Context, *GetDependenciesRequest) (*GetDependenciesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetDependencies not implemented")
}

// RegisterEvaluationServiceServer registers srv on s.
func RegisterEvaluationServiceServer(s grpc.ServiceRegistrar, srv EvaluationServiceServer) {
	s.RegisterService(&EvaluationService_ServiceDesc, srv)
}

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[Req any, Resp any](fullMethod string, call func(EvaluationServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EvaluationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EvaluationServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// EvaluationService_ServiceDesc describes rules.v1.EvaluationService.
var EvaluationService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvaluationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "EvaluateCondition",
			Handler:    unaryHandler(EvaluateConditionMethod, EvaluationServiceServer.EvaluateCondition),
		},
		{
			MethodName: "EvaluateConditions",
			Handler:    unaryHandler(EvaluateConditionsMethod, EvaluationServiceServer.EvaluateConditions),
		},
		{
			MethodName: "GetEvaluationOrder",
			Handler:    unaryHandler(GetEvaluationOrderMethod, EvaluationServiceServer.GetEvaluationOrder),
		},
		{
			MethodName: "ValidateDependencies",
			Handler:    unaryHandler(ValidateDependenciesMethod, EvaluationServiceServer.ValidateDependencies),
		},
		{
			MethodName: "InvalidateCache",
			Handler:    unaryHandler(InvalidateCacheMethod, EvaluationServiceServer.InvalidateCache),
		},
		{
			MethodName: "GetCacheStats",
			Handler:    unaryHandler(GetCacheStatsMethod, EvaluationServiceServer.GetCacheStats),
		},
		{
			MethodName: "GetDependencies",
			Handler:    unaryHandler(GetDependenciesMethod, EvaluationServiceServer.GetDependencies),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rules/v1/evaluation.proto",
}

// EvaluationServiceClient is the client API of rules.v1.EvaluationService.
type EvaluationServiceClient interface {
	EvaluateCondition(ctx context.Context, in *EvaluateConditionRequest, opts ...grpc.CallOption) (*EvaluateConditionResponse, error)
	EvaluateConditions(ctx context.Context, in *EvaluateConditionsRequest, opts ...grpc.CallOption) (*EvaluateConditionsResponse, error)
	GetEvaluationOrder(ctx context.Context, in *GetEvaluationOrderRequest, opts ...grpc.CallOption) (*GetEvaluationOrderResponse, error)
	ValidateDependencies(ctx context.Context, in *ValidateDependenciesRequest, opts ...grpc.CallOption) (*ValidateDependenciesResponse, error)
	InvalidateCache(ctx context.Context, in *InvalidateCacheRequest, opts ...grpc.CallOption) (*InvalidateCacheResponse, error)
	GetCacheStats(ctx context.Context, in *GetCacheStatsRequest, opts ...grpc.CallOption) (*GetCacheStatsResponse, error)
	GetDependencies(ctx context.Context, in *GetDependenciesRequest, opts ...grpc.CallOption) (*GetDependenciesResponse, error)
}

type evaluationServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewEvaluationServiceClient returns a client whose calls use the JSON codec.
func NewEvaluationServiceClient(cc grpc.ClientConnInterface) EvaluationServiceClient {
	return &evaluationServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *evaluationServiceClient) EvaluateCondition(ctx context.Context, in *EvaluateConditionRequest, opts ...grpc.CallOption) (*EvaluateConditionResponse, error) {
	return invoke[EvaluateConditionResponse](ctx, c.cc, EvaluateConditionMethod, in, opts)
}

func (c *evaluationServiceClient) EvaluateConditions(ctx context.Context, in *EvaluateConditionsRequest, opts ...grpc.CallOption) (*EvaluateConditionsResponse, error) {
	return invoke[EvaluateConditionsResponse](ctx, c.cc, EvaluateConditionsMethod, in, opts)
}

func (c *evaluationServiceClient) GetEvaluationOrder(ctx context.Context, in *GetEvaluationOrderRequest, opts ...grpc.CallOption) (*GetEvaluationOrderResponse, error) {
	return invoke[GetEvaluationOrderResponse](ctx, c.cc, GetEvaluationOrderMethod, in, opts)
}

func (c *evaluationServiceClient) ValidateDependencies(ctx context.Context, in *ValidateDependenciesRequest, opts ...grpc.CallOption) (*ValidateDependenciesResponse, error) {
	return invoke[ValidateDependenciesResponse](ctx, c.cc, ValidateDependenciesMethod, in, opts)
}

func (c *evaluationServiceClient) InvalidateCache(ctx context.Context, in *InvalidateCacheRequest, opts ...grpc.CallOption) (*InvalidateCacheResponse, error) {
	return invoke[InvalidateCacheResponse](ctx, c.cc, InvalidateCacheMethod, in, opts)
}

func (c *evaluationServiceClient) GetCacheStats(ctx context.Context, in *GetCacheStatsRequest, opts ...grpc.CallOption) (*GetCacheStatsResponse, error) {
	return invoke[GetCacheStatsResponse](ctx, c.cc, GetCacheStatsMethod, in, opts)
}

func (c *evaluationServiceClient) GetDependencies(ctx context.Context, in *GetDependenciesRequest, opts ...grpc.CallOption) (*GetDependenciesResponse, error) {
	return invoke[GetDependenciesResponse](ctx, c.cc, GetDependenciesMethod, in, opts)
}
