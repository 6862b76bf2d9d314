// Package server exposes the analysis pipeline over gRPC. Messages are
// google.protobuf.Struct so the wire shape matches the JSON reports.
package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "qmdoc.v1.AnalysisService"

// Full method names.
const (
	MethodRunPipeline   = "/" + serviceName + "/RunPipeline"
	MethodVerify        = "/" + serviceName + "/Verify"
	MethodListProviders = "/" + serviceName + "/ListProviders"
	MethodEnqueuePath   = "/" + serviceName + "/EnqueuePath"

	MethodGetStageResult = "/" + serviceName + "/GetStageResult"
)

// AnalysisServer is the server API for qmdoc.v1.AnalysisService.
type AnalysisServer interface {
	RunPipeline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Verify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListProviders(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EnqueuePath(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStageResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(AnalysisServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func handler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AnalysisServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(AnalysisServer), ctx, req.(*structpb.Struct))
		})
	}
}

// ServiceDesc describes qmdoc.v1.AnalysisService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AnalysisServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunPipeline", Handler: handler(MethodRunPipeline, AnalysisServer.RunPipeline)},
		{MethodName: "Verify", Handler: handler(MethodVerify, AnalysisServer.Verify)},
		{MethodName: "ListProviders", Handler: handler(MethodListProviders, AnalysisServer.ListProviders)},
		{MethodName: "EnqueuePath", Handler: handler(MethodEnqueuePath, AnalysisServer.EnqueuePath)},
		{MethodName: "GetStageResult", Handler: handler(MethodGetStageResult, AnalysisServer.GetStageResult)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "qmdoc/v1/analysis.proto",
}

func RegisterAnalysisServer(s grpc.ServiceRegistrar, srv AnalysisServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls qmdoc.v1.AnalysisService.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RunPipeline(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, MethodRunPipeline, in, opts...)
}

func (c *Client) Verify(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, MethodVerify, in, opts...)
}

func (c *Client) ListProviders(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, MethodListProviders, in, opts...)
}

func (c *Client) EnqueuePath(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, MethodEnqueuePath, in, opts...)
}

func (c *Client) GetStageResult(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.call(ctx, MethodGetStageResult, in, opts...)
}
