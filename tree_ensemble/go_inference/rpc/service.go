package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "safhe.Inference"

const (
	manifestMethod = "/" + ServiceName + "/Manifest"
	predictMethod  = "/" + ServiceName + "/Predict"
	healthMethod   = "/" + ServiceName + "/Health"
)

// InferenceServer is implemented by the server. Errors should already be
// gRPC statuses, see ToStatus.
type InferenceServer interface {
	Manifest(context.Context, *ManifestRequest) (*Manifest, error)
	Predict(context.Context, *PredictRequest) (*PredictResponse, error)
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

func RegisterInferenceServer(s grpc.ServiceRegistrar, srv InferenceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Manifest", Handler: manifestHandler},
		{MethodName: "Predict", Handler: predictHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "safhe/inference",
}

func manifestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ManifestRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServer).Manifest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: manifestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InferenceServer).Manifest(ctx, req.(*ManifestRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PredictRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: predictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InferenceServer).Predict(ctx, req.(*PredictRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: healthMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InferenceServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// InferenceClient returns pipeline errors (see FromStatus), not raw
// statuses.
type InferenceClient interface {
	Manifest(ctx context.Context, in *ManifestRequest, opts ...grpc.CallOption) (*Manifest, error)
	Predict(ctx context.Context, in *PredictRequest, opts ...grpc.CallOption) (*PredictResponse, error)
	Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type inferenceClient struct {
	cc grpc.ClientConnInterface
}

func NewInferenceClient(cc grpc.ClientConnInterface) InferenceClient {
	return &inferenceClient{cc: cc}
}

func (c *inferenceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return FromStatus(err)
	}
	return nil
}

func (c *inferenceClient) Manifest(ctx context.Context, in *ManifestRequest, opts ...grpc.CallOption) (*Manifest, error) {
	out := new(Manifest)
	if err := c.invoke(ctx, manifestMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *inferenceClient) Predict(ctx context.Context, in *PredictRequest, opts ...grpc.CallOption) (*PredictResponse, error) {
	out := new(PredictResponse)
	if err := c.invoke(ctx, predictMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *inferenceClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.invoke(ctx, healthMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
