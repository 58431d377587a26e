package remote

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/backend/wire"
	"github.com/ekisa-team/latentmorph/internal/tensor"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "latentmorph.v1.Autoencoder"

	methodLoad     = "/" + ServiceName + "/Load"
	methodEncode   = "/" + ServiceName + "/Encode"
	methodDecode   = "/" + ServiceName + "/Decode"
	methodRelease  = "/" + ServiceName + "/Release"
	methodDescribe = "/" + ServiceName + "/Describe"
)

// AutoencoderServer is the server API for the autoencoder service.
type AutoencoderServer interface {
	Load(context.Context, *wire.LoadRequest) (*wire.Empty, error)
	Encode(context.Context, *wire.TensorMessage) (*wire.LatentMessage, error)
	Decode(context.Context, *wire.TensorMessage) (*wire.TensorMessage, error)
	Release(context.Context, *wire.Empty) (*wire.Empty, error)
	Describe(context.Context, *wire.Empty) (*wire.DeviceList, error)
}

// Register registers srv on s.
func Register(s grpc.ServiceRegistrar, srv AutoencoderServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AutoencoderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Load", Handler: unary(methodLoad, AutoencoderServer.Load)},
		{MethodName: "Encode", Handler: unary(methodEncode, AutoencoderServer.Encode)},
		{MethodName: "Decode", Handler: unary(methodDecode, AutoencoderServer.Decode)},
		{MethodName: "Release", Handler: unary(methodRelease, AutoencoderServer.Release)},
		{MethodName: "Describe", Handler: unary(methodDescribe, AutoencoderServer.Describe)},
	},
	Metadata: "latentmorph/v1/autoencoder.proto",
}

// unary adapts a typed server method to a grpc.MethodDesc handler.
func unary[Req any, Resp any, PReq interface {
	*Req
	wire.Message
}](fullMethod string, call func(AutoencoderServer, context.Context, PReq) (Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return call(srv.(AutoencoderServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AutoencoderServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Service exposes a backend.Autoencoder over gRPC.
type Service struct {
	ae      backend.Autoencoder
	devices func(context.Context) ([]backend.DeviceInfo, error)
}

// NewService wraps ae. devices answers Describe when ae is not a backend.DeviceReporter.
func NewService(ae backend.Autoencoder, devices func(context.Context) ([]backend.DeviceInfo, error)) *Service {
	if r, ok := ae.(backend.DeviceReporter); ok {
		devices = r.Devices
	}
	return &Service{ae: ae, devices: devices}
}

// Load implements AutoencoderServer.
func (s *Service) Load(ctx context.Context, req *wire.LoadRequest) (*wire.Empty, error) {
	prec, err := tensor.ParsePrecision(req.Precision)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	err = s.ae.Load(ctx, backend.ModelSpec{
		Path:      req.Path,
		Subfolder: req.Subfolder,
		Device:    req.Device,
		Precision: prec,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	slog.Info("Model loaded", "path", req.Path, "subfolder", req.Subfolder, "device", req.Device, "precision", prec)
	return &wire.Empty{}, nil
}

// Encode implements AutoencoderServer.
func (s *Service) Encode(ctx context.Context, req *wire.TensorMessage) (*wire.LatentMessage, error) {
	img, err := req.Tensor()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	dist, err := s.ae.Encode(ctx, img)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &wire.LatentMessage{Mean: wire.NewTensorMessage(dist.Mean)}
	if dist.LogVar != nil {
		resp.LogVar = wire.NewTensorMessage(dist.LogVar)
	}
	return resp, nil
}

// Decode implements AutoencoderServer.
func (s *Service) Decode(ctx context.Context, req *wire.TensorMessage) (*wire.TensorMessage, error) {
	z, err := req.Tensor()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	img, err := s.ae.Decode(ctx, z)
	if err != nil {
		return nil, toStatus(err)
	}
	return wire.NewTensorMessage(img), nil
}

// Release implements AutoencoderServer.
func (s *Service) Release(ctx context.Context, _ *wire.Empty) (*wire.Empty, error) {
	if r, ok := s.ae.(backend.Releaser); ok {
		if err := r.Release(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	return &wire.Empty{}, nil
}

// Describe implements AutoencoderServer.
func (s *Service) Describe(ctx context.Context, _ *wire.Empty) (*wire.DeviceList, error) {
	resp := &wire.DeviceList{}
	if s.devices == nil {
		return resp, nil
	}

	devices, err := s.devices(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	for _, d := range devices {
		resp.Devices = append(resp.Devices, &wire.DeviceMessage{
			Name:        d.Name,
			Kind:        d.Kind,
			Accelerated: d.Accelerated,
			MemoryBytes: d.MemoryBytes,
		})
	}
	return resp, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, backend.ErrBadShape), errors.Is(err, tensor.ErrShapeMismatch), errors.Is(err, tensor.ErrInvalidShape):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, backend.ErrNotLoaded):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}

	switch status.Code(err) {
	case codes.FailedPrecondition:
		return errors.Join(backend.ErrNotLoaded, err)
	case codes.InvalidArgument:
		return errors.Join(backend.ErrBadShape, err)
	}
	return err
}
