// ABOUTME: gRPC front end exposing the same four methods with Struct params and Value results
// ABOUTME: Taxonomy errors travel as status codes with an ErrorInfo detail carrying the numeric code

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/comcenter/internal/rpcerr"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "comcenter.v1.ComCenter"

// ErrorDomain is the ErrorInfo domain attached to taxonomy errors.
const ErrorDomain = "comcenter"

// grpcMethods maps gRPC method names to the method table.
var grpcMethods = map[string]string{
	"Authenticate":   MethodAuthenticate,
	"GetMe":          MethodGetMe,
	"SendMessage":    MethodSendMessage,
	"ReceiveMessage": MethodReceiveMessage,
}

type comCenterServer interface {
	call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Value, error)
}

type grpcService struct {
	handler *Handler
	logger  *slog.Logger
}

// RegisterGRPC registers the ComCenter service on s.
func RegisterGRPC(s *grpc.Server, h *Handler, logger *slog.Logger) {
	s.RegisterService(serviceDesc(), &grpcService{
		handler: h,
		logger:  logger.With("component", "rpc-grpc"),
	})
}

func serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*comCenterServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "comcenter/v1/comcenter.proto",
	}
	for _, name := range []string{"Authenticate", "GetMe", "SendMessage", "ReceiveMessage"} {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(grpcMethods[name], "/"+ServiceName+"/"+name),
		})
	}
	return desc
}

func unaryHandler(method, fullMethod string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(comCenterServer)
		if interceptor == nil {
			return s.call(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return s.call(ctx, method, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func (s *grpcService) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Value, error) {
	params, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "params must be a JSON object")
	}

	client := "unknown"
	if p, ok := peer.FromContext(ctx); ok {
		client = clientKey(p.Addr)
	}

	result, err := s.handler.Invoke(ctx, TransportGRPC, client, method, params)
	if err != nil {
		return nil, statusError(err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("encoding result", "method", method, "error", err)
		return nil, status.Error(codes.Internal, "internal error")
	}
	out := new(structpb.Value)
	if err := protojson.Unmarshal(encoded, out); err != nil {
		s.logger.Error("converting result", "method", method, "error", err)
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

// grpcCode maps a taxonomy code onto the closest gRPC status code.
func grpcCode(c rpcerr.Code) codes.Code {
	switch c {
	case rpcerr.CodeBadRequest:
		return codes.InvalidArgument
	case rpcerr.CodeUserNotFound, rpcerr.CodeBadCredentials, rpcerr.CodeAuthFailed:
		return codes.Unauthenticated
	case rpcerr.CodeNetworkNotAuthorized:
		return codes.PermissionDenied
	case rpcerr.CodeNetworkInactive:
		return codes.FailedPrecondition
	case rpcerr.CodeConnectorError:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

func statusError(err error) error {
	if e, ok := rpcerr.As(err); ok {
		st := status.New(grpcCode(e.Code), e.Message)
		detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
			Reason:   e.Code.String(),
			Domain:   ErrorDomain,
			Metadata: map[string]string{"code": strconv.Itoa(int(e.Code))},
		})
		if derr != nil {
			return st.Err()
		}
		return detailed.Err()
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	case errors.Is(err, ErrMethodNotFound):
		return status.Error(codes.Unimplemented, "method not found")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// CodeFromError extracts the taxonomy code from a gRPC error returned by
// the ComCenter service.
func CodeFromError(err error) (rpcerr.Code, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		n, err := strconv.Atoi(info.GetMetadata()["code"])
		if err != nil {
			return 0, false
		}
		return rpcerr.Code(n), true
	}
	return 0, false
}

// GRPCClient calls the ComCenter service over an existing connection.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

// NewGRPCClient wraps conn.
func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// Call invokes a method by its JSON-RPC name with named params.
func (c *GRPCClient) Call(ctx context.Context, method string, params map[string]any) (*structpb.Value, error) {
	var name string
	for grpcName, m := range grpcMethods {
		if m == method {
			name = grpcName
		}
	}
	if name == "" {
		return nil, fmt.Errorf("unknown method %q", method)
	}

	in, err := structpb.NewStruct(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	out := new(structpb.Value)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+name, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
