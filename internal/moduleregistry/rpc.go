package moduleregistry

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// serviceName/methodName identify the single loopback RPC every module
// exposes: a generic "invoke a named tool with a JSON-ish payload" call.
// Using google.golang.org/protobuf's well-known Struct type as both request
// and response avoids needing a module-specific .proto/codegen step while
// still running real protobuf wire encoding over a real gRPC connection.
const (
	serviceName = "nexuscore.moduleregistry.ModuleRPC"
	methodName  = "Invoke"
	fullMethod  = "/" + serviceName + "/" + methodName
)

// InvokeFunc handles one RPC call server-side: toolName plus JSON-decoded
// arguments in, a JSON-ish result map out.
type InvokeFunc func(ctx context.Context, toolName string, args map[string]any) (map[string]any, error)

func invokeHandler(impl InvokeFunc) func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			in := req.(*structpb.Struct).AsMap()
			toolName, _ := in["tool"].(string)
			args, _ := in["args"].(map[string]any)
			result, err := impl(ctx, toolName, args)
			if err != nil {
				return nil, err
			}
			out, err := structpb.NewStruct(result)
			if err != nil {
				return nil, err
			}
			return out, nil
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		return interceptor(ctx, req, &grpc.UnaryServerInfo{FullMethod: fullMethod}, handler)
	}
}

// serviceDesc builds the grpc.ServiceDesc for one module's RPC server.
func serviceDesc(impl InvokeFunc) grpc.ServiceDesc {
	return grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: methodName,
				Handler:    invokeHandler(impl),
			},
		},
	}
}

// RPCServer hosts the loopback gRPC server for one module's in-process side
// (used when the engine itself, rather than an external module process,
// answers invoke calls — e.g. in tests or for built-in modules).
type RPCServer struct {
	server *grpc.Server
}

// NewRPCServer constructs a gRPC server registered with impl as the sole
// service. Callers are responsible for calling Serve on a net.Listener.
func NewRPCServer(impl InvokeFunc) *RPCServer {
	s := grpc.NewServer()
	desc := serviceDesc(impl)
	s.RegisterService(&desc, nil)
	return &RPCServer{server: s}
}

// Server exposes the underlying *grpc.Server for Serve/GracefulStop.
func (s *RPCServer) Server() *grpc.Server { return s.server }

// ExtStatusCodeKey is a reserved key a module's Invoke handler may set in
// its result map to report the HTTP-equivalent status code it wants a
// caller to forward verbatim (e.g. a 402 from an x402 challenge it proxied
// through). Spec §4.5 point 5 / invariant 8 require the eventual
// /ext/{module}/{method} HTTP transport to preserve a module's status code
// exactly; that transport is out of scope here, but Invoke still surfaces
// the code as a distinct field rather than collapsing every response to an
// implicit 200, so nothing is lost for that transport to read later.
const ExtStatusCodeKey = "__ext_status_code"

// InvokeResult is what Invoke returns: the module's JSON-ish payload plus
// any status code it asked to have forwarded. StatusCode is 0 when the
// module didn't set one.
type InvokeResult struct {
	Data       map[string]any
	StatusCode int
}

// RPCClient calls a module's Invoke method over an established connection.
type RPCClient struct {
	conn *grpc.ClientConn
}

// NewRPCClient wraps an already-dialed loopback connection to a module.
func NewRPCClient(conn *grpc.ClientConn) *RPCClient {
	return &RPCClient{conn: conn}
}

// Invoke calls the module's tool named toolName with args and returns its
// JSON-ish result alongside any status code the module asked to surface.
func (c *RPCClient) Invoke(ctx context.Context, toolName string, args map[string]any) (*InvokeResult, error) {
	reqMap := map[string]any{"tool": toolName, "args": args}
	req, err := structpb.NewStruct(reqMap)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod, req, resp); err != nil {
		return nil, fmt.Errorf("invoke %s on module: %w", toolName, err)
	}
	data := resp.AsMap()
	statusCode := 0
	if raw, ok := data[ExtStatusCodeKey]; ok {
		if f, ok := raw.(float64); ok {
			statusCode = int(f)
		}
		delete(data, ExtStatusCodeKey)
	}
	return &InvokeResult{Data: data, StatusCode: statusCode}, nil
}
