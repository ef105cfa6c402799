package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/state"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "derivledger.v1.DerivativeService"

// jsonCodec lets the service run without generated protobuf types. Clients
// select it with grpc.CallContentSubtype("json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type ContractRequest struct {
	ContractID string `json:"contract_id"`
}

type StorageResponse struct {
	Storage *state.DerivativeStorage `json:"storage"`
}

type SubmitRequest struct {
	ContractID string          `json:"contract_id"`
	Op         string          `json:"op"`
	Body       json.RawMessage `json:"body"`
}

type SubmitResponse struct {
	Sequence  int64          `json:"sequence"`
	StateHash string         `json:"state_hash"`
	Notices   []event.Notice `json:"notices"`
}

func newSubmitResponse(res *core.Result) *SubmitResponse {
	return &SubmitResponse{
		Sequence:  res.Sequence,
		StateHash: hex.EncodeToString(res.StateHash[:]),
		Notices:   res.Notices,
	}
}

// DerivativeServer is the server API of DerivativeService.
type DerivativeServer interface {
	GetStorage(context.Context, *ContractRequest) (*StorageResponse, error)
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	Calc(context.Context, *ContractRequest) (*core.CalcBundle, error)
}

var derivativeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DerivativeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStorage", Handler: getStorageHandler},
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "Calc", Handler: calcHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "derivledger/v1/derivative.json",
}

func getStorageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ContractRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DerivativeServer).GetStorage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetStorage"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DerivativeServer).GetStorage(ctx, req.(*ContractRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DerivativeServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Submit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DerivativeServer).Submit(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func calcHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ContractRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DerivativeServer).Calc(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Calc"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DerivativeServer).Calc(ctx, req.(*ContractRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// derivativeService implements DerivativeServer over the registry.
type derivativeService struct {
	deps Deps
}

func (s *derivativeService) GetStorage(ctx context.Context, req *ContractRequest) (*StorageResponse, error) {
	act, err := s.deps.Registry.Get(req.ContractID)
	if err != nil {
		return nil, err
	}
	st, err := act.Storage(ctx)
	if err != nil {
		return nil, err
	}
	return &StorageResponse{Storage: st}, nil
}

func (s *derivativeService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	res, err := s.deps.Admin.InjectCall(ctx, req.ContractID, req.Op, req.Body)
	if err != nil {
		return nil, err
	}
	return newSubmitResponse(res), nil
}

func (s *derivativeService) Calc(ctx context.Context, req *ContractRequest) (*core.CalcBundle, error) {
	act, err := s.deps.Registry.Get(req.ContractID)
	if err != nil {
		return nil, err
	}
	b, err := act.CalcAll(ctx)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// statusInterceptor turns domain errors into gRPC statuses and logs calls.
func statusInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			if _, ok := status.FromError(err); !ok {
				_, code := classify(err)
				err = status.Error(code, err.Error())
			}
		}
		logger.Debug().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("elapsed", time.Since(start)).
			Msg("grpc call")
		return resp, err
	}
}

// GRPCServer serves DerivativeService and the standard health service.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	log        zerolog.Logger
}

func NewGRPCServer(addr string, deps Deps) *GRPCServer {
	s := grpc.NewServer(grpc.UnaryInterceptor(statusInterceptor(deps.Logger)))
	s.RegisterService(&derivativeServiceDesc, &derivativeService{deps: deps})

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &GRPCServer{grpcServer: s, health: hs, addr: addr, log: deps.Logger}
}

// Start listens on the configured address and blocks until ctx is done.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs on lis until ctx is cancelled, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// DerivativeClient is a thin client for DerivativeService.
type DerivativeClient struct {
	cc grpc.ClientConnInterface
}

func NewDerivativeClient(cc grpc.ClientConnInterface) *DerivativeClient {
	return &DerivativeClient{cc: cc}
}

func (c *DerivativeClient) invoke(ctx context.Context, method string, in, out interface{}) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype("json"))
}

func (c *DerivativeClient) GetStorage(ctx context.Context, contractID string) (*state.DerivativeStorage, error) {
	out := new(StorageResponse)
	if err := c.invoke(ctx, "GetStorage", &ContractRequest{ContractID: contractID}, out); err != nil {
		return nil, err
	}
	return out.Storage, nil
}

func (c *DerivativeClient) Submit(ctx context.Context, contractID, op string, body json.RawMessage) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	if err := c.invoke(ctx, "Submit", &SubmitRequest{ContractID: contractID, Op: op, Body: body}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DerivativeClient) Calc(ctx context.Context, contractID string) (*core.CalcBundle, error) {
	out := new(core.CalcBundle)
	if err := c.invoke(ctx, "Calc", &ContractRequest{ContractID: contractID}, out); err != nil {
		return nil, err
	}
	return out, nil
}
