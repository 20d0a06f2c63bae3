package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"PerpRisk/internal/observability"
	"PerpRisk/internal/query"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// CodecName is the gRPC content-subtype the services speak. Messages are
// plain Go structs encoded as JSON; clients call with
// grpc.CallContentSubtype(CodecName).
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const (
	QueryServiceName  = "perprisk.query.v1.QueryService"
	IngestServiceName = "perprisk.ingest.v1.IngestService"
	AdminServiceName  = "perprisk.admin.v1.AdminService"
)

// QueryServer is the read side of the risk engine.
type QueryServer interface {
	GetAccount(context.Context, *GetAccountRequest) (*query.AccountResponse, error)
	ListAccounts(context.Context, *ListAccountsRequest) (*ListAccountsResponse, error)
	GetMargin(context.Context, *GetMarginRequest) (*query.MarginInfo, error)
	GetTotals(context.Context, *GetTotalsRequest) (*query.TotalsResponse, error)
	ListCrankActions(context.Context, *ListCrankActionsRequest) (*ListCrankActionsResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
}

// IngestServer accepts commands for the command stream.
type IngestServer interface {
	SubmitCommand(context.Context, *SubmitCommandRequest) (*SubmitCommandResponse, error)
}

// AdminServer exposes log inspection and integrity checks.
type AdminServer interface {
	GetEventLogInfo(context.Context, *GetEventLogInfoRequest) (*query.EventLogInfo, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(QueryServiceName, "GetAccount", (*API).GetAccount),
		unary(QueryServiceName, "ListAccounts", (*API).ListAccounts),
		unary(QueryServiceName, "GetMargin", (*API).GetMargin),
		unary(QueryServiceName, "GetTotals", (*API).GetTotals),
		unary(QueryServiceName, "ListCrankActions", (*API).ListCrankActions),
		unary(QueryServiceName, "ListJournals", (*API).ListJournals),
	},
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: IngestServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(IngestServiceName, "SubmitCommand", (*API).SubmitCommand),
	},
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminServiceName, "GetEventLogInfo", (*API).GetEventLogInfo),
		unary(AdminServiceName, "VerifyIntegrity", (*API).VerifyIntegrity),
	},
}

// unary adapts an API method to a gRPC method handler.
func unary[Req, Resp any](service, method string, call func(*API, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			api := srv.(*API)
			if interceptor == nil {
				return call(api, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(api, ctx, req.(*Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	httpHandler  http.Handler
	logger       zerolog.Logger
}

// ServerDeps holds all dependencies needed by the services.
type ServerDeps struct {
	API            *API
	HealthChecker  *observability.HealthChecker
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Logger         zerolog.Logger
}

// NewGRPCServer creates the gRPC server with all services registered and the
// HTTP handler that fronts the same API.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(metricsInterceptor(deps.Metrics, deps.Logger)),
	)

	grpcServer.RegisterService(&queryServiceDesc, deps.API)
	grpcServer.RegisterService(&ingestServiceDesc, deps.API)
	grpcServer.RegisterService(&adminServiceDesc, deps.API)

	// Health starts NOT_SERVING until recovery completes.
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		httpHandler:  NewHTTPHandler(deps.API, deps.HealthChecker, deps.MetricsHandler, deps.Logger),
		logger:       deps.Logger,
	}
}

// SetServing flips the gRPC health status.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	for _, svc := range []string{"", QueryServiceName, IngestServiceName, AdminServiceName} {
		s.healthServer.SetServingStatus(svc, st)
	}
}

// StartGRPC listens on the configured address and serves (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on lis until ctx is cancelled.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON API (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// metricsInterceptor records request counts, latency and error codes.
func metricsInterceptor(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		method := path.Base(info.FullMethod)
		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(method).Inc()
			metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.QueryErrors.WithLabelValues(method, status.Code(err).String()).Inc()
			}
		}
		if err != nil {
			logger.Debug().Err(err).Str("method", method).Msg("rpc failed")
		}
		return resp, err
	}
}
