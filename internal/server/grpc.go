// Package server exposes the guess operations over gRPC (JSON codec) and
// HTTP/JSON, with bearer-token authentication and health endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/sdrdh/guessgame/internal/identity"
	"github.com/sdrdh/guessgame/internal/observability"
)

const ServiceName = "guessgame.v1.GuessService"

func unaryHandler[Req any, Resp any](method string, call func(GuessServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GuessServiceServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(GuessServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

var guessServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GuessServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("PlaceGuess", GuessServiceServer.PlaceGuess),
		unaryHandler("GetUser", GuessServiceServer.GetUser),
		unaryHandler("GetActiveGuess", GuessServiceServer.GetActiveGuess),
		unaryHandler("GetGuessHistory", GuessServiceServer.GetGuessHistory),
	},
	Streams: []grpc.StreamDesc{},
}

// Deps holds what the servers need.
type Deps struct {
	Engine   Engine
	Verifier TokenVerifier
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// Server runs the gRPC server and the HTTP/JSON gateway.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	healthSrv  *health.Server
	grpcAddr   string
	httpAddr   string
	service    *guessService
	deps       Deps
}

func New(grpcAddr, httpAddr string, deps Deps) *Server {
	s := &Server{
		grpcAddr:  grpcAddr,
		httpAddr:  httpAddr,
		service:   &guessService{engine: deps.Engine},
		healthSrv: health.NewServer(),
		deps:      deps,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.metricsInterceptor, s.authInterceptor))
	s.grpcServer.RegisterService(&guessServiceDesc, s.service)

	healthpb.RegisterHealthServer(s.grpcServer, s.healthSrv)
	s.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(s.grpcServer)

	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// GRPCServer exposes the underlying server, e.g. to serve on a test listener.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// SetNotServing flips the gRPC health status ahead of shutdown.
func (s *Server) SetNotServing() {
	s.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.deps.Logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP/JSON gateway until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.deps.Logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
		return handler(ctx, req)
	}
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			header = v[0]
		}
	}
	userID, err := s.deps.Verifier.Verify(identity.BearerToken(header))
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := handler(identity.WithUserID(ctx, userID), req)
	return resp, toStatus(err)
}

func (s *Server) metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
	start := time.Now()
	resp, err := handler(ctx, req)
	s.deps.Metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		s.deps.Metrics.RequestErrors.WithLabelValues(method, status.Code(err).String()).Inc()
	}
	return resp, err
}
