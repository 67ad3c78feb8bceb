package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/ledgersync/internal/auth"
	"github.com/mmynk/ledgersync/internal/metrics"
	"github.com/mmynk/ledgersync/internal/middleware"
)

// Server exposes a Service over Connect.
type Server struct {
	svc        *Service
	jwtManager *auth.JWTManager
	authn      auth.Authenticator
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewServer creates the Connect handlers. authn may be nil, in which case
// Register and Login are unimplemented and tokens must be minted out of band.
func NewServer(svc *Service, jwtManager *auth.JWTManager, authn auth.Authenticator, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, jwtManager: jwtManager, authn: authn, logger: logger, metrics: m}
}

// Handler returns an http.Handler serving every procedure under ServicePath.
func (s *Server) Handler() http.Handler {
	opts := []connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(
			middleware.RequireAuth(s.jwtManager, RegisterProcedure, LoginProcedure),
			middleware.LoggingInterceptor(s.logger),
		),
	}

	mux := http.NewServeMux()
	mux.Handle(PushProcedure, connect.NewUnaryHandler(PushProcedure, s.Push, opts...))
	mux.Handle(FetchSinceProcedure, connect.NewUnaryHandler(FetchSinceProcedure, s.FetchSince, opts...))
	mux.Handle(SubscribeProcedure, connect.NewServerStreamHandler(SubscribeProcedure, s.Subscribe, opts...))
	mux.Handle(RegisterProcedure, connect.NewUnaryHandler(RegisterProcedure, s.Register, opts...))
	mux.Handle(LoginProcedure, connect.NewUnaryHandler(LoginProcedure, s.Login, opts...))
	return mux
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRecord):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// Push stores one record. The record's actor must be the token's actor.
func (s *Server) Push(ctx context.Context, req *connect.Request[PushRequest]) (*connect.Response[PushResponse], error) {
	actorID := middleware.GetActorID(ctx)
	s.logger.Info("Push request received",
		"group_id", req.Msg.GroupID,
		"actor_id", req.Msg.ActorID,
		"bytes", len(req.Msg.UpdateData),
	)

	if req.Msg.ActorID != actorID {
		return nil, connect.NewError(connect.CodePermissionDenied,
			errors.New("record actor does not match the authenticated actor"))
	}

	rec, err := s.svc.Push(ctx, recordFromPush(req.Msg))
	if err != nil {
		s.logger.Error("Push failed", "group_id", req.Msg.GroupID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&PushResponse{Record: rec}), nil
}

// FetchSince lists records after a timestamp.
func (s *Server) FetchSince(ctx context.Context, req *connect.Request[FetchSinceRequest]) (*connect.Response[FetchSinceResponse], error) {
	s.logger.Debug("FetchSince request received",
		"group_id", req.Msg.GroupID,
		"since", req.Msg.Since,
		"limit", req.Msg.Limit,
	)

	records, err := s.svc.FetchSince(ctx, req.Msg.GroupID, req.Msg.Since, req.Msg.Limit)
	if err != nil {
		s.logger.Error("FetchSince failed", "group_id", req.Msg.GroupID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&FetchSinceResponse{Records: records}), nil
}

// Subscribe streams records of the requested groups until the client goes
// away. The first message is an empty ready marker.
func (s *Server) Subscribe(ctx context.Context, req *connect.Request[SubscribeRequest], stream *connect.ServerStream[SubscribeResponse]) error {
	s.logger.Info("Subscribe request received", "groups", req.Msg.GroupIDs)

	ch, cancel, err := s.svc.Subscribe(ctx, req.Msg.GroupIDs)
	if err != nil {
		return toConnectError(err)
	}
	defer cancel()

	s.metrics.AddRelaySubscribers(1)
	defer s.metrics.AddRelaySubscribers(-1)

	if err := stream.Send(&SubscribeResponse{}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(&SubscribeResponse{Record: rec}); err != nil {
				return err
			}
		}
	}
}

// Register binds a device secret to a new actor and returns its first token.
func (s *Server) Register(ctx context.Context, req *connect.Request[CredentialsRequest]) (*connect.Response[TokenResponse], error) {
	s.logger.Info("Register request received", "actor_id", req.Msg.ActorID)
	if s.authn == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("registration is disabled"))
	}

	if err := s.authn.Register(ctx, req.Msg.ActorID, req.Msg.Secret); err != nil {
		switch {
		case errors.Is(err, auth.ErrActorExists):
			return nil, connect.NewError(connect.CodeAlreadyExists, err)
		case errors.Is(err, auth.ErrWeakSecret), errors.Is(err, auth.ErrInvalidCredentials):
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		default:
			s.logger.Error("Register failed", "actor_id", req.Msg.ActorID, "error", err)
			return nil, connect.NewError(connect.CodeInternal, err)
		}
	}
	return s.issue(req.Msg.ActorID)
}

// Login exchanges a device secret for a token.
func (s *Server) Login(ctx context.Context, req *connect.Request[CredentialsRequest]) (*connect.Response[TokenResponse], error) {
	s.logger.Info("Login request received", "actor_id", req.Msg.ActorID)
	if s.authn == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("login is disabled"))
	}

	if err := s.authn.Authenticate(ctx, req.Msg.ActorID, req.Msg.Secret); err != nil {
		return nil, connect.NewError(connect.CodeUnauthenticated, err)
	}
	return s.issue(req.Msg.ActorID)
}

func (s *Server) issue(actorID string) (*connect.Response[TokenResponse], error) {
	token, err := s.jwtManager.Generate(actorID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&TokenResponse{Token: token}), nil
}
