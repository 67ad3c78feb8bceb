package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"connectrpc.com/connect"
)

type logging struct {
	logger *slog.Logger
}

// LoggingInterceptor returns a Connect interceptor that logs every RPC call
// and every stream. It logs the procedure name, actor ID, duration, and any
// error codes/messages.
func LoggingInterceptor(logger *slog.Logger) connect.Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &logging{logger: logger}
}

func (l *logging) log(ctx context.Context, procedure string, start time.Time, err error) {
	actorID := GetActorID(ctx) // empty if pre-auth
	duration := time.Since(start).Milliseconds()

	if err != nil {
		var connectErr *connect.Error
		if errors.As(err, &connectErr) {
			l.logger.Warn("RPC error",
				"procedure", procedure,
				"code", connectErr.Code(),
				"error", connectErr.Message(),
				"actor_id", actorID,
				"duration_ms", duration,
			)
		} else {
			l.logger.Error("RPC error",
				"procedure", procedure,
				"error", err,
				"actor_id", actorID,
				"duration_ms", duration,
			)
		}
		return
	}
	l.logger.Info("RPC ok",
		"procedure", procedure,
		"actor_id", actorID,
		"duration_ms", duration,
	)
}

func (l *logging) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		l.log(ctx, req.Spec().Procedure, start, err)
		return resp, err
	}
}

func (l *logging) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (l *logging) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		start := time.Now()
		l.logger.Info("Stream opened", "procedure", conn.Spec().Procedure, "actor_id", GetActorID(ctx))
		err := next(ctx, conn)
		l.log(ctx, conn.Spec().Procedure, start, err)
		return err
	}
}
