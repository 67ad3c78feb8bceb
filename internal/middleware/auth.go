package middleware

import (
	"context"
	"strings"

	"connectrpc.com/connect"

	"github.com/mmynk/ledgersync/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// ActorIDKey is the context key for storing the authenticated actor ID.
const ActorIDKey contextKey = "actor_id"

// GetActorID extracts the actor ID from the context.
// Returns empty string if not found.
func GetActorID(ctx context.Context) string {
	actorID, _ := ctx.Value(ActorIDKey).(string)
	return actorID
}

// WithActorID returns a context carrying actorID.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

// bearerToken parses "Bearer <token>" from an Authorization header value.
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", auth.ErrMissingToken
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", auth.ErrInvalidToken
	}
	return parts[1], nil
}

type requireAuth struct {
	jwtManager *auth.JWTManager
	public     map[string]bool
}

// RequireAuth returns an interceptor that validates the actor token on
// every handler call except the listed public procedures, and adds the
// actor ID to the request context.
func RequireAuth(jwtManager *auth.JWTManager, publicProcedures ...string) connect.Interceptor {
	public := make(map[string]bool, len(publicProcedures))
	for _, p := range publicProcedures {
		public[p] = true
	}
	return &requireAuth{jwtManager: jwtManager, public: public}
}

func (a *requireAuth) authenticate(ctx context.Context, procedure, header string) (context.Context, error) {
	if a.public[procedure] {
		return ctx, nil
	}
	tokenString, err := bearerToken(header)
	if err != nil {
		return nil, connect.NewError(connect.CodeUnauthenticated, err)
	}
	claims, err := a.jwtManager.Validate(tokenString)
	if err != nil {
		return nil, connect.NewError(connect.CodeUnauthenticated, err)
	}
	return WithActorID(ctx, claims.ActorID), nil
}

func (a *requireAuth) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		ctx, err := a.authenticate(ctx, req.Spec().Procedure, req.Header().Get("Authorization"))
		if err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

func (a *requireAuth) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (a *requireAuth) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		ctx, err := a.authenticate(ctx, conn.Spec().Procedure, conn.RequestHeader().Get("Authorization"))
		if err != nil {
			return err
		}
		return next(ctx, conn)
	}
}

type bearer struct {
	token func() string
}

// BearerToken returns a client interceptor that sends the current token in
// the Authorization header. Calls go out without one while token returns "".
func BearerToken(token func() string) connect.Interceptor {
	return &bearer{token: token}
}

func (b *bearer) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if t := b.token(); t != "" && req.Spec().IsClient {
			req.Header().Set("Authorization", "Bearer "+t)
		}
		return next(ctx, req)
	}
}

func (b *bearer) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return func(ctx context.Context, spec connect.Spec) connect.StreamingClientConn {
		conn := next(ctx, spec)
		if t := b.token(); t != "" {
			conn.RequestHeader().Set("Authorization", "Bearer "+t)
		}
		return conn
	}
}

func (b *bearer) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}
