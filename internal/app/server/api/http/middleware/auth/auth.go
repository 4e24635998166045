package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

type Auth struct {
	secret []byte
	log    *slog.Logger
}

func New(secret []byte, log *slog.Logger) *Auth {
	return &Auth{
		secret: secret,
		log:    log.With(slog.String("component", "auth_middleware")),
	}
}

type contextKey string

const OwnerIDKey contextKey = "ownerID"

// Middleware отклоняет запросы без валидного bearer токена и кладет
// id владельца в контекст запроса
func (a *Auth) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		header := ctx.Header("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			a.log.Warn("missing bearer token", slog.String("path", ctx.URL().Path))
			a.unauthorized(ctx)
			return
		}

		ownerID, err := ParseToken(token, a.secret)
		if err != nil {
			a.log.Warn("token rejected", slog.String("path", ctx.URL().Path), slog.String("error", err.Error()))
			a.unauthorized(ctx)
			return
		}

		next(huma.WithContext(ctx, WithOwnerID(ctx.Context(), ownerID)))
	}
}

func (a *Auth) unauthorized(ctx huma.Context) {
	ctx.SetHeader("Content-Type", "application/json")
	ctx.SetHeader("WWW-Authenticate", "Bearer")
	ctx.SetStatus(http.StatusUnauthorized)
	err := json.NewEncoder(ctx.BodyWriter()).Encode(map[string]any{
		"title":  http.StatusText(http.StatusUnauthorized),
		"status": http.StatusUnauthorized,
		"detail": "a valid bearer token is required",
	})
	if err != nil {
		a.log.Error("failed to write unauthorized response", slog.String("error", err.Error()))
	}
}

func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, OwnerIDKey, ownerID)
}

func GetOwnerID(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(OwnerIDKey).(string)
	return ownerID, ok && ownerID != ""
}
