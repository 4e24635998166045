package sync

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"pensieve/internal/app/server/api/http/middleware/auth"
	"pensieve/internal/domain/sync"
)

type Handler struct {
	service    sync.Servicer
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service sync.Servicer, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		log:        log.With(slog.String("component", "sync_handler")),
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.pullOp(), h.pull)
	huma.Register(api, h.pushOp(), h.push)
	huma.Register(api, h.statusOp(), h.status)
	huma.Register(api, h.logsOp(), h.logs)
}

func (h *Handler) pull(ctx context.Context, input *pullInput) (*pullOutput, error) {
	ownerID, ok := auth.GetOwnerID(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized(sync.ErrUnauthenticated.Error())
	}

	types, err := sync.ParseEntityTypes(input.Entities)
	if err != nil {
		return nil, h.toHTTPError(err)
	}

	resp, err := h.service.Pull(ctx, ownerID, sync.PullRequest{
		LastPulledAt: input.LastPulledAt,
		Entities:     types,
		Limit:        input.Limit,
	})
	if err != nil {
		return nil, h.toHTTPError(err)
	}
	return &pullOutput{Body: *resp}, nil
}

func (h *Handler) push(ctx context.Context, input *pushInput) (*pushOutput, error) {
	ownerID, ok := auth.GetOwnerID(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized(sync.ErrUnauthenticated.Error())
	}

	resp, err := h.service.Push(ctx, ownerID, input.Body)
	if err != nil {
		return nil, h.toHTTPError(err)
	}
	return &pushOutput{Body: *resp}, nil
}

func (h *Handler) status(ctx context.Context, _ *statusInput) (*statusOutput, error) {
	ownerID, ok := auth.GetOwnerID(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized(sync.ErrUnauthenticated.Error())
	}

	status, err := h.service.Status(ctx, ownerID)
	if err != nil {
		return nil, h.toHTTPError(err)
	}
	return &statusOutput{Body: *status}, nil
}

func (h *Handler) logs(ctx context.Context, input *logsInput) (*logsOutput, error) {
	ownerID, ok := auth.GetOwnerID(ctx)
	if !ok {
		return nil, huma.Error401Unauthorized(sync.ErrUnauthenticated.Error())
	}

	logs, err := h.service.Logs(ctx, ownerID, input.Limit)
	if err != nil {
		return nil, h.toHTTPError(err)
	}
	out := &logsOutput{}
	out.Body.Logs = logs
	if out.Body.Logs == nil {
		out.Body.Logs = []sync.LogEntry{}
	}
	return out, nil
}

func (h *Handler) toHTTPError(err error) error {
	switch {
	case errors.Is(err, sync.ErrValidation):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, sync.ErrUnauthenticated):
		return huma.Error401Unauthorized(err.Error())
	case errors.Is(err, context.Canceled):
		return huma.NewError(499, "client closed request")
	}
	h.log.Error("sync request failed", slog.String("error", err.Error()))
	return huma.Error500InternalServerError("internal error")
}
