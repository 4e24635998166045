package health

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// Path опрашивает клиент при проверке доступности, поэтому он остается публичным
const Path = "/api/v1/health"

func (h *Handler) healthCheckOp() huma.Operation {
	return huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        Path,
		Summary:     "Liveness and database check",
		Description: "Returns OK when the server accepts sync requests. Responds 503 when the store is unreachable.",
		Tags:        []string{"health"},
		Errors:      []int{http.StatusServiceUnavailable},
		Middlewares: h.middleware,
	}
}
