package sync

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

var bearer = []map[string][]string{{"bearer": {}}}

func (h *Handler) pullOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-pull",
		Method:      http.MethodGet,
		Path:        "/sync/pull",
		Summary:     "Pull changes",
		Description: "Returns the owner's records changed after lastPulledAt, ordered by logical timestamp",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) pushOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-push",
		Method:      http.MethodPost,
		Path:        "/sync/push",
		Summary:     "Push changes",
		Description: "Applies a batch atomically with server-wins conflict resolution and returns the changes the client has not seen",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) statusOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Sync status",
		Description: "Returns the owner's logical clock, record counts and last exchange",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) logsOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-logs",
		Method:      http.MethodGet,
		Path:        "/sync/logs",
		Summary:     "Sync log",
		Description: "Returns the owner's most recent pull and push exchanges",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}
