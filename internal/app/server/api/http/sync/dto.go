package sync

import (
	"pensieve/internal/domain/sync"
)

type pullInput struct {
	LastPulledAt int64  `query:"lastPulledAt" minimum:"0" doc:"Checkpoint returned by the previous pull"`
	Entities     string `query:"entities" doc:"Comma separated entity types, all types when empty" example:"todo,idea"`
	Limit        int    `query:"limit" minimum:"0" doc:"Page size, server default when zero"`
	Priority     string `header:"X-Sync-Priority" enum:"low,high" doc:"Scheduling hint"`
}

type pullOutput struct {
	Body sync.PullResponse
}

type pushInput struct {
	Priority string `header:"X-Sync-Priority" enum:"low,high" doc:"Scheduling hint"`
	Body     sync.PushRequest
}

type pushOutput struct {
	Body sync.PushResponse
}

type statusInput struct{}

type statusOutput struct {
	Body sync.OwnerStatus
}

type logsInput struct {
	Limit int `query:"limit" minimum:"0" doc:"Maximum number of entries, newest first"`
}

type logsOutput struct {
	Body struct {
		Logs []sync.LogEntry `json:"logs"`
	}
}
