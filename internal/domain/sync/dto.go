package sync

// PullRequest запрашивает все изменения после LastPulledAt.
type PullRequest struct {
	LastPulledAt int64
	Entities     []EntityType
	Limit        int
}

type PullResponse struct {
	Changes   Changes `json:"changes"`
	Timestamp int64   `json:"timestamp" doc:"Checkpoint the client stores once the page is applied"`
	HasMore   bool    `json:"hasMore" doc:"The page was truncated by the limit"`
}

type PushRequest struct {
	LastPulledAt int64   `json:"lastPulledAt" minimum:"0" doc:"Client checkpoint the changes were made against"`
	Changes      Changes `json:"changes"`
}

// PushResponse несет изменения сервера после чекпоинта запроса,
// чтобы клиент мог пропустить следующий pull.
type PushResponse struct {
	Changes   Changes    `json:"changes"`
	Timestamp int64      `json:"timestamp"`
	HasMore   bool       `json:"hasMore"`
	Conflicts []Conflict `json:"conflicts"`
}
