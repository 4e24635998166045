package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/exp/slog"

	"pensieve/internal/app/client/config"
	"pensieve/internal/domain/sync"
)

const (
	PriorityHeader = "X-Sync-Priority"

	pullPath   = "/sync/pull"
	pushPath   = "/sync/push"
	statusPath = "/sync/status"
	healthPath = "/api/v1/health"

	maxErrorBody = 4 << 10
)

// Transport передает наборы изменений между устройством и сервером.
type Transport interface {
	Pull(ctx context.Context, req sync.PullRequest, priority sync.Priority) (*sync.PullResponse, error)
	Push(ctx context.Context, req sync.PushRequest, priority sync.Priority) (*sync.PushResponse, error)
	HealthCheck(ctx context.Context) error
}

type httpClient struct {
	client    *http.Client
	log       *slog.Logger
	baseURL   string
	tokens    TokenProvider
	userAgent string
}

func NewHTTPClient(cfg *config.Config, tokens TokenProvider, log *slog.Logger) (*httpClient, error) {
	base, err := url.Parse(cfg.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", cfg.ServerAddress, err)
	}

	client := &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 10,
		},
	}

	return &httpClient{
		client:    client,
		log:       log,
		baseURL:   base.String(),
		tokens:    tokens,
		userAgent: "Pensieve-Client/1.0",
	}, nil
}

// HealthCheck не требует авторизации и только проверяет, что сервер отвечает.
func (h *httpClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return h.transportError(ctx, sync.OpStatus, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &sync.Error{Op: sync.OpStatus, Kind: sync.KindNetwork, Status: resp.StatusCode,
			Err: fmt.Errorf("server unhealthy")}
	}
	return nil
}

func (h *httpClient) Pull(ctx context.Context, pr sync.PullRequest, priority sync.Priority) (*sync.PullResponse, error) {
	q := url.Values{}
	q.Set("lastPulledAt", strconv.FormatInt(pr.LastPulledAt, 10))
	if pr.Limit > 0 {
		q.Set("limit", strconv.Itoa(pr.Limit))
	}
	if len(pr.Entities) > 0 {
		q.Set("entities", sync.JoinEntityTypes(pr.Entities))
	}

	var out sync.PullResponse
	if err := h.do(ctx, sync.OpPull, http.MethodGet, pullPath+"?"+q.Encode(), priority, nil, &out); err != nil {
		return nil, err
	}
	if out.Changes == nil {
		out.Changes = sync.Changes{}
	}
	return &out, nil
}

func (h *httpClient) Push(ctx context.Context, pr sync.PushRequest, priority sync.Priority) (*sync.PushResponse, error) {
	var out sync.PushResponse
	if err := h.do(ctx, sync.OpPush, http.MethodPost, pushPath, priority, pr, &out); err != nil {
		return nil, err
	}
	if out.Changes == nil {
		out.Changes = sync.Changes{}
	}
	return &out, nil
}

// Status получает сводку владельца с сервера.
func (h *httpClient) Status(ctx context.Context) (*sync.OwnerStatus, error) {
	var out sync.OwnerStatus
	if err := h.do(ctx, sync.OpStatus, http.MethodGet, statusPath, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *httpClient) do(ctx context.Context, op sync.Op, method, path string, priority sync.Priority, body, result any) error {
	token, err := h.tokens.Token(ctx)
	if err != nil {
		return sync.NewError(op, sync.KindAuth, err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return sync.NewError(op, sync.KindInternal, fmt.Errorf("marshal request: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return sync.NewError(op, sync.KindInternal, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if priority != "" {
		req.Header.Set(PriorityHeader, string(priority))
	}

	h.log.Debug("sending request", slog.String("method", method), slog.String("path", path),
		slog.String("priority", string(priority)))

	resp, err := h.client.Do(req)
	if err != nil {
		return h.transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return h.statusError(op, resp)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return h.transportError(ctx, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// transportError классифицирует ошибки ниже уровня HTTP. Отмененный вызов
// получает обратно ошибку своего контекста.
func (h *httpClient) transportError(ctx context.Context, op sync.Op, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return sync.NewError(op, sync.KindTimeout, err)
	}
	return sync.NewError(op, sync.KindNetwork, err)
}

// problem - тело ошибки, которое пишет сервер.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Error  string `json:"error"`
}

func (h *httpClient) statusError(op sync.Op, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := http.StatusText(resp.StatusCode)
	var p problem
	if json.Unmarshal(body, &p) == nil {
		switch {
		case p.Detail != "":
			msg = p.Detail
		case p.Error != "":
			msg = p.Error
		case p.Title != "":
			msg = p.Title
		}
	}

	h.log.Debug("server rejected request", slog.Int("status", resp.StatusCode), slog.String("message", msg))

	e := &sync.Error{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = sync.KindAuth
		e.Err = fmt.Errorf("%w: %s", sync.ErrUnauthenticated, msg)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		e.Kind = sync.KindValidation
		e.Err = fmt.Errorf("%w: %s", sync.ErrValidation, msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		e.Kind = sync.KindNetwork
	case resp.StatusCode == http.StatusRequestTimeout:
		e.Kind = sync.KindTimeout
	default:
		e.Kind = sync.KindInternal
	}
	return e
}
