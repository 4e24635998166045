package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"

	"pensieve/internal/domain/sync"
)

var ErrNoToken = fmt.Errorf("%w: no token stored, run `pensieve auth set-token`", sync.ErrUnauthenticated)

// TokenProvider выдает bearer токен для запросов синхронизации.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Session - TokenProvider, токен которого можно сбросить после того,
// как сервер его отверг.
type Session interface {
	TokenProvider
	Invalidate() error
}

// StaticToken всегда возвращает один и тот же токен.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

func (StaticToken) Invalidate() error {
	return nil
}

// FileTokenStore хранит токен в файле, доступном только владельцу.
type FileTokenStore struct {
	mu   gosync.Mutex
	path string
}

func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

func (s *FileTokenStore) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

func (s *FileTokenStore) Save(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// Invalidate удаляет сохраненный токен. Отсутствие файла не ошибка.
func (s *FileTokenStore) Invalidate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}
