package sync

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("owner is not authenticated")
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("record not found")
	ErrSyncInProgress  = errors.New("sync already in progress")
)

// Kind классифицирует ошибки синхронизации.
type Kind string

const (
	KindNetwork    Kind = "network_error"
	KindTimeout    Kind = "timeout"
	KindAuth       Kind = "auth_error"
	KindValidation Kind = "validation_error"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// Op называет шаг синхронизации, на котором произошла ошибка.
type Op string

const (
	OpPull       Op = "pull"
	OpPush       Op = "push"
	OpScan       Op = "scan"
	OpApply      Op = "apply"
	OpCheckpoint Op = "checkpoint"
	OpStatus     Op = "status"
)

// Error - классифицированная ошибка синхронизации.
type Error struct {
	Op   Op
	Kind Kind
	// Status - HTTP статус, если ошибку вернул сервер.
	Status int
	Err    error
}

func NewError(op Op, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable равен true для временных ошибок транспорта.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout
}

type retryable interface {
	Retryable() bool
}

// IsRetryable сообщает, может ли повторная попытка завершиться успешно.
// Решает самая внешняя ошибка в цепочке, которая знает свою повторяемость.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// KindOf классифицирует err. Неклассифицированные ошибки считаются внутренними.
func KindOf(err error) Kind {
	var se *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnauthenticated):
		return KindAuth
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}
