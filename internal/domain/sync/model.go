package sync

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"time"
)

// Status - состояние записи. Удаленные записи остаются надгробиями.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Resolution описывает, как был разрешен конфликт.
type Resolution string

const ResolutionServerWins Resolution = "server_wins"

// Priority - подсказка о срочности, которую клиент передает в запросе.
type Priority string

const (
	PriorityLow  Priority = "low"
	PriorityHigh Priority = "high"
)

// Direction обмена в журнале синхронизации.
type Direction string

const (
	DirectionPull  Direction = "pull"
	DirectionPush  Direction = "push"
	DirectionCycle Direction = "cycle"
)

// LogStatus - итог, сохраняемый в записи журнала.
type LogStatus string

const (
	LogStatusOK     LogStatus = "ok"
	LogStatusFailed LogStatus = "failed"
)

// Entity - синхронизируемая запись. ClientID - естественный ключ, выбранный
// устройством-источником, ID назначает сервер.
type Entity struct {
	ID             string          `json:"id,omitempty" doc:"Server assigned identifier"`
	ClientID       string          `json:"clientId" minLength:"1" maxLength:"255" doc:"Client generated identifier"`
	OwnerID        string          `json:"-"`
	Type           EntityType      `json:"type,omitempty"`
	Data           json.RawMessage `json:"data,omitempty" doc:"Opaque JSON object"`
	Status         Status          `json:"status,omitempty" enum:"active,deleted"`
	LastModifiedAt int64           `json:"lastModifiedAt" doc:"Server logical timestamp of the last change"`
}

// SameContent сообщает, совпадают ли у версий статус и JSON документ.
func (e Entity) SameContent(other Entity) bool {
	if e.Status != other.Status {
		return false
	}
	if e.Status == StatusDeleted {
		return true
	}
	return jsonEqual(e.Data, other.Data)
}

func jsonEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// ChangeSet хранит изменения одного типа сущности.
type ChangeSet struct {
	Updated []Entity `json:"updated"`
	Deleted []string `json:"deleted" doc:"Client identifiers of deleted records"`
}

// Len считает обновленные и удаленные записи.
func (c ChangeSet) Len() int {
	return len(c.Updated) + len(c.Deleted)
}

// Changes - формат обмена pull и push, ключ - тип сущности.
type Changes map[EntityType]ChangeSet

// Count возвращает число записей по всем типам.
func (c Changes) Count() int {
	n := 0
	for _, cs := range c {
		n += cs.Len()
	}
	return n
}

// Types возвращает присутствующие типы в стабильном порядке.
func (c Changes) Types() []EntityType {
	types := make([]EntityType, 0, len(c))
	for t := range c {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Normalize заменяет nil срезы пустыми, чтобы они кодировались как [].
func (c Changes) Normalize() Changes {
	out := make(Changes, len(c))
	for t, cs := range c {
		if cs.Updated == nil {
			cs.Updated = []Entity{}
		}
		if cs.Deleted == nil {
			cs.Deleted = []string{}
		}
		out[t] = cs
	}
	return out
}

// Conflict сообщается, когда сервер оставляет свою версию записи.
type Conflict struct {
	Entity     EntityType `json:"entity"`
	RecordID   string     `json:"recordId"`
	Resolution Resolution `json:"resolution"`
}

// Checkpoint - позиция синхронизации устройства. Оба значения - логическое время сервера.
type Checkpoint struct {
	LastPulledAt int64 `json:"lastPulledAt"`
	LastPushedAt int64 `json:"lastPushedAt"`
}

// LogEntry - неизменяемая запись об одном обмене pull или push.
type LogEntry struct {
	ID         int64     `json:"id"`
	OwnerID    string    `json:"ownerId"`
	Direction  Direction `json:"direction"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Records    int       `json:"records"`
	Conflicts  int       `json:"conflicts"`
	Status     LogStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// TypeCount хранит число записей владельца по типам.
type TypeCount struct {
	Active  int `json:"active"`
	Deleted int `json:"deleted"`
}

// OwnerStatus - сводка серверного состояния одного владельца.
type OwnerStatus struct {
	Clock    int64                    `json:"clock" doc:"Latest logical timestamp issued for the owner"`
	Counts   map[EntityType]TypeCount `json:"counts"`
	LastSync *LogEntry                `json:"lastSync,omitempty"`
}
