package sync

import (
	"fmt"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// EntityType - вид синхронизируемой записи.
type EntityType string

const (
	EntityCapture EntityType = "capture"
	EntityThought EntityType = "thought"
	EntityIdea    EntityType = "idea"
	EntityTodo    EntityType = "todo"
)

// EntityTypes перечисляет все типы в стабильном порядке.
var EntityTypes = []EntityType{EntityCapture, EntityThought, EntityIdea, EntityTodo}

func (EntityType) Schema(_ huma.Registry) *huma.Schema {
	enum := make([]any, 0, len(EntityTypes))
	for _, t := range EntityTypes {
		enum = append(enum, string(t))
	}
	return &huma.Schema{
		Type:        "string",
		Enum:        enum,
		Description: "Syncable entity type",
		Examples:    []any{string(EntityCapture)},
	}
}

// Validate возвращает ErrValidation для неизвестных типов.
func (t EntityType) Validate() error {
	switch t {
	case EntityCapture, EntityThought, EntityIdea, EntityTodo:
		return nil
	}
	return fmt.Errorf("%w: unknown entity type %q", ErrValidation, string(t))
}

func (t EntityType) String() string {
	return string(t)
}

// ParseEntityTypes разбирает фильтр через запятую. Пустая строка выбирает все типы.
func ParseEntityTypes(csv string) ([]EntityType, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}

	seen := make(map[EntityType]struct{})
	var types []EntityType
	for _, part := range strings.Split(csv, ",") {
		t := EntityType(strings.TrimSpace(part))
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	return types, nil
}

// JoinEntityTypes обратна ParseEntityTypes.
func JoinEntityTypes(types []EntityType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
