package sync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const maxClientIDLength = 255

// Validate проверяет отправленные изменения. Любое нарушение отклоняет весь пакет.
func (c Changes) Validate() error {
	for _, t := range c.Types() {
		if err := t.Validate(); err != nil {
			return err
		}
		cs := c[t]

		updated := make(map[string]struct{}, len(cs.Updated))
		for _, e := range cs.Updated {
			if err := validateClientID(t, e.ClientID); err != nil {
				return err
			}
			if _, dup := updated[e.ClientID]; dup {
				return fmt.Errorf("%w: %s %q listed twice in updated", ErrValidation, t, e.ClientID)
			}
			updated[e.ClientID] = struct{}{}

			if err := validateData(e.Data); err != nil {
				return fmt.Errorf("%w: %s %q: %s", ErrValidation, t, e.ClientID, err)
			}
		}

		deleted := make(map[string]struct{}, len(cs.Deleted))
		for _, id := range cs.Deleted {
			if err := validateClientID(t, id); err != nil {
				return err
			}
			if _, dup := deleted[id]; dup {
				return fmt.Errorf("%w: %s %q listed twice in deleted", ErrValidation, t, id)
			}
			if _, both := updated[id]; both {
				return fmt.Errorf("%w: %s %q is both updated and deleted", ErrValidation, t, id)
			}
			deleted[id] = struct{}{}
		}
	}
	return nil
}

func validateClientID(t EntityType, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s record without client id", ErrValidation, t)
	}
	if len(id) > maxClientIDLength {
		return fmt.Errorf("%w: %s client id longer than %d", ErrValidation, t, maxClientIDLength)
	}
	return nil
}

func validateData(data json.RawMessage) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errors.New("empty data")
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return errors.New("data is not a JSON object")
	}
	return nil
}
