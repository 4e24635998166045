package sync

// Decision - итог сравнения входящей записи с сохраненной.
type Decision int

const (
	DecisionInsert Decision = iota
	DecisionOverwrite
	DecisionConflict
	DecisionNoop
)

func (d Decision) String() string {
	switch d {
	case DecisionInsert:
		return "insert"
	case DecisionOverwrite:
		return "overwrite"
	case DecisionConflict:
		return "conflict"
	case DecisionNoop:
		return "noop"
	}
	return "unknown"
}

// Resolve разрешает конфликт в пользу сервера. Запись конфликтует, если
// сохраненная версия менялась после последнего pull клиента. Запись с тем же
// содержимым ничего не меняет, поэтому повторно отправленный пакет ничего не коммитит.
func Resolve(existing *Entity, incoming Entity, lastPulledAt int64) Decision {
	if existing == nil {
		if incoming.Status == StatusDeleted {
			return DecisionNoop
		}
		return DecisionInsert
	}
	if existing.SameContent(incoming) {
		return DecisionNoop
	}
	if existing.LastModifiedAt > lastPulledAt {
		return DecisionConflict
	}
	return DecisionOverwrite
}
