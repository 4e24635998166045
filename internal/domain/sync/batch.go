package sync

import "encoding/json"

const DefaultBatchSize = 100

// Record - локально измененная строка, ожидающая push.
type Record struct {
	Type     EntityType
	ClientID string
	ServerID string
	Data     json.RawMessage
	Deleted  bool
	// Seq - локальный номер изменения. Он упорядочивает журнал и
	// выявляет правки, сделанные во время push.
	Seq int64
}

// Key идентифицирует запись на устройстве.
func (r Record) Key() RecordKey {
	return RecordKey{Type: r.Type, ClientID: r.ClientID}
}

// RecordKey - естественный ключ записи в пределах владельца.
type RecordKey struct {
	Type     EntityType
	ClientID string
}

// Chunk делит записи на идущие подряд группы не больше size записей,
// сохраняя порядок. При size <= 0 используется DefaultBatchSize.
func Chunk(records []Record, size int) [][]Record {
	if size <= 0 {
		size = DefaultBatchSize
	}
	chunks := make([][]Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunks = append(chunks, records[start:end])
	}
	return chunks
}

// Group приводит записи к виду для передачи, сгруппированному по типу сущности.
func Group(records []Record) Changes {
	out := make(Changes)
	for _, r := range records {
		cs := out[r.Type]
		if r.Deleted {
			cs.Deleted = append(cs.Deleted, r.ClientID)
		} else {
			cs.Updated = append(cs.Updated, Entity{
				ID:             r.ServerID,
				ClientID:       r.ClientID,
				Type:           r.Type,
				Data:           r.Data,
				Status:         StatusActive,
				LastModifiedAt: r.Seq,
			})
		}
		out[r.Type] = cs
	}
	return out.Normalize()
}

// Batch - это Chunk, а затем Group.
func Batch(records []Record, size int) []Changes {
	chunks := Chunk(records, size)
	batches := make([]Changes, len(chunks))
	for i, c := range chunks {
		batches[i] = Group(c)
	}
	return batches
}
