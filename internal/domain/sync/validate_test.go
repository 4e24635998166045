package sync

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanges_Validate(t *testing.T) {
	obj := json.RawMessage(`{"a":1}`)

	tests := []struct {
		name    string
		changes Changes
		wantErr string
	}{
		{
			name:    "valid",
			changes: Changes{EntityTodo: {Updated: []Entity{{ClientID: "a", Data: obj}}, Deleted: []string{"b"}}},
		},
		{
			name:    "unknown type",
			changes: Changes{"journal": {Updated: []Entity{{ClientID: "a", Data: obj}}}},
			wantErr: "unknown entity type",
		},
		{
			name:    "missing client id",
			changes: Changes{EntityIdea: {Updated: []Entity{{Data: obj}}}},
			wantErr: "without client id",
		},
		{
			name:    "client id too long",
			changes: Changes{EntityIdea: {Deleted: []string{strings.Repeat("x", 256)}}},
			wantErr: "longer than",
		},
		{
			name:    "updated and deleted",
			changes: Changes{EntityIdea: {Updated: []Entity{{ClientID: "a", Data: obj}}, Deleted: []string{"a"}}},
			wantErr: "both updated and deleted",
		},
		{
			name:    "duplicate update",
			changes: Changes{EntityIdea: {Updated: []Entity{{ClientID: "a", Data: obj}, {ClientID: "a", Data: obj}}}},
			wantErr: "listed twice",
		},
		{
			name:    "data is not an object",
			changes: Changes{EntityCapture: {Updated: []Entity{{ClientID: "a", Data: json.RawMessage(`[1,2]`)}}}},
			wantErr: "not a JSON object",
		},
		{
			name:    "empty data",
			changes: Changes{EntityCapture: {Updated: []Entity{{ClientID: "a"}}}},
			wantErr: "empty data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.changes.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseEntityTypes(t *testing.T) {
	types, err := ParseEntityTypes(" todo,idea,todo ")
	require.NoError(t, err)
	assert.Equal(t, []EntityType{EntityTodo, EntityIdea}, types)
	assert.Equal(t, "todo,idea", JoinEntityTypes(types))

	types, err = ParseEntityTypes("")
	require.NoError(t, err)
	assert.Nil(t, types)

	_, err = ParseEntityTypes("todo,journal")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEntity_SameContent(t *testing.T) {
	a := Entity{Status: StatusActive, Data: json.RawMessage(`{"a":1,"b":[1,2]}`)}
	b := Entity{Status: StatusActive, Data: json.RawMessage(`{"b":[1,2],"a":1}`)}
	c := Entity{Status: StatusActive, Data: json.RawMessage(`{"a":2}`)}

	assert.True(t, a.SameContent(b))
	assert.False(t, a.SameContent(c))
	assert.False(t, a.SameContent(Entity{Status: StatusDeleted}))
	assert.True(t, Entity{Status: StatusDeleted}.SameContent(Entity{Status: StatusDeleted, Data: json.RawMessage(`{}`)}))
}
