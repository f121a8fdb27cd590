package relaysync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestMapper(t *testing.T) *Mapper {
	t.Helper()
	mapper, err := LoadMappingFile("testdata/mappings.yaml")
	require.NoError(t, err)
	return mapper
}

func sampleTaskRecord() CanonicalRecord {
	return CanonicalRecord{
		EntityType: "task",
		Fields: map[string]any{
			"title":  "Write release notes",
			"status": "open",
			"points": 3.0,
			"done":   false,
			"due":    time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC),
			"tags":   []string{"docs", "release"},
			"notes":  "remember the changelog",
		},
	}
}

func TestLoadMappingFile(t *testing.T) {
	mapper := loadTestMapper(t)

	assert.Equal(t, []string{"task", "person"}, mapper.EntityTypes())
	table, ok := mapper.Collection(StoreRelational, "task")
	require.True(t, ok)
	assert.Equal(t, "tasks", table)
	_, ok = mapper.Collection(StoreWorkspace, "person")
	assert.False(t, ok)

	entityType, ok := mapper.EntityForCollection(StoreWorkspace, "0123456789ABCDEF0123456789ABCDEF")
	require.True(t, ok)
	assert.Equal(t, "task", entityType)
	entityType, ok = mapper.EntityForCollection(StoreGraph, "Person")
	require.True(t, ok)
	assert.Equal(t, "person", entityType)

	_, err := mapper.Entity("invoice")
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestParseMappingsRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"missing entities": `{}`,
		"bad coercion": `
entities:
  - name: task
    collections: {relational: tasks}
    fields:
      - {canonical: title, coercion: blob, relational: {field: title}}`,
		"unknown key": `
entities:
  - name: task
    collections: {relational: tasks}
    extra: true
    fields:
      - {canonical: title, coercion: text}`,
		"unsafe table": `
entities:
  - name: task
    collections: {relational: "tasks; drop"}
    fields:
      - {canonical: title, coercion: text}`,
		"duplicate entity": `
entities:
  - name: task
    collections: {relational: tasks}
    fields: [{canonical: title, coercion: text}]
  - name: task
    collections: {relational: tasks2}
    fields: [{canonical: title, coercion: text}]`,
		"shared collection": `
entities:
  - name: task
    collections: {relational: tasks}
    fields: [{canonical: title, coercion: text}]
  - name: chore
    collections: {relational: tasks}
    fields: [{canonical: title, coercion: text}]`,
		"duplicate field": `
entities:
  - name: task
    collections: {relational: tasks}
    fields:
      - {canonical: title, coercion: text}
      - {canonical: title, coercion: number}`,
		"not yaml": "entities: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMappings([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestTranslateNormalizeRoundTrip(t *testing.T) {
	mapper := loadTestMapper(t)
	record := sampleTaskRecord()

	for _, store := range []StoreKind{StoreRelational, StoreWorkspace} {
		t.Run(store.String(), func(t *testing.T) {
			payload, err := mapper.Translate(record, store)
			require.NoError(t, err)
			back, err := mapper.Normalize(payload, store, "task")
			require.NoError(t, err)
			assert.Equal(t, Fingerprint(record.Fields), Fingerprint(back.Fields))
			assert.Equal(t, record.Fields["tags"], back.Fields["tags"])
			due, ok := back.Fields["due"].(time.Time)
			require.True(t, ok)
			assert.True(t, due.Equal(record.Fields["due"].(time.Time)))
		})
	}
}

func TestTranslateDropsUnmappedFields(t *testing.T) {
	mapper := loadTestMapper(t)
	payload, err := mapper.Translate(sampleTaskRecord(), StoreGraph)
	require.NoError(t, err)

	assert.NotContains(t, payload, "notes")
	assert.Equal(t, []string{"docs", "release"}, payload["tags"])
	assert.IsType(t, time.Time{}, payload["due"])
}

func TestTranslateSkipsAbsentFields(t *testing.T) {
	mapper := loadTestMapper(t)
	payload, err := mapper.Translate(CanonicalRecord{EntityType: "task", Fields: map[string]any{"title": "Only title"}}, StoreWorkspace)
	require.NoError(t, err)
	assert.Len(t, payload, 1)
	assert.Equal(t, map[string]any{"title": richText("Only title")}, payload["Name"])
}

func TestTranslateWorkspaceShapes(t *testing.T) {
	mapper := loadTestMapper(t)
	payload, err := mapper.Translate(sampleTaskRecord(), StoreWorkspace)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"select": map[string]any{"name": "open"}}, payload["Status"])
	assert.Equal(t, map[string]any{"number": 3.0}, payload["Points"])
	assert.Equal(t, map[string]any{"checkbox": false}, payload["Done"])
	assert.Equal(t, map[string]any{"date": map[string]any{"start": "2026-04-01T09:30:00Z"}}, payload["Due"])
	assert.Equal(t, map[string]any{"multi_select": []any{
		map[string]any{"name": "docs"},
		map[string]any{"name": "release"},
	}}, payload["Tags"])
}

func TestNormalizeCoercesRelationalValues(t *testing.T) {
	mapper := loadTestMapper(t)
	record, err := mapper.Normalize(NativePayload{
		"title":  "From SQL",
		"points": "7",
		"done":   "true",
		"due_at": "2026-04-01",
		"tags":   "a, b",
		"other":  "ignored",
	}, StoreRelational, "task")
	require.NoError(t, err)

	assert.Equal(t, 7.0, record.Fields["points"])
	assert.Equal(t, true, record.Fields["done"])
	assert.Equal(t, []string{"a", "b"}, record.Fields["tags"])
	assert.NotContains(t, record.Fields, "other")
	assert.NotContains(t, record.Fields, "status")
}

func TestNormalizeRejectsBadValues(t *testing.T) {
	mapper := loadTestMapper(t)
	_, err := mapper.Normalize(NativePayload{"points": "many"}, StoreRelational, "task")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNormalizeWorkspaceUnknownTypeFallsBackToText(t *testing.T) {
	mapper := loadTestMapper(t)
	record, err := mapper.Normalize(NativePayload{
		"Notes": map[string]any{"type": "formula", "formula": map[string]any{"type": "string", "string": "computed"}},
	}, StoreWorkspace, "task")
	require.NoError(t, err)
	assert.Equal(t, "computed", record.Fields["notes"])
}

func TestWorkspacePropertyValue(t *testing.T) {
	assert.Equal(t, 4.0, WorkspacePropertyValue(map[string]any{"number": 4.0}))
	assert.Equal(t, "Hi", WorkspacePropertyValue(map[string]any{"title": richText("Hi")}))
	assert.Equal(t, []any{"x"}, WorkspacePropertyValue(map[string]any{"multi_select": []any{map[string]any{"name": "x"}}}))
	assert.Nil(t, WorkspacePropertyValue(map[string]any{"select": nil}))
}

func TestFingerprintIsStableAndContentSensitive(t *testing.T) {
	a := map[string]any{"title": "x", "points": 1.0, "tags": []string{"a"}}
	b := map[string]any{"tags": []string{"a"}, "points": 1.0, "title": "x"}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b["points"] = 2.0
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(map[string]any{"title": "1"}), Fingerprint(map[string]any{"title": 1.0}))
}
