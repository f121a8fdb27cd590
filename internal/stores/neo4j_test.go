package stores

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func TestClassifyNeo4jError(t *testing.T) {
	cases := map[string]relaysync.ErrorClass{
		"Neo.ClientError.Security.Unauthorized":           relaysync.ErrorClassAuth,
		"Neo.ClientError.Statement.SyntaxError":           relaysync.ErrorClassValidation,
		"Neo.TransientError.Transaction.DeadlockDetected": relaysync.ErrorClassTransient,
		"Neo.DatabaseError.General.UnknownError":          relaysync.ErrorClassTransient,
	}
	for code, want := range cases {
		err := classifyNeo4jError(OpUpsert, &neo4j.Neo4jError{Code: code, Msg: "boom"})
		assert.Equal(t, want, relaysync.ClassifyError(err), code)
	}
}

func TestGraphValueNormalizesDriverTypes(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, graphValue([]any{"a", "b"}))
	assert.Equal(t, 4.0, graphValue(int64(4)))
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, ts, graphTime(ts))
	assert.True(t, graphTime("not a time").IsZero())
}

func TestNeo4jAdapterRejectsUnsafeLabel(t *testing.T) {
	adapter := &Neo4jAdapter{collections: staticCollections{relaysync.StoreGraph: {"task": "Task) DETACH DELETE n //"}}}
	_, err := adapter.FetchByID(context.Background(), "task", "n1")
	assert.Equal(t, relaysync.ErrorClassValidation, relaysync.ClassifyError(err))
}

// Requires RELAYSYNC_TEST_NEO4J_URI (and optionally _USER/_PASSWORD) pointing at a
// disposable database.
func TestNeo4jAdapterRoundTrip(t *testing.T) {
	uri := os.Getenv("RELAYSYNC_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("RELAYSYNC_TEST_NEO4J_URI not set")
	}
	ctx := context.Background()
	adapter, err := NewNeo4jAdapter(Neo4jOptions{
		URI:         uri,
		Username:    os.Getenv("RELAYSYNC_TEST_NEO4J_USER"),
		Password:    os.Getenv("RELAYSYNC_TEST_NEO4J_PASSWORD"),
		Collections: testCollections,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close(ctx) })
	require.NoError(t, adapter.HealthCheck(ctx))
	require.NoError(t, adapter.EnsureSchema(ctx, []string{"task"}))
	_, err = adapter.run(ctx, "cleanup", neo4j.AccessModeWrite, "MATCH (n:`Task`) DETACH DELETE n", nil)
	require.NoError(t, err)

	created, err := adapter.Upsert(ctx, "task", "", relaysync.NativePayload{"title": "Graph", "tags": []string{"x"}})
	require.NoError(t, err)
	assert.True(t, created.Created)

	again, err := adapter.Upsert(ctx, "task", created.NativeID, relaysync.NativePayload{"title": "Graph"})
	require.NoError(t, err)
	assert.False(t, again.Changed)

	record, err := adapter.FetchByID(ctx, "task", created.NativeID)
	require.NoError(t, err)
	assert.Equal(t, "Graph", record.Properties["title"])
	assert.Equal(t, []string{"x"}, record.Properties["tags"])

	require.NoError(t, adapter.Archive(ctx, "task", created.NativeID))
	records, err := adapter.QueryChangedSince(ctx, "task", relaysync.ChangeQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Archived)
}
