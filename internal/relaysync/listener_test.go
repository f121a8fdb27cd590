package relaysync_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/stores"
)

const taskDatabaseID = "01234567-89ab-cdef-0123-456789abcdef"

type channelFeed struct {
	changes chan relaysync.RowChange
}

func (f channelFeed) Subscribe(context.Context) (<-chan relaysync.RowChange, error) {
	return f.changes, nil
}

type listenerFixture struct {
	listener  *relaysync.Listener
	workspace *stores.MemoryAdapter
	bus       *relaysync.EventBus
	now       time.Time
}

func newListenerFixture(t *testing.T, feed relaysync.ChangeFeed) *listenerFixture {
	t.Helper()
	mapper, err := relaysync.LoadMappingFile("testdata/mappings.yaml")
	require.NoError(t, err)
	logger, _ := logtest.NewNullLogger()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	workspace := stores.NewMemoryAdapter(relaysync.StoreWorkspace, stores.WithClock(func() time.Time { return now }))
	bus := relaysync.NewEventBus(relaysync.EventBusOptions{Logger: logger})
	listener := relaysync.NewListener(relaysync.ListenerOptions{
		Mapper:    mapper,
		Workspace: workspace,
		Feed:      feed,
		Bus:       bus,
		Logger:    logger,
		Now:       func() time.Time { return now },
	})
	return &listenerFixture{listener: listener, workspace: workspace, bus: bus, now: now}
}

func (f *listenerFixture) next(t *testing.T) relaysync.ChangeEvent {
	t.Helper()
	select {
	case event := <-f.listener.Events():
		return event
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
		return relaysync.ChangeEvent{}
	}
}

func webhook(event, pageID, parent string) relaysync.WorkspaceWebhook {
	return relaysync.WorkspaceWebhook{
		Object: "page",
		Event:  event,
		Page:   relaysync.WebhookPage{ID: pageID, Parent: json.RawMessage(parent)},
	}
}

func TestListenerRowChange(t *testing.T) {
	f := newListenerFixture(t, nil)
	modified := time.Date(2026, 6, 30, 9, 0, 0, 0, time.FixedZone("CEST", 2*3600))

	emitted, err := f.listener.HandleRowChange(context.Background(), relaysync.RowChange{
		Table:      "tasks",
		Operation:  relaysync.OpUpdate,
		NativeID:   "row-1",
		ModifiedAt: modified,
		Row:        relaysync.NativePayload{"title": "From SQL"},
	})
	require.NoError(t, err)

	event := f.next(t)
	assert.Equal(t, emitted.ID, event.ID)
	assert.Equal(t, "task", event.EntityType)
	assert.Equal(t, relaysync.StoreRelational, event.StoreKind)
	assert.Equal(t, relaysync.OriginRealtime, event.Origin)
	assert.Equal(t, 1, event.Attempt)
	assert.Equal(t, modified.UTC(), event.ObservedAt)
	assert.Equal(t, "From SQL", event.Payload["title"])

	captured := f.bus.History(relaysync.HistoryQuery{Type: relaysync.EventChangeCaptured})
	require.Len(t, captured, 1)
	assert.Equal(t, event.ID, captured[0].ChangeEventID)
}

func TestListenerRowChangeRejects(t *testing.T) {
	f := newListenerFixture(t, nil)
	_, err := f.listener.HandleRowChange(context.Background(), relaysync.RowChange{Table: "invoices", NativeID: "1", Operation: relaysync.OpCreate})
	assert.ErrorIs(t, err, relaysync.ErrUnmapped)

	_, err = f.listener.HandleRowChange(context.Background(), relaysync.RowChange{Table: "tasks", Operation: relaysync.OpCreate})
	assert.ErrorIs(t, err, relaysync.ErrInvalidInput)
	assert.Empty(t, f.bus.History(relaysync.HistoryQuery{}))
}

func TestListenerWorkspaceWebhookFetchesPage(t *testing.T) {
	f := newListenerFixture(t, nil)
	edited := time.Date(2026, 6, 29, 8, 0, 0, 0, time.UTC)
	f.workspace.Put("task", relaysync.NativeRecord{
		NativeID:       "page-1",
		Properties:     relaysync.NativePayload{"Status": map[string]any{"select": map[string]any{"name": "open"}}},
		LastModifiedAt: edited,
	})

	cases := map[string]struct {
		event  string
		parent string
		op     relaysync.Operation
	}{
		"string parent": {event: "page.properties_updated", parent: `"` + taskDatabaseID + `"`, op: relaysync.OpUpdate},
		"object parent": {event: "page.created", parent: `{"type":"database_id","database_id":"0123456789abcdef0123456789abcdef"}`, op: relaysync.OpCreate},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.listener.HandleWorkspaceWebhook(context.Background(), webhook(tc.event, "page-1", tc.parent))
			require.NoError(t, err)
			event := f.next(t)
			assert.Equal(t, "task", event.EntityType)
			assert.Equal(t, relaysync.StoreWorkspace, event.StoreKind)
			assert.Equal(t, "page-1", event.NativeID)
			assert.Equal(t, tc.op, event.Operation)
			assert.Equal(t, relaysync.OriginWebhook, event.Origin)
			assert.Equal(t, edited, event.ObservedAt)
			assert.Contains(t, event.Payload, "Status")
		})
	}
}

func TestListenerWorkspaceWebhookDeletes(t *testing.T) {
	f := newListenerFixture(t, nil)
	f.workspace.Put("task", relaysync.NativeRecord{NativeID: "page-archived", Archived: true, Properties: relaysync.NativePayload{}})
	parent := `"` + taskDatabaseID + `"`

	_, err := f.listener.HandleWorkspaceWebhook(context.Background(), webhook("page.updated", "page-archived", parent))
	require.NoError(t, err)
	assert.Equal(t, relaysync.OpDelete, f.next(t).Operation)

	_, err = f.listener.HandleWorkspaceWebhook(context.Background(), webhook("page.deleted", "page-gone", parent))
	require.NoError(t, err)
	gone := f.next(t)
	assert.Equal(t, relaysync.OpDelete, gone.Operation)
	assert.Equal(t, f.now, gone.ObservedAt)
	assert.Equal(t, "page.deleted", gone.Meta["webhookEvent"])
}

func TestListenerWorkspaceWebhookRejects(t *testing.T) {
	f := newListenerFixture(t, nil)
	ctx := context.Background()

	_, err := f.listener.HandleWorkspaceWebhook(ctx, webhook("page.updated", "page-1", `"ffffffffffffffffffffffffffffffff"`))
	assert.ErrorIs(t, err, relaysync.ErrUnmapped)

	_, err = f.listener.HandleWorkspaceWebhook(ctx, relaysync.WorkspaceWebhook{Object: "database", Page: relaysync.WebhookPage{ID: "db-1"}})
	assert.ErrorIs(t, err, relaysync.ErrUnmapped)

	_, err = f.listener.HandleWorkspaceWebhook(ctx, webhook("page.updated", "", `"`+taskDatabaseID+`"`))
	assert.ErrorIs(t, err, relaysync.ErrInvalidInput)

	f.workspace.FailNext(stores.OpFetch, nil, 1)
	_, err = f.listener.HandleWorkspaceWebhook(ctx, webhook("page.updated", "page-1", `"`+taskDatabaseID+`"`))
	require.Error(t, err)
	assert.Equal(t, relaysync.ErrorClassTransient, relaysync.ClassifyError(err))
	assert.Empty(t, f.bus.History(relaysync.HistoryQuery{}))
}

func TestListenerRunForwardsFeedUntilClosed(t *testing.T) {
	feed := channelFeed{changes: make(chan relaysync.RowChange, 2)}
	f := newListenerFixture(t, feed)

	done := make(chan error, 1)
	go func() { done <- f.listener.Run(context.Background()) }()

	feed.changes <- relaysync.RowChange{Table: "people", Operation: relaysync.OpCreate, NativeID: "p-1"}
	feed.changes <- relaysync.RowChange{Table: "unmapped", Operation: relaysync.OpCreate, NativeID: "x"}
	event := f.next(t)
	assert.Equal(t, "person", event.EntityType)
	assert.Equal(t, f.now, event.ObservedAt)

	close(feed.changes)
	require.NoError(t, <-done)
	_, open := <-f.listener.Events()
	assert.False(t, open)

	_, err := f.listener.HandleRowChange(context.Background(), relaysync.RowChange{Table: "tasks", Operation: relaysync.OpUpdate, NativeID: "late"})
	assert.ErrorIs(t, err, relaysync.ErrEngineStopped)
}

func TestWebhookPageParentID(t *testing.T) {
	assert.Equal(t, "abc", relaysync.WebhookPage{Parent: json.RawMessage(`" abc "`)}.ParentID())
	assert.Equal(t, "def", relaysync.WebhookPage{Parent: json.RawMessage(`{"type":"data_source_id","data_source_id":"def"}`)}.ParentID())
	assert.Empty(t, relaysync.WebhookPage{Parent: json.RawMessage(`null`)}.ParentID())
	assert.Empty(t, relaysync.WebhookPage{}.ParentID())
}
