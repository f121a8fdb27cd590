package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RowChange is one notification from the relational change feed.
type RowChange struct {
	Table      string        `json:"table"`
	Operation  Operation     `json:"operation"`
	NativeID   string        `json:"id"`
	ModifiedAt time.Time     `json:"modifiedAt"`
	Row        NativePayload `json:"row,omitempty"`
}

// ChangeFeed streams relational row changes until ctx is done; the returned channel is
// closed when the subscription ends.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (<-chan RowChange, error)
}

// WorkspaceWebhook is the inbound notification sent by the workspace store. It carries
// identifiers only, so the page is fetched before an event is emitted.
type WorkspaceWebhook struct {
	Object string      `json:"object"`
	Event  string      `json:"event"`
	Page   WebhookPage `json:"page"`
}

type WebhookPage struct {
	ID     string          `json:"id"`
	Parent json.RawMessage `json:"parent,omitempty"`
}

// ParentID accepts either a bare id string or a parent object such as
// {"type":"database_id","database_id":"..."}.
func (p WebhookPage) ParentID() string {
	raw := strings.TrimSpace(string(p.Parent))
	if raw == "" || raw == "null" {
		return ""
	}
	var asString string
	if err := json.Unmarshal(p.Parent, &asString); err == nil {
		return strings.TrimSpace(asString)
	}
	var asObject map[string]any
	if err := json.Unmarshal(p.Parent, &asObject); err != nil {
		return ""
	}
	for _, key := range []string{"database_id", "data_source_id", "page_id", "id"} {
		if id, ok := asObject[key].(string); ok && strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

type ListenerOptions struct {
	Mapper     *Mapper
	Workspace  StoreAdapter
	Feed       ChangeFeed
	Bus        *EventBus
	Logger     logrus.FieldLogger
	Now        func() time.Time
	BufferSize int
}

// Listener normalizes relational row changes and workspace webhooks into one
// ChangeEvent stream. It keeps no state and never deduplicates.
type Listener struct {
	mapper    *Mapper
	workspace StoreAdapter
	feed      ChangeFeed
	bus       *EventBus
	logger    logrus.FieldLogger
	now       func() time.Time

	out       chan ChangeEvent
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewListener(opts ListenerOptions) *Listener {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	return &Listener{
		mapper:    opts.Mapper,
		workspace: opts.Workspace,
		feed:      opts.Feed,
		bus:       opts.Bus,
		logger:    opts.Logger,
		now:       opts.Now,
		out:       make(chan ChangeEvent, opts.BufferSize),
		done:      make(chan struct{}),
	}
}

func (l *Listener) Events() <-chan ChangeEvent {
	return l.out
}

// Run consumes the relational change feed until ctx is done or the feed ends, then closes
// the event stream. Without a feed it only waits for ctx, serving webhooks meanwhile.
func (l *Listener) Run(ctx context.Context) error {
	defer l.Close()
	if l.feed == nil {
		<-ctx.Done()
		return nil
	}
	changes, err := l.feed.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe relational change feed: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if _, err := l.HandleRowChange(ctx, change); err != nil && !errors.Is(err, ErrUnmapped) {
				l.logger.WithError(err).WithField("table", change.Table).Warn("dropping relational change")
			}
		}
	}
}

// Close stops accepting changes and closes the event stream once pending emits return.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.closed = true
		close(l.out)
		l.mu.Unlock()
	})
}

func (l *Listener) HandleRowChange(ctx context.Context, change RowChange) (ChangeEvent, error) {
	entityType, ok := l.mapper.EntityForCollection(StoreRelational, change.Table)
	if !ok {
		l.logger.WithField("table", change.Table).Debug("ignoring change for unmapped table")
		return ChangeEvent{}, fmt.Errorf("%w: table %q", ErrUnmapped, change.Table)
	}
	if strings.TrimSpace(change.NativeID) == "" {
		return ChangeEvent{}, fmt.Errorf("%w: row change without id", ErrInvalidInput)
	}
	observedAt := change.ModifiedAt
	if observedAt.IsZero() {
		observedAt = l.now()
	}
	event := ChangeEvent{
		ID:         uuid.NewString(),
		EntityType: entityType,
		StoreKind:  StoreRelational,
		NativeID:   change.NativeID,
		Operation:  change.Operation,
		Payload:    change.Row,
		ObservedAt: observedAt.UTC(),
		Origin:     OriginRealtime,
		Attempt:    1,
	}
	return event, l.emit(ctx, event)
}

// HandleWorkspaceWebhook resolves the page parent to an entity type, fetches the full page
// and emits it. Pages under unmapped parents return ErrUnmapped.
func (l *Listener) HandleWorkspaceWebhook(ctx context.Context, hook WorkspaceWebhook) (ChangeEvent, error) {
	if object := strings.TrimSpace(hook.Object); object != "" && object != "page" {
		return ChangeEvent{}, fmt.Errorf("%w: object %q", ErrUnmapped, object)
	}
	pageID := strings.TrimSpace(hook.Page.ID)
	if pageID == "" {
		return ChangeEvent{}, fmt.Errorf("%w: webhook page id is required", ErrInvalidInput)
	}
	parentID := hook.Page.ParentID()
	entityType, ok := l.mapper.EntityForCollection(StoreWorkspace, parentID)
	if !ok {
		return ChangeEvent{}, fmt.Errorf("%w: workspace parent %q", ErrUnmapped, parentID)
	}
	if l.workspace == nil {
		return ChangeEvent{}, fmt.Errorf("%w: %s", ErrNoAdapter, StoreWorkspace)
	}

	operation := webhookOperation(hook.Event)
	event := ChangeEvent{
		ID:         uuid.NewString(),
		EntityType: entityType,
		StoreKind:  StoreWorkspace,
		NativeID:   pageID,
		Operation:  operation,
		Origin:     OriginWebhook,
		Attempt:    1,
		Meta:       map[string]any{"webhookEvent": hook.Event},
	}
	page, err := l.workspace.FetchByID(ctx, entityType, pageID)
	switch {
	case err == nil:
		if page.NativeID != "" {
			event.NativeID = page.NativeID
		}
		event.Payload = page.Properties
		event.ObservedAt = page.LastModifiedAt
		if page.Archived {
			event.Operation = OpDelete
		}
	case errors.Is(err, ErrNotFound):
		event.Operation = OpDelete
	default:
		return ChangeEvent{}, fmt.Errorf("fetch workspace page %s: %w", pageID, err)
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = l.now()
	}
	event.ObservedAt = event.ObservedAt.UTC()
	return event, l.emit(ctx, event)
}

func webhookOperation(event string) Operation {
	name := strings.ToLower(strings.TrimSpace(event))
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	switch name {
	case "created", "create", "undeleted", "restored":
		return OpCreate
	case "deleted", "delete", "archived", "trashed":
		return OpDelete
	default:
		return OpUpdate
	}
}

func (l *Listener) emit(ctx context.Context, event ChangeEvent) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrEngineStopped
	}
	select {
	case l.out <- event:
	case <-l.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.bus != nil {
		l.bus.Publish(BusEvent{
			Type:          EventChangeCaptured,
			ChangeEventID: event.ID,
			EntityType:    event.EntityType,
			Store:         event.StoreKind,
			Data: map[string]any{
				"nativeId":  event.NativeID,
				"operation": event.Operation.String(),
				"origin":    event.Origin,
			},
		})
	}
	return nil
}
