package stores

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

// Operation names accepted by MemoryAdapter.FailNext and Calls.
const (
	OpFetch   = "fetch"
	OpQuery   = "query"
	OpUpsert  = "upsert"
	OpArchive = "archive"
	OpHealth  = "health"
)

type memoryRecord struct {
	entityType string
	record     relaysync.NativeRecord
}

type injectedFailure struct {
	err   error
	times int
}

// MemoryAdapter keeps native records in process. It backs the memory profile and tests,
// and can be told to fail upcoming calls.
type MemoryAdapter struct {
	kind  relaysync.StoreKind
	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	records  map[string]*memoryRecord
	failures map[string][]injectedFailure
	calls    map[string]int
}

type MemoryOption func(*MemoryAdapter)

func WithClock(now func() time.Time) MemoryOption {
	return func(a *MemoryAdapter) {
		a.now = now
	}
}

func WithIDGenerator(newID func() string) MemoryOption {
	return func(a *MemoryAdapter) {
		a.newID = newID
	}
}

func NewMemoryAdapter(kind relaysync.StoreKind, opts ...MemoryOption) *MemoryAdapter {
	adapter := &MemoryAdapter{
		kind:     kind,
		now:      time.Now,
		newID:    uuid.NewString,
		records:  map[string]*memoryRecord{},
		failures: map[string][]injectedFailure{},
		calls:    map[string]int{},
	}
	for _, opt := range opts {
		opt(adapter)
	}
	return adapter
}

func (a *MemoryAdapter) Kind() relaysync.StoreKind {
	return a.kind
}

// FailNext makes the next `times` calls of op return err.
func (a *MemoryAdapter) FailNext(op string, err error, times int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[op] = append(a.failures[op], injectedFailure{err: err, times: times})
}

// Calls reports how many times op was invoked, including failed calls.
func (a *MemoryAdapter) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// Put stores a record as if a user had written it directly to the store.
func (a *MemoryAdapter) Put(entityType string, record relaysync.NativeRecord) relaysync.NativeRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if record.NativeID == "" {
		record.NativeID = a.newID()
	}
	if record.LastModifiedAt.IsZero() {
		record.LastModifiedAt = a.now().UTC()
	}
	record.Properties = clonePayload(record.Properties)
	a.records[record.NativeID] = &memoryRecord{entityType: entityType, record: record}
	return cloneRecord(record)
}

// Get returns a copy of a stored record regardless of entity type.
func (a *MemoryAdapter) Get(nativeID string) (relaysync.NativeRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	stored, ok := a.records[nativeID]
	if !ok {
		return relaysync.NativeRecord{}, false
	}
	return cloneRecord(stored.record), true
}

// Len counts stored records of one entity type, archived ones included.
func (a *MemoryAdapter) Len(entityType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, stored := range a.records {
		if stored.entityType == entityType {
			count++
		}
	}
	return count
}

func (a *MemoryAdapter) FetchByID(_ context.Context, entityType, nativeID string) (relaysync.NativeRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(OpFetch); err != nil {
		return relaysync.NativeRecord{}, err
	}
	stored, ok := a.records[nativeID]
	if !ok || stored.entityType != entityType {
		return relaysync.NativeRecord{}, relaysync.NotFoundError(a.kind, OpFetch, nativeID)
	}
	return cloneRecord(stored.record), nil
}

func (a *MemoryAdapter) QueryChangedSince(_ context.Context, entityType string, query relaysync.ChangeQuery) ([]relaysync.NativeRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(OpQuery); err != nil {
		return nil, err
	}
	out := make([]relaysync.NativeRecord, 0)
	for _, stored := range a.records {
		if stored.entityType != entityType {
			continue
		}
		if !query.After(stored.record.LastModifiedAt, stored.record.NativeID) {
			continue
		}
		out = append(out, cloneRecord(stored.record))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModifiedAt.Equal(out[j].LastModifiedAt) {
			return out[i].LastModifiedAt.Before(out[j].LastModifiedAt)
		}
		return out[i].NativeID < out[j].NativeID
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// Upsert merges fields into the record. An empty nativeID creates a new record; an unknown
// nativeID is a not-found error. The modification time only moves when content changes.
func (a *MemoryAdapter) Upsert(_ context.Context, entityType, nativeID string, fields relaysync.NativePayload) (relaysync.UpsertResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(OpUpsert); err != nil {
		return relaysync.UpsertResult{}, err
	}
	now := a.now().UTC()
	if nativeID == "" {
		record := relaysync.NativeRecord{
			NativeID:       a.newID(),
			Properties:     clonePayload(fields),
			LastModifiedAt: now,
		}
		a.records[record.NativeID] = &memoryRecord{entityType: entityType, record: record}
		return relaysync.UpsertResult{NativeID: record.NativeID, Created: true, Changed: true, ModifiedAt: now}, nil
	}
	stored, ok := a.records[nativeID]
	if !ok || stored.entityType != entityType {
		return relaysync.UpsertResult{}, relaysync.NotFoundError(a.kind, OpUpsert, nativeID)
	}
	changed := stored.record.Archived
	merged := clonePayload(stored.record.Properties)
	for key, value := range fields {
		if current, present := merged[key]; !present || !reflect.DeepEqual(current, value) {
			changed = true
		}
		merged[key] = value
	}
	if changed {
		stored.record.Properties = clonePayload(merged)
		stored.record.Archived = false
		stored.record.LastModifiedAt = now
	}
	return relaysync.UpsertResult{
		NativeID:   nativeID,
		Changed:    changed,
		ModifiedAt: stored.record.LastModifiedAt,
	}, nil
}

func (a *MemoryAdapter) Archive(_ context.Context, entityType, nativeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(OpArchive); err != nil {
		return err
	}
	stored, ok := a.records[nativeID]
	if !ok || stored.entityType != entityType {
		return relaysync.NotFoundError(a.kind, OpArchive, nativeID)
	}
	if !stored.record.Archived {
		stored.record.Archived = true
		stored.record.LastModifiedAt = a.now().UTC()
	}
	return nil
}

func (a *MemoryAdapter) HealthCheck(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enter(OpHealth)
}

// enter counts the call and consumes an injected failure. Callers hold a.mu.
func (a *MemoryAdapter) enter(op string) error {
	a.calls[op]++
	pending := a.failures[op]
	if len(pending) == 0 {
		return nil
	}
	failure := pending[0]
	failure.times--
	if failure.times <= 0 {
		a.failures[op] = pending[1:]
	} else {
		pending[0] = failure
	}
	if failure.err == nil {
		return relaysync.TransientError(a.kind, op, fmt.Errorf("injected failure"))
	}
	return failure.err
}

func cloneRecord(record relaysync.NativeRecord) relaysync.NativeRecord {
	record.Properties = clonePayload(record.Properties)
	return record
}

func clonePayload(payload relaysync.NativePayload) relaysync.NativePayload {
	out := make(relaysync.NativePayload, len(payload))
	for key, value := range payload {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	default:
		return v
	}
}

var _ relaysync.StoreAdapter = (*MemoryAdapter)(nil)
