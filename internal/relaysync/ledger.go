package relaysync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Ledger persists the engine's bookkeeping: cross-references, record states, sweep
// cursors and the attempt audit trail. Only the engine writes to it.
type Ledger interface {
	LookupCrossRef(ctx context.Context, entityType string, store StoreKind, nativeID string) (CrossReferenceEntry, error)
	CrossRefs(ctx context.Context, canonicalID string) ([]CrossReferenceEntry, error)
	UpsertCrossRef(ctx context.Context, entry CrossReferenceEntry) error
	RecordState(ctx context.Context, canonicalID string) (RecordState, error)
	PutRecordState(ctx context.Context, state RecordState) error
	Cursor(ctx context.Context, entityType string, store StoreKind) (SyncCursor, error)
	PutCursor(ctx context.Context, cursor SyncCursor) error
	AppendAttempt(ctx context.Context, attempt SyncAttempt) error
	Attempts(ctx context.Context, changeEventID string) ([]SyncAttempt, error)
	Close() error
}

func validateCrossRef(entry CrossReferenceEntry) error {
	if strings.TrimSpace(entry.CanonicalID) == "" || strings.TrimSpace(entry.NativeID) == "" ||
		strings.TrimSpace(entry.EntityType) == "" || !entry.StoreKind.Valid() {
		return fmt.Errorf("%w: incomplete cross-reference %+v", ErrInvalidInput, entry)
	}
	return nil
}

type crossRefKey struct {
	canonicalID string
	store       StoreKind
}

type nativeKey struct {
	entityType string
	store      StoreKind
	nativeID   string
}

type cursorKey struct {
	entityType string
	store      StoreKind
}

type InMemoryLedger struct {
	mu        sync.Mutex
	crossRefs map[crossRefKey]CrossReferenceEntry
	byNative  map[nativeKey]crossRefKey
	states    map[string]RecordState
	cursors   map[cursorKey]SyncCursor
	attempts  []SyncAttempt
}

func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		crossRefs: map[crossRefKey]CrossReferenceEntry{},
		byNative:  map[nativeKey]crossRefKey{},
		states:    map[string]RecordState{},
		cursors:   map[cursorKey]SyncCursor{},
	}
}

func (l *InMemoryLedger) LookupCrossRef(_ context.Context, entityType string, store StoreKind, nativeID string) (CrossReferenceEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, ok := l.byNative[nativeKey{entityType: entityType, store: store, nativeID: nativeID}]
	if !ok {
		return CrossReferenceEntry{}, ErrNotFound
	}
	return l.crossRefs[key], nil
}

func (l *InMemoryLedger) CrossRefs(_ context.Context, canonicalID string) ([]CrossReferenceEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []CrossReferenceEntry{}
	for _, kind := range AllStoreKinds {
		if entry, ok := l.crossRefs[crossRefKey{canonicalID: canonicalID, store: kind}]; ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

// UpsertCrossRef keeps at most one entry per (canonical id, store). A changed native id
// replaces the old reverse index entry. A native id already owned by another canonical
// record is rejected with ErrNativeIDClaimed.
func (l *InMemoryLedger) UpsertCrossRef(_ context.Context, entry CrossReferenceEntry) error {
	if err := validateCrossRef(entry); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := crossRefKey{canonicalID: entry.CanonicalID, store: entry.StoreKind}
	native := nativeKey{entityType: entry.EntityType, store: entry.StoreKind, nativeID: entry.NativeID}
	if owner, ok := l.byNative[native]; ok && owner != key {
		return fmt.Errorf("%w: %s %s %s belongs to %s", ErrNativeIDClaimed, entry.EntityType, entry.StoreKind, entry.NativeID, owner.canonicalID)
	}
	if existing, ok := l.crossRefs[key]; ok && existing.NativeID != entry.NativeID {
		delete(l.byNative, nativeKey{entityType: existing.EntityType, store: existing.StoreKind, nativeID: existing.NativeID})
	}
	l.crossRefs[key] = entry
	l.byNative[native] = key
	return nil
}

func (l *InMemoryLedger) RecordState(_ context.Context, canonicalID string) (RecordState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.states[canonicalID]
	if !ok {
		return RecordState{}, ErrNotFound
	}
	return state, nil
}

func (l *InMemoryLedger) PutRecordState(_ context.Context, state RecordState) error {
	if strings.TrimSpace(state.CanonicalID) == "" {
		return ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[state.CanonicalID] = state
	return nil
}

func (l *InMemoryLedger) Cursor(_ context.Context, entityType string, store StoreKind) (SyncCursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cursor, ok := l.cursors[cursorKey{entityType: entityType, store: store}]
	if !ok {
		return SyncCursor{}, ErrNotFound
	}
	return cursor, nil
}

func (l *InMemoryLedger) PutCursor(_ context.Context, cursor SyncCursor) error {
	if strings.TrimSpace(cursor.EntityType) == "" || !cursor.StoreKind.Valid() {
		return ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cursors[cursorKey{entityType: cursor.EntityType, store: cursor.StoreKind}] = cursor
	return nil
}

func (l *InMemoryLedger) AppendAttempt(_ context.Context, attempt SyncAttempt) error {
	if strings.TrimSpace(attempt.ChangeEventID) == "" {
		return ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attempt)
	return nil
}

func (l *InMemoryLedger) Attempts(_ context.Context, changeEventID string) ([]SyncAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []SyncAttempt{}
	for _, attempt := range l.attempts {
		if attempt.ChangeEventID == changeEventID {
			out = append(out, attempt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}

func (l *InMemoryLedger) Close() error {
	return nil
}
