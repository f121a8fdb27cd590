package relaysync

import (
	"context"
	"fmt"
	"time"
)

type ChangeQuery struct {
	Since   time.Time
	AfterID string
	Limit   int
}

// After reports whether a record sorts strictly after the query position in
// (modification time, native id) order.
func (q ChangeQuery) After(modifiedAt time.Time, nativeID string) bool {
	if modifiedAt.After(q.Since) {
		return true
	}
	return modifiedAt.Equal(q.Since) && nativeID > q.AfterID
}

type UpsertResult struct {
	NativeID   string
	Created    bool
	Changed    bool
	ModifiedAt time.Time
}

// StoreAdapter is the uniform capability surface every external store implements over
// its native protocol. Adapters hold no sync metadata.
type StoreAdapter interface {
	Kind() StoreKind
	FetchByID(ctx context.Context, entityType, nativeID string) (NativeRecord, error)
	QueryChangedSince(ctx context.Context, entityType string, query ChangeQuery) ([]NativeRecord, error)
	Upsert(ctx context.Context, entityType, nativeID string, fields NativePayload) (UpsertResult, error)
	Archive(ctx context.Context, entityType, nativeID string) error
	HealthCheck(ctx context.Context) error
}

// CollectionResolver names the native collection (table, database, label) holding an
// entity type in one store. *Mapper implements it.
type CollectionResolver interface {
	Collection(kind StoreKind, entityType string) (string, bool)
}

type AdapterSet map[StoreKind]StoreAdapter

func NewAdapterSet(adapters ...StoreAdapter) (AdapterSet, error) {
	set := AdapterSet{}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		kind := adapter.Kind()
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: adapter with store kind %d", ErrInvalidInput, int(kind))
		}
		if _, exists := set[kind]; exists {
			return nil, fmt.Errorf("%w: duplicate adapter for %s", ErrInvalidInput, kind)
		}
		set[kind] = adapter
	}
	return set, nil
}

func (s AdapterSet) Get(kind StoreKind) (StoreAdapter, error) {
	adapter, ok := s[kind]
	if !ok || adapter == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, kind)
	}
	return adapter, nil
}

// StoreView presents an adapter in canonical terms by routing through the mapper.
type StoreView struct {
	adapter StoreAdapter
	mapper  *Mapper
}

func NewStoreView(adapter StoreAdapter, mapper *Mapper) StoreView {
	return StoreView{adapter: adapter, mapper: mapper}
}

func (v StoreView) FetchByID(ctx context.Context, entityType, nativeID string) (CanonicalRecord, error) {
	native, err := v.adapter.FetchByID(ctx, entityType, nativeID)
	if err != nil {
		return CanonicalRecord{}, err
	}
	return v.toCanonical(entityType, native)
}

func (v StoreView) QueryChangedSince(ctx context.Context, entityType string, query ChangeQuery) ([]CanonicalRecord, error) {
	natives, err := v.adapter.QueryChangedSince(ctx, entityType, query)
	if err != nil {
		return nil, err
	}
	out := make([]CanonicalRecord, 0, len(natives))
	for _, native := range natives {
		record, err := v.toCanonical(entityType, native)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (v StoreView) toCanonical(entityType string, native NativeRecord) (CanonicalRecord, error) {
	record, err := v.mapper.Normalize(native.Properties, v.adapter.Kind(), entityType)
	if err != nil {
		return CanonicalRecord{}, err
	}
	record.SourceNativeID = native.NativeID
	record.LastModifiedAt = native.LastModifiedAt
	record.Archived = native.Archived
	return record, nil
}
