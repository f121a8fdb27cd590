package relaysync

import (
	"fmt"
	"strings"
	"time"
)

type StoreKind int

const (
	StoreRelational StoreKind = iota + 1
	StoreWorkspace
	StoreGraph
)

// AllStoreKinds lists every store the engine keeps in agreement, in fan-out order.
var AllStoreKinds = []StoreKind{StoreRelational, StoreWorkspace, StoreGraph}

func (k StoreKind) String() string {
	switch k {
	case StoreRelational:
		return "relational"
	case StoreWorkspace:
		return "workspace"
	case StoreGraph:
		return "graph"
	default:
		return "unknown"
	}
}

func (k StoreKind) Valid() bool {
	switch k {
	case StoreRelational, StoreWorkspace, StoreGraph:
		return true
	default:
		return false
	}
}

func ParseStoreKind(raw string) (StoreKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "relational", "postgres", "supabase":
		return StoreRelational, nil
	case "workspace", "notion":
		return StoreWorkspace, nil
	case "graph", "neo4j":
		return StoreGraph, nil
	default:
		return 0, fmt.Errorf("%w: store kind %q", ErrInvalidInput, raw)
	}
}

func (k StoreKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: store kind %d", ErrInvalidInput, int(k))
	}
	return []byte(k.String()), nil
}

func (k *StoreKind) UnmarshalText(text []byte) error {
	parsed, err := ParseStoreKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// otherStores returns every store kind except source, preserving AllStoreKinds order.
func otherStores(source StoreKind) []StoreKind {
	out := make([]StoreKind, 0, len(AllStoreKinds)-1)
	for _, kind := range AllStoreKinds {
		if kind != source {
			out = append(out, kind)
		}
	}
	return out
}

type Operation int

const (
	OpCreate Operation = iota + 1
	OpUpdate
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func ParseOperation(raw string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "create", "insert", "created":
		return OpCreate, nil
	case "update", "updated":
		return OpUpdate, nil
	case "delete", "deleted", "archive", "archived":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("%w: operation %q", ErrInvalidInput, raw)
	}
}

func (op Operation) MarshalText() ([]byte, error) {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return []byte(op.String()), nil
	default:
		return nil, fmt.Errorf("%w: operation %d", ErrInvalidInput, int(op))
	}
}

func (op *Operation) UnmarshalText(text []byte) error {
	parsed, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

type EventState string

const (
	StatePending     EventState = "pending"
	StateTranslating EventState = "translating"
	StateWriting     EventState = "writing"
	StateSucceeded   EventState = "succeeded"
	StateFailed      EventState = "failed"
)

func (s EventState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Resolution records why a change event reached its terminal state.
type Resolution string

const (
	ResolutionApplied           Resolution = "applied"
	ResolutionConflictDiscarded Resolution = "conflict_discarded"
	ResolutionUnchanged         Resolution = "unchanged"
	ResolutionNothingToDo       Resolution = "nothing_to_do"
	ResolutionPartial           Resolution = "partial"
	ResolutionExhausted         Resolution = "exhausted"
	ResolutionFatal             Resolution = "fatal"
	ResolutionRetrying          Resolution = "retrying"
	ResolutionDeferred          Resolution = "deferred"
)

type CanonicalRecord struct {
	EntityType     string         `json:"entityType"`
	CanonicalID    string         `json:"canonicalId"`
	Fields         map[string]any `json:"fields"`
	SourceStore    StoreKind      `json:"sourceStore"`
	SourceNativeID string         `json:"sourceNativeId"`
	LastModifiedAt time.Time      `json:"lastModifiedAt"`
	Version        int64          `json:"version"`
	Archived       bool           `json:"archived,omitempty"`
}

// NativePayload is a record shaped for one store's schema, keyed by native field name.
type NativePayload map[string]any

type NativeRecord struct {
	NativeID       string        `json:"nativeId"`
	Collection     string        `json:"collection,omitempty"`
	Properties     NativePayload `json:"properties"`
	LastModifiedAt time.Time     `json:"lastModifiedAt"`
	Archived       bool          `json:"archived,omitempty"`
}

type CrossReferenceEntry struct {
	CanonicalID    string    `json:"canonicalId"`
	EntityType     string    `json:"entityType"`
	StoreKind      StoreKind `json:"storeKind"`
	NativeID       string    `json:"nativeId"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
	Version        int64     `json:"version"`
}

// RecordState is the ledger's last applied view of one canonical record.
type RecordState struct {
	CanonicalID    string    `json:"canonicalId"`
	EntityType     string    `json:"entityType"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
	Version        int64     `json:"version"`
	Fingerprint    string    `json:"fingerprint"`
	Archived       bool      `json:"archived"`
}

type ChangeEvent struct {
	ID          string         `json:"id"`
	EntityType  string         `json:"entityType"`
	CanonicalID string         `json:"canonicalId,omitempty"`
	StoreKind   StoreKind      `json:"storeKind"`
	NativeID    string         `json:"nativeId"`
	Operation   Operation      `json:"operation"`
	Payload     NativePayload  `json:"payload,omitempty"`
	ObservedAt  time.Time      `json:"observedAt"`
	Origin      string         `json:"origin,omitempty"`
	Targets     []StoreKind    `json:"targets,omitempty"`
	Attempt     int            `json:"attempt"`
	Force       bool           `json:"force,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Change origins recorded on ChangeEvent.Origin.
const (
	OriginRealtime = "realtime"
	OriginWebhook  = "webhook"
	OriginSweep    = "sweep"
	OriginManual   = "manual"
	OriginRetry    = "retry"
)

type TargetStatus struct {
	Store      StoreKind  `json:"store"`
	State      EventState `json:"state"`
	NativeID   string     `json:"nativeId,omitempty"`
	ErrorClass ErrorClass `json:"errorClass,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

type SyncAttempt struct {
	ChangeEventID string     `json:"changeEventId"`
	CanonicalID   string     `json:"canonicalId,omitempty"`
	AttemptNumber int        `json:"attemptNumber"`
	TargetStore   StoreKind  `json:"targetStore"`
	StartedAt     time.Time  `json:"startedAt"`
	Outcome       EventState `json:"outcome"`
	ErrorClass    ErrorClass `json:"errorClass,omitempty"`
	Error         string     `json:"error,omitempty"`
}

type SyncCursor struct {
	EntityType     string    `json:"entityType"`
	StoreKind      StoreKind `json:"storeKind"`
	LastFullSyncAt time.Time `json:"lastFullSyncAt"`
	LastNativeID   string    `json:"lastNativeId,omitempty"`
}

type SyncResult struct {
	EventID     string         `json:"eventId"`
	CanonicalID string         `json:"canonicalId,omitempty"`
	State       EventState     `json:"state"`
	Resolution  Resolution     `json:"resolution"`
	Targets     []TargetStatus `json:"targets,omitempty"`
	Retrying    bool           `json:"retrying,omitempty"`
}
