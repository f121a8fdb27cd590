package relaysync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxAttempts     = 3
	DefaultBatchSize       = 50
	DefaultSyncInterval    = 5 * time.Minute
	DefaultRetryDelay      = 250 * time.Millisecond
	DefaultRetryBackoff    = time.Second
	DefaultRetryBackoffMax = 30 * time.Second
	maxRecentErrors        = 50
)

type EngineOptions struct {
	Adapters        AdapterSet
	Mapper          *Mapper
	Ledger          Ledger
	RetryQueue      RetryQueue
	Bus             *EventBus
	Logger          logrus.FieldLogger
	Now             func() time.Time
	NewID           func() string
	MaxAttempts     int
	BatchSize       int
	SyncInterval    time.Duration
	RetryDelay      time.Duration
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

// Engine owns the sync state machine. One Engine is built at startup and shared by the
// listener, the retry loop, the sweep scheduler and the control API.
type Engine struct {
	adapters        AdapterSet
	mapper          *Mapper
	ledger          Ledger
	queue           RetryQueue
	bus             *EventBus
	logger          logrus.FieldLogger
	now             func() time.Time
	newID           func() string
	maxAttempts     int
	batchSize       int
	syncInterval    time.Duration
	retryDelay      time.Duration
	retryBackoff    time.Duration
	retryBackoffMax time.Duration

	locks   *keyedMutex
	creates *pendingCreates

	sweeping   atomic.Bool
	sweepWG    sync.WaitGroup
	runCtxMu   sync.RWMutex
	runCtx     context.Context
	inFlightMu sync.Mutex
	inFlight   map[string]EventState

	statsMu      sync.Mutex
	stats        Statistics
	recentErrors []StatusError
	lastSync     time.Time
	lastSweep    *SweepReport
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Mapper == nil {
		return nil, fmt.Errorf("%w: mapper is required", ErrInvalidInput)
	}
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("%w: at least one store adapter is required", ErrInvalidInput)
	}
	if opts.Ledger == nil {
		opts.Ledger = NewInMemoryLedger()
	}
	if opts.RetryQueue == nil {
		opts.RetryQueue = NewInMemoryRetryQueue(defaultRetryQueueCapacity)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Bus == nil {
		opts.Bus = NewEventBus(EventBusOptions{Logger: opts.Logger, Now: opts.Now})
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.SyncInterval < 0 {
		opts.SyncInterval = 0
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.RetryBackoffMax <= 0 {
		opts.RetryBackoffMax = DefaultRetryBackoffMax
	}
	return &Engine{
		adapters:        opts.Adapters,
		mapper:          opts.Mapper,
		ledger:          opts.Ledger,
		queue:           opts.RetryQueue,
		bus:             opts.Bus,
		logger:          opts.Logger,
		now:             opts.Now,
		newID:           opts.NewID,
		maxAttempts:     opts.MaxAttempts,
		batchSize:       opts.BatchSize,
		syncInterval:    opts.SyncInterval,
		retryDelay:      opts.RetryDelay,
		retryBackoff:    opts.RetryBackoff,
		retryBackoffMax: opts.RetryBackoffMax,
		locks:           newKeyedMutex(),
		creates:         newPendingCreates(),
		inFlight:        map[string]EventState{},
	}, nil
}

func (e *Engine) Bus() *EventBus {
	return e.bus
}

func (e *Engine) Mapper() *Mapper {
	return e.mapper
}

func (e *Engine) Ledger() Ledger {
	return e.ledger
}

func (e *Engine) Adapters() AdapterSet {
	return e.adapters
}

// Attempts returns the audit trail for one change event.
func (e *Engine) Attempts(ctx context.Context, changeEventID string) ([]SyncAttempt, error) {
	return e.ledger.Attempts(ctx, changeEventID)
}

// Run drives real-time consumption, the retry loop and the periodic sweep until ctx is
// done and every in-flight event has finished. A nil events channel disables real-time
// consumption; otherwise Run returns only after the producer closes the channel.
func (e *Engine) Run(ctx context.Context, events <-chan ChangeEvent) error {
	e.runCtxMu.Lock()
	e.runCtx = ctx
	e.runCtxMu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	if events != nil {
		group.Go(func() error {
			return e.ConsumeEvents(groupCtx, events)
		})
	}
	group.Go(func() error {
		return e.RunRetryLoop(groupCtx)
	})
	if e.syncInterval > 0 {
		group.Go(func() error {
			return e.RunScheduler(groupCtx)
		})
	}
	err := group.Wait()
	e.sweepWG.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ConsumeEvents processes captured changes one at a time until the channel closes. Once
// ctx is done it keeps draining what the listener already buffered, so every captured
// event reaches a terminal state before the producer's close ends the loop.
func (e *Engine) ConsumeEvents(ctx context.Context, events <-chan ChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			e.drainEvents(ctx, events)
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			e.consume(ctx, event)
		}
	}
}

func (e *Engine) drainEvents(ctx context.Context, events <-chan ChangeEvent) {
	drained := 0
	for event := range events {
		e.consume(ctx, event)
		drained++
	}
	if drained > 0 {
		e.logger.WithField("events", drained).Info("drained buffered change events on shutdown")
	}
}

func (e *Engine) consume(ctx context.Context, event ChangeEvent) {
	if _, err := e.Process(context.WithoutCancel(ctx), event); err != nil {
		e.eventLogger(event).WithError(err).Error("change event failed")
	}
}

// RunRetryLoop drains the retry queue one item at a time, honoring each item's backoff and
// pausing between items.
func (e *Engine) RunRetryLoop(ctx context.Context) error {
	for {
		item, ok := e.queue.Dequeue(ctx)
		if !ok {
			return nil
		}
		if wait := item.NotBefore.Sub(e.now()); wait > 0 {
			if err := sleepContext(ctx, wait); err != nil {
				// Back at the head so the next run keeps FIFO order and honours NotBefore.
				if !e.queue.Requeue(item) {
					e.eventLogger(item.Event).Error("retry item lost on shutdown: requeue failed")
				}
				return nil
			}
		}
		event := item.Event
		event.Attempt = item.Attempt
		if _, err := e.Process(context.WithoutCancel(ctx), event); err != nil {
			e.eventLogger(event).WithError(err).Error("retry failed")
		}
		if err := sleepContext(ctx, e.retryDelay); err != nil {
			return nil
		}
	}
}

// targetOutcome tracks one target store within a single pass of the state machine.
type targetOutcome struct {
	status TargetStatus
	err    error
}

// Process runs one change event through pending, translating and writing. The returned
// error is non-nil only for failures the caller must see: fatal auth errors and ledger
// failures. Per-target failures are reported in the result.
func (e *Engine) Process(ctx context.Context, event ChangeEvent) (SyncResult, error) {
	if event.ID == "" {
		event.ID = e.newID()
	}
	if event.Attempt <= 0 {
		event.Attempt = 1
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = e.now().UTC()
	}
	result := SyncResult{EventID: event.ID, State: StatePending}
	if err := e.validateEvent(event); err != nil {
		e.countEvent(StateFailed, ResolutionFatal)
		e.recordError(event, ErrorClassValidation, err)
		e.publish(event, EventSyncError, err.Error(), map[string]any{"errorClass": ErrorClassValidation})
		result.State = StateFailed
		result.Resolution = ResolutionFatal
		return result, err
	}

	unlockNative := e.locks.Lock(nativeLockKey(event.EntityType, event.StoreKind, event.NativeID))
	defer unlockNative()
	e.setInFlight(event.ID, StatePending)
	defer e.clearInFlight(event.ID)

	log := e.eventLogger(event)

	// Pending: resolve the canonical id through the cross-reference table.
	canonicalID, firstSight, err := e.resolveCanonical(ctx, event)
	for errors.Is(err, errCreatePending) {
		if e.deferEvent(event) {
			result.State = StatePending
			result.Resolution = ResolutionDeferred
			result.Retrying = true
			return result, nil
		}
		if waitErr := e.creates.wait(ctx, createKey(event.EntityType, event.StoreKind)); waitErr != nil {
			return e.failLedger(event, result, fmt.Errorf("%w: %v", ErrQueueFull, waitErr))
		}
		canonicalID, firstSight, err = e.resolveCanonical(ctx, event)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			result.State = StateSucceeded
			result.Resolution = ResolutionNothingToDo
			e.countEvent(result.State, result.Resolution)
			log.Debug("delete for unknown record, nothing to do")
			return result, nil
		}
		return e.failLedger(event, result, err)
	}
	event.CanonicalID = canonicalID
	result.CanonicalID = canonicalID
	log = log.WithField("canonical_id", canonicalID)

	unlockCanonical := e.locks.Lock("canonical:" + canonicalID)
	defer unlockCanonical()

	state, hasState, err := e.loadState(ctx, canonicalID)
	if err != nil {
		return e.failLedger(event, result, err)
	}

	if hasState && event.ObservedAt.Before(state.LastModifiedAt) {
		result.State = StateSucceeded
		result.Resolution = ResolutionConflictDiscarded
		e.countEvent(result.State, result.Resolution)
		log.WithFields(logrus.Fields{
			"observed_at":      event.ObservedAt,
			"last_modified_at": state.LastModifiedAt,
		}).Info("discarding change older than last applied write")
		e.publish(event, EventConflictResolved, "older change discarded", map[string]any{
			"observedAt":     event.ObservedAt,
			"lastModifiedAt": state.LastModifiedAt,
			"winner":         "existing",
		})
		return result, nil
	}

	// Translating.
	e.setInFlight(event.ID, StateTranslating)
	result.State = StateTranslating
	archived := event.Operation == OpDelete
	var record CanonicalRecord
	fingerprint := state.Fingerprint
	if !archived {
		record, err = e.mapper.Normalize(event.Payload, event.StoreKind, event.EntityType)
		if err != nil {
			e.countEvent(StateFailed, ResolutionFatal)
			e.recordError(event, ErrorClassValidation, err)
			e.publish(event, EventSyncError, err.Error(), map[string]any{"errorClass": ErrorClassValidation})
			result.State = StateFailed
			result.Resolution = ResolutionFatal
			log.WithError(err).Warn("skipping record that does not normalize")
			return result, nil
		}
		record.CanonicalID = canonicalID
		record.SourceNativeID = event.NativeID
		record.LastModifiedAt = event.ObservedAt
		fingerprint = Fingerprint(record.Fields)
	}

	if hasState && !event.Force && event.Attempt == 1 && len(event.Targets) == 0 &&
		state.Fingerprint != "" && state.Fingerprint == fingerprint && state.Archived == archived {
		if err := e.touchSource(ctx, event, canonicalID, state.Version); err != nil {
			return e.failLedger(event, result, err)
		}
		result.State = StateSucceeded
		result.Resolution = ResolutionUnchanged
		e.countEvent(result.State, result.Resolution)
		log.Debug("content unchanged, skipping propagation")
		e.publish(event, EventSyncSkipped, "content unchanged", nil)
		return result, nil
	}

	version := state.Version + 1
	if err := e.touchSource(ctx, event, canonicalID, version); err != nil {
		return e.failLedger(event, result, err)
	}
	if firstSight {
		log.Info("first sight of record, canonical id allocated")
	}
	record.CanonicalID = canonicalID
	record.EntityType = event.EntityType
	record.SourceStore = event.StoreKind
	record.Version = version
	record.Archived = archived

	targets := e.targetsFor(event)
	existing, err := e.crossRefsByStore(ctx, canonicalID)
	if err != nil {
		return e.failLedger(event, result, err)
	}

	// Writing.
	e.setInFlight(event.ID, StateWriting)
	result.State = StateWriting
	outcomes := make([]targetOutcome, 0, len(targets))
	for _, target := range targets {
		outcomes = append(outcomes, e.writeTarget(ctx, event, record, target, existing[target]))
	}

	var (
		succeeded  int
		retryable  []StoreKind
		fatalErr   error
		lastErr    error
		lastClass  ErrorClass
		failedAny  bool
		errorNotes = []string{}
	)
	for _, outcome := range outcomes {
		result.Targets = append(result.Targets, outcome.status)
		if outcome.err == nil {
			succeeded++
			continue
		}
		failedAny = true
		lastErr = outcome.err
		class := outcome.status.ErrorClass
		lastClass = class
		errorNotes = append(errorNotes, fmt.Sprintf("%s: %v", outcome.status.Store, outcome.err))
		switch {
		case class.Fatal():
			if fatalErr == nil {
				fatalErr = outcome.err
			}
		case class.Retryable():
			retryable = append(retryable, outcome.status.Store)
		}
	}

	newState := RecordState{
		CanonicalID:    canonicalID,
		EntityType:     event.EntityType,
		LastModifiedAt: laterOf(state.LastModifiedAt, event.ObservedAt),
		Version:        version,
		Archived:       archived,
	}
	// A fingerprint means every store holds this content. Restricted sweeps only reach
	// some of them; retries finish what the first attempt started.
	if !failedAny && (len(event.Targets) == 0 || event.Origin == OriginRetry) {
		newState.Fingerprint = fingerprint
	}
	if err := e.ledger.PutRecordState(ctx, newState); err != nil {
		return e.failLedger(event, result, err)
	}

	if !failedAny {
		result.State = StateSucceeded
		result.Resolution = ResolutionApplied
		e.countEvent(result.State, result.Resolution)
		e.markSynced()
		log.WithField("targets", len(targets)).Info("change propagated")
		e.publish(event, EventSyncCompleted, "change propagated", map[string]any{
			"operation": event.Operation.String(),
			"targets":   storeNames(targets),
			"attempt":   event.Attempt,
		})
		return result, nil
	}

	message := strings.Join(errorNotes, "; ")
	if fatalErr != nil {
		result.State = StateFailed
		result.Resolution = ResolutionFatal
		e.countEvent(result.State, result.Resolution)
		e.recordError(event, ErrorClassAuth, fatalErr)
		log.WithError(fatalErr).Error("authentication failure, not retrying")
		e.publish(event, EventSyncError, message, map[string]any{"errorClass": ErrorClassAuth, "attempt": event.Attempt})
		return result, fatalErr
	}

	if len(retryable) > 0 && event.Attempt < e.maxAttempts {
		retry := event
		retry.Attempt = event.Attempt + 1
		retry.Targets = retryable
		retry.Origin = OriginRetry
		item := RetryItem{
			Event:      retry,
			Attempt:    retry.Attempt,
			NotBefore:  e.now().Add(retryBackoff(retry.Attempt, e.retryBackoff, e.retryBackoffMax)),
			EnqueuedAt: e.now(),
			LastError:  message,
		}
		if e.queue.TryEnqueue(item) {
			result.State = StatePending
			result.Resolution = ResolutionRetrying
			result.Retrying = true
			e.countRetry()
			log.WithFields(logrus.Fields{
				"attempt":    retry.Attempt,
				"targets":    storeNames(retryable),
				"not_before": item.NotBefore,
			}).Warn("scheduling retry")
			e.publish(event, EventRetryScheduled, message, map[string]any{
				"attempt":   retry.Attempt,
				"targets":   storeNames(retryable),
				"notBefore": item.NotBefore,
			})
			if len(retryable) < len(errorNotes) {
				e.recordError(event, ErrorClassValidation, lastErr)
			}
			return result, nil
		}
		message += "; retry queue full"
	}

	result.State = StateFailed
	if len(retryable) > 0 {
		result.Resolution = ResolutionExhausted
	} else if succeeded > 0 {
		result.Resolution = ResolutionPartial
	} else {
		result.Resolution = ResolutionFatal
	}
	class := lastClass
	e.countEvent(result.State, result.Resolution)
	e.recordError(event, class, lastErr)
	log.WithError(lastErr).WithField("attempt", event.Attempt).Error("change event failed")
	e.publish(event, EventSyncError, message, map[string]any{
		"errorClass": class,
		"attempt":    event.Attempt,
		"resolution": result.Resolution,
	})
	return result, nil
}

func (e *Engine) validateEvent(event ChangeEvent) error {
	if _, err := e.mapper.Entity(event.EntityType); err != nil {
		return err
	}
	if !event.StoreKind.Valid() {
		return fmt.Errorf("%w: store kind %d", ErrInvalidInput, int(event.StoreKind))
	}
	switch event.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("%w: operation %d", ErrInvalidInput, int(event.Operation))
	}
	if strings.TrimSpace(event.NativeID) == "" {
		return fmt.Errorf("%w: native id is required", ErrInvalidInput)
	}
	for _, target := range event.Targets {
		if !target.Valid() {
			return fmt.Errorf("%w: target store %d", ErrInvalidInput, int(target))
		}
	}
	return nil
}

// resolveCanonical returns ErrNotFound only for deletes of records the ledger has never
// seen, and errCreatePending while this engine is still recording a record it created in
// the event's store: the event may be the echo of that write.
func (e *Engine) resolveCanonical(ctx context.Context, event ChangeEvent) (string, bool, error) {
	entry, err := e.ledger.LookupCrossRef(ctx, event.EntityType, event.StoreKind, event.NativeID)
	if err == nil {
		return entry.CanonicalID, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", false, err
	}
	if e.creates.pending(createKey(event.EntityType, event.StoreKind)) {
		return "", false, errCreatePending
	}
	// A create that finished after the first lookup has already written its cross-reference.
	entry, err = e.ledger.LookupCrossRef(ctx, event.EntityType, event.StoreKind, event.NativeID)
	if err == nil {
		return entry.CanonicalID, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", false, err
	}
	if event.Operation == OpDelete {
		return "", false, ErrNotFound
	}
	canonicalID := event.CanonicalID
	if canonicalID == "" {
		canonicalID = e.newID()
	}
	return canonicalID, true, nil
}

// deferEvent parks an unresolved event on the retry queue, unchanged, until in-flight
// creates in its store have recorded their cross-references.
func (e *Engine) deferEvent(event ChangeEvent) bool {
	now := e.now()
	item := RetryItem{
		Event:      event,
		Attempt:    event.Attempt,
		NotBefore:  now.Add(e.retryBackoff),
		EnqueuedAt: now,
		LastError:  "create pending in source store",
	}
	if !e.queue.TryEnqueue(item) {
		return false
	}
	e.eventLogger(event).WithField("not_before", item.NotBefore).Info("deferring unresolved change while a create is pending")
	return true
}

func (e *Engine) loadState(ctx context.Context, canonicalID string) (RecordState, bool, error) {
	state, err := e.ledger.RecordState(ctx, canonicalID)
	if errors.Is(err, ErrNotFound) {
		return RecordState{}, false, nil
	}
	if err != nil {
		return RecordState{}, false, err
	}
	return state, true, nil
}

// touchSource upserts the source store's cross-reference as an explicit step.
func (e *Engine) touchSource(ctx context.Context, event ChangeEvent, canonicalID string, version int64) error {
	return e.ledger.UpsertCrossRef(ctx, CrossReferenceEntry{
		CanonicalID:    canonicalID,
		EntityType:     event.EntityType,
		StoreKind:      event.StoreKind,
		NativeID:       event.NativeID,
		LastModifiedAt: event.ObservedAt,
		Version:        version,
	})
}

func (e *Engine) crossRefsByStore(ctx context.Context, canonicalID string) (map[StoreKind]CrossReferenceEntry, error) {
	entries, err := e.ledger.CrossRefs(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	out := make(map[StoreKind]CrossReferenceEntry, len(entries))
	for _, entry := range entries {
		out[entry.StoreKind] = entry
	}
	return out, nil
}

// targetsFor fans out to every other store that has an adapter and a collection for the
// entity, narrowed to the event's explicit targets when present.
func (e *Engine) targetsFor(event ChangeEvent) []StoreKind {
	candidates := otherStores(event.StoreKind)
	if len(event.Targets) > 0 {
		candidates = event.Targets
	}
	out := make([]StoreKind, 0, len(candidates))
	for _, target := range candidates {
		if target == event.StoreKind {
			continue
		}
		if _, ok := e.adapters[target]; !ok {
			continue
		}
		if _, ok := e.mapper.Collection(target, event.EntityType); !ok {
			continue
		}
		out = append(out, target)
	}
	return out
}

func (e *Engine) writeTarget(ctx context.Context, event ChangeEvent, record CanonicalRecord, target StoreKind, existing CrossReferenceEntry) targetOutcome {
	status := TargetStatus{Store: target, State: StateWriting, NativeID: existing.NativeID}
	startedAt := e.now().UTC()
	adapter, err := e.adapters.Get(target)
	if err == nil {
		switch {
		case event.Operation == OpDelete:
			if existing.NativeID != "" {
				err = adapter.Archive(ctx, event.EntityType, existing.NativeID)
				if errors.Is(err, ErrNotFound) {
					err = nil
				}
				if err == nil {
					err = e.ledger.UpsertCrossRef(ctx, CrossReferenceEntry{
						CanonicalID:    record.CanonicalID,
						EntityType:     event.EntityType,
						StoreKind:      target,
						NativeID:       existing.NativeID,
						LastModifiedAt: e.now().UTC(),
						Version:        record.Version,
					})
				}
			}
		default:
			var payload NativePayload
			payload, err = e.mapper.Translate(record, target)
			if err != nil {
				err = ValidationError(target, "translate", err)
				break
			}
			var written UpsertResult
			if existing.NativeID == "" {
				release := e.creates.begin(createKey(event.EntityType, target))
				defer release()
			}
			written, err = adapter.Upsert(ctx, event.EntityType, existing.NativeID, payload)
			if errors.Is(err, ErrNotFound) && existing.NativeID != "" {
				release := e.creates.begin(createKey(event.EntityType, target))
				defer release()
				written, err = adapter.Upsert(ctx, event.EntityType, "", payload)
			}
			if err == nil {
				status.NativeID = written.NativeID
				modifiedAt := written.ModifiedAt
				if modifiedAt.IsZero() {
					modifiedAt = e.now().UTC()
				}
				err = e.ledger.UpsertCrossRef(ctx, CrossReferenceEntry{
					CanonicalID:    record.CanonicalID,
					EntityType:     event.EntityType,
					StoreKind:      target,
					NativeID:       written.NativeID,
					LastModifiedAt: modifiedAt,
					Version:        record.Version,
				})
			}
		}
	}

	if err != nil {
		status.State = StateFailed
		status.ErrorClass = ClassifyError(err)
		status.LastError = err.Error()
	} else {
		status.State = StateSucceeded
	}
	attempt := SyncAttempt{
		ChangeEventID: event.ID,
		CanonicalID:   record.CanonicalID,
		AttemptNumber: event.Attempt,
		TargetStore:   target,
		StartedAt:     startedAt,
		Outcome:       status.State,
		ErrorClass:    status.ErrorClass,
		Error:         status.LastError,
	}
	if appendErr := e.ledger.AppendAttempt(ctx, attempt); appendErr != nil {
		e.eventLogger(event).WithError(appendErr).Warn("failed to record sync attempt")
	}
	e.eventLogger(event).WithFields(logrus.Fields{
		"target":      target.String(),
		"outcome":     status.State,
		"error_class": status.ErrorClass,
	}).Debug("target write finished")
	return targetOutcome{status: status, err: err}
}

func (e *Engine) failLedger(event ChangeEvent, result SyncResult, err error) (SyncResult, error) {
	result.State = StateFailed
	result.Resolution = ResolutionFatal
	e.countEvent(result.State, result.Resolution)
	e.recordError(event, ClassifyError(err), err)
	e.eventLogger(event).WithError(err).Error("ledger operation failed")
	e.publish(event, EventSyncError, err.Error(), map[string]any{"errorClass": ClassifyError(err), "ledger": true})
	return result, fmt.Errorf("ledger: %w", err)
}

func (e *Engine) publish(event ChangeEvent, eventType BusEventType, message string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["nativeId"] = event.NativeID
	data["origin"] = event.Origin
	e.bus.Publish(BusEvent{
		Type:          eventType,
		ChangeEventID: event.ID,
		EntityType:    event.EntityType,
		CanonicalID:   event.CanonicalID,
		Store:         event.StoreKind,
		Message:       message,
		Data:          data,
	})
}

func (e *Engine) eventLogger(event ChangeEvent) logrus.FieldLogger {
	fields := logrus.Fields{
		"event_id":    event.ID,
		"entity_type": event.EntityType,
		"store":       event.StoreKind.String(),
		"native_id":   event.NativeID,
		"attempt":     event.Attempt,
	}
	if event.CanonicalID != "" {
		fields["canonical_id"] = event.CanonicalID
	}
	return e.logger.WithFields(fields)
}

func (e *Engine) setInFlight(eventID string, state EventState) {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	e.inFlight[eventID] = state
}

func (e *Engine) clearInFlight(eventID string) {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	delete(e.inFlight, eventID)
}

// InFlight returns the number of events currently inside the state machine.
func (e *Engine) InFlight() int {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	return len(e.inFlight)
}

func nativeLockKey(entityType string, store StoreKind, nativeID string) string {
	return "native:" + entityType + "\x00" + store.String() + "\x00" + nativeID
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func storeNames(kinds []StoreKind) []string {
	out := make([]string, len(kinds))
	for i, kind := range kinds {
		out[i] = kind.String()
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// keyedMutex serializes work per key without holding a global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyedLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

var errCreatePending = errors.New("create pending in source store")

func createKey(entityType string, store StoreKind) string {
	return entityType + "\x00" + store.String()
}

// pendingCreates tracks target-store creates whose cross-reference is not yet recorded.
// Until it is, a change captured in that store cannot be told apart from the echo of the
// engine's own write.
type pendingCreates struct {
	mu      sync.Mutex
	entries map[string]*pendingCreate
}

type pendingCreate struct {
	refs int
	done chan struct{}
}

func newPendingCreates() *pendingCreates {
	return &pendingCreates{entries: map[string]*pendingCreate{}}
}

func (p *pendingCreates) begin(key string) func() {
	p.mu.Lock()
	entry, ok := p.entries[key]
	if !ok {
		entry = &pendingCreate{done: make(chan struct{})}
		p.entries[key] = entry
	}
	entry.refs++
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			entry.refs--
			if entry.refs == 0 {
				delete(p.entries, key)
				close(entry.done)
			}
		})
	}
}

func (p *pendingCreates) pending(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// wait blocks until no create is pending for key.
func (p *pendingCreates) wait(ctx context.Context, key string) error {
	for {
		p.mu.Lock()
		entry, ok := p.entries[key]
		p.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-entry.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
