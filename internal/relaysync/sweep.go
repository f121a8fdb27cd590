package relaysync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	TriggerFull        = "full"
	TriggerIncremental = "incremental"
)

// SweepOptions selects which (entity type, source store) pairs a reconciliation sweep
// visits and which stores it may write to.
type SweepOptions struct {
	Trigger     string
	Full        bool
	Sources     []StoreKind
	Targets     []StoreKind
	EntityTypes []string
}

// ParseTrigger understands full, incremental, incremental-from-<store> and
// incremental-to-<store>.
func ParseTrigger(raw string) (SweepOptions, error) {
	trigger := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case trigger == TriggerFull:
		return SweepOptions{Trigger: trigger, Full: true}, nil
	case trigger == TriggerIncremental || trigger == "":
		return SweepOptions{Trigger: TriggerIncremental}, nil
	case strings.HasPrefix(trigger, "incremental-from-"):
		kind, err := ParseStoreKind(strings.TrimPrefix(trigger, "incremental-from-"))
		if err != nil {
			return SweepOptions{}, fmt.Errorf("%w: trigger %q", ErrInvalidInput, raw)
		}
		return SweepOptions{Trigger: trigger, Sources: []StoreKind{kind}}, nil
	case strings.HasPrefix(trigger, "incremental-to-"):
		kind, err := ParseStoreKind(strings.TrimPrefix(trigger, "incremental-to-"))
		if err != nil {
			return SweepOptions{}, fmt.Errorf("%w: trigger %q", ErrInvalidInput, raw)
		}
		return SweepOptions{Trigger: trigger, Sources: otherStores(kind), Targets: []StoreKind{kind}}, nil
	default:
		return SweepOptions{}, fmt.Errorf("%w: trigger %q", ErrInvalidInput, raw)
	}
}

type SweepPass struct {
	EntityType     string    `json:"entityType"`
	Store          StoreKind `json:"store"`
	Records        int       `json:"records"`
	Pages          int       `json:"pages"`
	Failed         int       `json:"failed"`
	CursorAdvanced bool      `json:"cursorAdvanced"`
	Cursor         time.Time `json:"cursor"`
	Err            string    `json:"error,omitempty"`
}

type SweepReport struct {
	Trigger    string      `json:"trigger"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
	Passes     []SweepPass `json:"passes"`
	Err        string      `json:"error,omitempty"`
}

// Sweep runs one reconciliation sweep synchronously. Only one sweep runs at a time;
// an overlapping call returns ErrSweepInProgress.
func (e *Engine) Sweep(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	if !e.sweeping.CompareAndSwap(false, true) {
		return SweepReport{}, ErrSweepInProgress
	}
	defer e.sweeping.Store(false)
	return e.sweep(ctx, opts)
}

// StartSweep launches a sweep in the background and returns immediately. The sweep runs
// under the engine's Run context when one is active.
func (e *Engine) StartSweep(opts SweepOptions) error {
	if !e.sweeping.CompareAndSwap(false, true) {
		return ErrSweepInProgress
	}
	e.runCtxMu.RLock()
	ctx := e.runCtx
	e.runCtxMu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		defer e.sweeping.Store(false)
		if _, err := e.sweep(ctx, opts); err != nil {
			e.logger.WithError(err).WithField("trigger", opts.Trigger).Warn("manual sweep finished with errors")
		}
	}()
	return nil
}

// RunScheduler sweeps once at start and then every SyncInterval until ctx is done.
func (e *Engine) RunScheduler(ctx context.Context) error {
	if e.syncInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()
	for {
		if _, err := e.Sweep(ctx, SweepOptions{Trigger: TriggerIncremental}); err != nil {
			if errors.Is(err, ErrSweepInProgress) {
				e.logger.Debug("scheduled sweep skipped, another sweep is running")
			} else {
				e.logger.WithError(err).Warn("scheduled sweep finished with errors")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) sweep(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	if opts.Trigger == "" {
		opts.Trigger = TriggerIncremental
		if opts.Full {
			opts.Trigger = TriggerFull
		}
	}
	report := SweepReport{Trigger: opts.Trigger, StartedAt: e.now().UTC()}
	e.bus.Publish(BusEvent{Type: EventSweepStarted, Message: opts.Trigger, Data: map[string]any{"trigger": opts.Trigger}})
	e.logger.WithField("trigger", opts.Trigger).Info("sweep started")

	entityTypes := opts.EntityTypes
	if len(entityTypes) == 0 {
		entityTypes = e.mapper.EntityTypes()
	}
	sources := opts.Sources
	if len(sources) == 0 {
		sources = AllStoreKinds
	}

	var failures []string
	for _, entityType := range entityTypes {
		if _, err := e.mapper.Entity(entityType); err != nil {
			failures = append(failures, err.Error())
			continue
		}
		for _, source := range sources {
			if _, ok := e.adapters[source]; !ok {
				continue
			}
			if _, ok := e.mapper.Collection(source, entityType); !ok {
				continue
			}
			pass := e.sweepPass(ctx, opts, entityType, source)
			report.Passes = append(report.Passes, pass)
			if pass.Err != "" {
				failures = append(failures, fmt.Sprintf("%s/%s: %s", entityType, source, pass.Err))
			}
		}
	}

	report.FinishedAt = e.now().UTC()
	if len(failures) > 0 {
		report.Err = strings.Join(failures, "; ")
	}
	e.finishSweep(report)
	data := map[string]any{"trigger": opts.Trigger, "passes": len(report.Passes)}
	if report.Err != "" {
		e.recordSweepError(report, report.Err)
		e.bus.Publish(BusEvent{Type: EventSweepFailed, Message: report.Err, Data: data})
		e.logger.WithField("trigger", opts.Trigger).Warn("sweep finished with failed passes")
		return report, errors.New(report.Err)
	}
	e.bus.Publish(BusEvent{Type: EventSweepCompleted, Message: opts.Trigger, Data: data})
	e.logger.WithFields(logrus.Fields{"trigger": opts.Trigger, "passes": len(report.Passes)}).Info("sweep completed")
	return report, nil
}

// sweepPass pages through one source's changes since its cursor. The cursor moves to the
// greatest (modification time, native id) seen, and only when every page was read and no
// record hit a fatal error. Sweeps restricted to a subset of targets leave cursors alone
// so the remaining targets still see those changes later.
func (e *Engine) sweepPass(ctx context.Context, opts SweepOptions, entityType string, source StoreKind) SweepPass {
	pass := SweepPass{EntityType: entityType, Store: source}
	log := e.logger.WithFields(logrus.Fields{"entity_type": entityType, "store": source.String(), "trigger": opts.Trigger})

	cursor, err := e.ledger.Cursor(ctx, entityType, source)
	if err != nil && !errors.Is(err, ErrNotFound) {
		pass.Err = err.Error()
		return pass
	}
	highWater := ChangeQuery{Since: cursor.LastFullSyncAt, AfterID: cursor.LastNativeID}
	query := ChangeQuery{Since: cursor.LastFullSyncAt, AfterID: cursor.LastNativeID, Limit: e.batchSize}
	if opts.Full {
		query.Since = time.Time{}
		query.AfterID = ""
	}
	adapter := e.adapters[source]
	fatal := false

	for !fatal {
		if err := ctx.Err(); err != nil {
			pass.Err = err.Error()
			return pass
		}
		records, err := adapter.QueryChangedSince(ctx, entityType, query)
		if err != nil {
			pass.Err = err.Error()
			log.WithError(err).Warn("sweep query failed, cursor not advanced")
			return pass
		}
		pass.Pages++
		for _, record := range records {
			pass.Records++
			operation := OpUpdate
			if record.Archived {
				operation = OpDelete
			}
			event := ChangeEvent{
				ID:         e.newID(),
				EntityType: entityType,
				StoreKind:  source,
				NativeID:   record.NativeID,
				Operation:  operation,
				Payload:    record.Properties,
				ObservedAt: record.LastModifiedAt.UTC(),
				Origin:     OriginSweep,
				Targets:    opts.Targets,
				Attempt:    1,
				Force:      opts.Full,
			}
			result, err := e.Process(context.WithoutCancel(ctx), event)
			if result.State == StateFailed {
				pass.Failed++
			}
			if err != nil && ClassifyError(err).Fatal() {
				fatal = true
				pass.Err = err.Error()
				break
			}
			if highWater.After(record.LastModifiedAt, record.NativeID) {
				highWater.Since = record.LastModifiedAt
				highWater.AfterID = record.NativeID
			}
		}
		if len(records) < query.Limit {
			break
		}
		last := records[len(records)-1]
		query.Since = last.LastModifiedAt
		query.AfterID = last.NativeID
	}

	if fatal {
		log.WithField("error", pass.Err).Error("sweep pass aborted, cursor not advanced")
		return pass
	}
	pass.Cursor = highWater.Since
	if len(opts.Targets) > 0 {
		return pass
	}
	if err := e.ledger.PutCursor(ctx, SyncCursor{
		EntityType:     entityType,
		StoreKind:      source,
		LastFullSyncAt: highWater.Since,
		LastNativeID:   highWater.AfterID,
	}); err != nil {
		pass.Err = err.Error()
		return pass
	}
	pass.CursorAdvanced = true
	log.WithFields(logrus.Fields{"records": pass.Records, "cursor": highWater.Since}).Info("sweep pass completed")
	return pass
}
