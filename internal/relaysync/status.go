package relaysync

import (
	"time"
)

type Statistics struct {
	EventsProcessed  int64      `json:"eventsProcessed"`
	Succeeded        int64      `json:"succeeded"`
	Failed           int64      `json:"failed"`
	Conflicts        int64      `json:"conflictsDiscarded"`
	Skipped          int64      `json:"skipped"`
	RetriesScheduled int64      `json:"retriesScheduled"`
	Sweeps           int64      `json:"sweeps"`
	RetryQueueDepth  int        `json:"retryQueueDepth"`
	InFlight         int        `json:"inFlight"`
	LastEventAt      *time.Time `json:"lastEventAt,omitempty"`
}

type StatusError struct {
	At            time.Time  `json:"at"`
	ChangeEventID string     `json:"changeEventId,omitempty"`
	EntityType    string     `json:"entityType,omitempty"`
	CanonicalID   string     `json:"canonicalId,omitempty"`
	Store         StoreKind  `json:"store,omitempty"`
	ErrorClass    ErrorClass `json:"errorClass,omitempty"`
	Message       string     `json:"message"`
}

// Status is the operator view served by GET /sync/status.
type Status struct {
	LastSync   *time.Time    `json:"lastSync"`
	IsRunning  bool          `json:"isRunning"`
	Errors     []StatusError `json:"errors"`
	Statistics Statistics    `json:"statistics"`
	LastSweep  *SweepReport  `json:"lastSweep,omitempty"`
}

func (e *Engine) Status() Status {
	e.statsMu.Lock()
	stats := e.stats
	errs := make([]StatusError, len(e.recentErrors))
	copy(errs, e.recentErrors)
	var lastSync *time.Time
	if !e.lastSync.IsZero() {
		synced := e.lastSync
		lastSync = &synced
	}
	var lastSweep *SweepReport
	if e.lastSweep != nil {
		report := *e.lastSweep
		lastSweep = &report
	}
	e.statsMu.Unlock()

	stats.RetryQueueDepth = e.queue.Depth()
	stats.InFlight = e.InFlight()
	return Status{
		LastSync:   lastSync,
		IsRunning:  e.sweeping.Load(),
		Errors:     errs,
		Statistics: stats,
		LastSweep:  lastSweep,
	}
}

func (e *Engine) countEvent(state EventState, resolution Resolution) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	now := e.now().UTC()
	e.stats.EventsProcessed++
	e.stats.LastEventAt = &now
	switch resolution {
	case ResolutionConflictDiscarded:
		e.stats.Conflicts++
	case ResolutionUnchanged, ResolutionNothingToDo:
		e.stats.Skipped++
	}
	switch state {
	case StateSucceeded:
		e.stats.Succeeded++
	case StateFailed:
		e.stats.Failed++
	}
}

func (e *Engine) countRetry() {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.EventsProcessed++
	e.stats.RetriesScheduled++
}

// recordError keeps the most recent errors, oldest first, for the status endpoint.
func (e *Engine) recordError(event ChangeEvent, class ErrorClass, err error) {
	if err == nil {
		return
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.recentErrors = append(e.recentErrors, StatusError{
		At:            e.now().UTC(),
		ChangeEventID: event.ID,
		EntityType:    event.EntityType,
		CanonicalID:   event.CanonicalID,
		Store:         event.StoreKind,
		ErrorClass:    class,
		Message:       err.Error(),
	})
	if overflow := len(e.recentErrors) - maxRecentErrors; overflow > 0 {
		e.recentErrors = append([]StatusError(nil), e.recentErrors[overflow:]...)
	}
}

func (e *Engine) recordSweepError(report SweepReport, message string) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.recentErrors = append(e.recentErrors, StatusError{
		At:      e.now().UTC(),
		Message: "sweep " + report.Trigger + ": " + message,
	})
	if overflow := len(e.recentErrors) - maxRecentErrors; overflow > 0 {
		e.recentErrors = append([]StatusError(nil), e.recentErrors[overflow:]...)
	}
}

func (e *Engine) markSynced() {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.lastSync = e.now().UTC()
}

func (e *Engine) finishSweep(report SweepReport) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Sweeps++
	if report.Err == "" {
		e.lastSync = report.FinishedAt
	}
	e.lastSweep = &report
}
