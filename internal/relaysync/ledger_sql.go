package relaysync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	ledgerCrossRefTable    = "relaysync_cross_refs"
	ledgerRecordStateTable = "relaysync_record_states"
	ledgerCursorTable      = "relaysync_cursors"
	ledgerAttemptTable     = "relaysync_attempts"
	ledgerOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures the few differences between Postgres and SQLite. Queries are
// written once with $N placeholders and rebound per dialect.
type sqlDialect struct {
	name      string
	driver    string
	serialPK  string
	rebind    func(string) string
	configure func(*sql.DB) error
}

var sqlitePlaceholder = regexp.MustCompile(`\$(\d+)`)

var postgresDialect = sqlDialect{
	name:     "postgres",
	driver:   "postgres",
	serialPK: "BIGSERIAL PRIMARY KEY",
	rebind:   func(query string) string { return query },
	configure: func(db *sql.DB) error {
		return nil
	},
}

var sqliteDialect = sqlDialect{
	name:     "sqlite",
	driver:   "sqlite3",
	serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
	rebind: func(query string) string {
		return sqlitePlaceholder.ReplaceAllString(query, "?$1")
	},
	configure: func(db *sql.DB) error {
		// A single connection keeps :memory: databases coherent and serializes writers.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(pragma); err != nil {
				return fmt.Errorf("sqlite %s: %w", pragma, err)
			}
		}
		return nil
	},
}

// SQLLedger stores the ledger in Postgres (normally the relational store itself) or in an
// embedded SQLite file.
type SQLLedger struct {
	dialect sqlDialect
	dsn     string
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLedger(dsn string) (*SQLLedger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLLedger{dialect: postgresDialect, dsn: dsn, openDB: sql.Open}, nil
}

func NewSQLiteLedger(path string) (*SQLLedger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		dsn = "file:" + path
	}
	return &SQLLedger{dialect: sqliteDialect, dsn: dsn, openDB: sql.Open}, nil
}

func (l *SQLLedger) Dialect() string {
	return l.dialect.name
}

func (l *SQLLedger) ensureReady(ctx context.Context) error {
	if l == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		db, err := l.openDB(l.dialect.driver, l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		if err := l.dialect.configure(db); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerOperationTimeout)
		defer cancel()
		for _, statement := range l.schema() {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				l.initErr = fmt.Errorf("migrate %s ledger: %w", l.dialect.name, err)
				return
			}
		}
		l.db = db
	})
	return l.initErr
}

func (l *SQLLedger) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			canonical_id TEXT NOT NULL,
			store_kind TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			native_id TEXT NOT NULL,
			last_modified_at BIGINT NOT NULL,
			version BIGINT NOT NULL,
			PRIMARY KEY (canonical_id, store_kind)
		)`, quoteIdentifier(ledgerCrossRefTable)),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (entity_type, store_kind, native_id)`,
			quoteIdentifier(ledgerCrossRefTable+"_native_idx"), quoteIdentifier(ledgerCrossRefTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			canonical_id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			last_modified_at BIGINT NOT NULL,
			version BIGINT NOT NULL,
			fingerprint TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0
		)`, quoteIdentifier(ledgerRecordStateTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			entity_type TEXT NOT NULL,
			store_kind TEXT NOT NULL,
			last_full_sync_at BIGINT NOT NULL,
			last_native_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (entity_type, store_kind)
		)`, quoteIdentifier(ledgerCursorTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			change_event_id TEXT NOT NULL,
			canonical_id TEXT NOT NULL DEFAULT '',
			attempt_number INTEGER NOT NULL,
			target_store TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			outcome TEXT NOT NULL,
			error_class TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`, quoteIdentifier(ledgerAttemptTable), l.dialect.serialPK),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (change_event_id)`,
			quoteIdentifier(ledgerAttemptTable+"_event_idx"), quoteIdentifier(ledgerAttemptTable)),
	}
}

func (l *SQLLedger) LookupCrossRef(ctx context.Context, entityType string, store StoreKind, nativeID string) (CrossReferenceEntry, error) {
	if err := l.ensureReady(ctx); err != nil {
		return CrossReferenceEntry{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, ledgerOperationTimeout)
	defer cancel()

	query := l.dialect.rebind(fmt.Sprintf(`
		SELECT canonical_id, entity_type, store_kind, native_id, last_modified_at, version
		FROM %s
		WHERE entity_type = $1 AND store_kind = $2 AND native_id = $3`, quoteIdentifier(ledgerCrossRefTable)))
	entry, err := scanCrossRef(l.db.QueryRowContext(ctx, query, entityType, store.String(), nativeID))
	if errors.Is(err, sql.ErrNoRows) {
		return CrossReferenceEntry{}, ErrNotFound
	}
	return entry, err
}

func (l *SQLLedger) CrossRefs(ctx context.Context, canonicalID string) ([]CrossReferenceEntry, error) {
	if err := l.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, ledgerOperationTimeout)
	defer cancel()

	query := l.dialect.rebind(fmt.Sprintf(`
		SELECT canonical_id, entity_type, store_kind, native_id, last_modified_at, version
		FROM %s
		WHERE canonical_id = $1
		ORDER BY store_kind`, quoteIdentifier(ledgerCrossRefTable)))
	rows, err := l.db.QueryContext(ctx, query, canonicalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []CrossReferenceEntry{}
	for rows.Next() {
		entry, err := scanCrossRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (l *SQLLedger) UpsertCrossRef(ctx context.Context, entry CrossReferenceEntry) error {
	if err := validateCrossRef(entry); err != nil {
		return err
	}
	if err := l.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, ledgerOperationTimeout)
	defer cancel()

	ownerQuery := l.dialect.rebind(fmt.Sprintf(`
		SELECT canonical_id FROM %s
		WHERE entity_type = $1 AND store_kind = $2 AND native_id = $3`, quoteIdentifier(ledgerCrossRefTable)))
	var owner string
	err := l.db.QueryRowContext(ctx, ownerQuery, entry.EntityType, entry.StoreKind.String(), entry.NativeID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case owner != entry.CanonicalID:
		return fmt.Errorf("%w: %s %s %s belongs to %s", ErrNativeIDClaimed, entry.EntityType, entry.StoreKind, entry.NativeID, owner)
	}

	query := l.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (canonical_id, store_kind, entity_type, native_id, last_modified_at, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (canonical_id, store_kind)
		DO UPDATE SET native_id = excluded.native_id,
			last_modified_at = excluded.last_modified_at,
			version = excluded.version`, quoteIdentifier(ledgerCrossRefTable)))
	_, err = l.db.ExecContext(ctx, query,
		entry.CanonicalID, entry.StoreKind.String(), entry.EntityType, entry.NativeID,
		toUnixNano(entry.LastModifiedAt), entry.Version)
	if isUniqueViolation(err) {
		// Another writer claimed the native id between the owner check and the insert.
		return fmt.Errorf("%w: %s %s %s: %v", ErrNativeIDClaimed, entry.EntityType, entry.StoreKind, entry.NativeID, err)
	}
	return err
}

// isUniqueViolation recognizes the native-id unique index firing on either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE)
}

func (l *SQLLedger) RecordState(ctx context.Context, canonicalID string) (RecordState, error) {
	if err := l.ensureReady(ctx); err != nil {
		return RecordState{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, ledgerOperationTimeout)
	defer cancel()

	query := l.dialect.rebind(fmt.Sprintf(`
		SELECT canonical_id, entity_type, last_modified_at, version, fingerprint, archived
		FROM %s WHERE canonical_id = $1`, quoteIdentifier(ledgerRecordStateTable)))
	var (
		state    RecordState
		modified int64
		archived int64
	)
	err := l.db.QueryRowContext(ctx, query, canonicalID).Scan(
		&state.CanonicalID, &state.EntityType, &modified, &state.Version, &state.Fingerprint, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return RecordState{}, ErrNotFound
	}
	if err != nil {
		return RecordState{}, err
	}
	state.LastModifiedAt = fromUnixNano(modified)
	state.Archived = archived != 0
	return state, nil
}

func (l *SQLLedger) PutRecordState(ctx context.Context, state RecordState) error {
	if strings.TrimSpace(state.CanonicalID) == "" {
		return ErrInvalidInput
	}
	if err := l.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, ledgerOperationTimeout)
	defer cancel()

	query := l.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (canonical_id, entity_type, last_modified_at, version, fingerprint, archived)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (canonical_id)
		DO UPDATE SET entity_type = excluded.entity_type,
			last_modified_at = excluded.last_modified_at,
			version = excluded.version,
			fingerprint = excluded.fingerprint,
			archived = excluded.archived`, quoteIdentifier(ledgerRecordStateTable)))
	_, err := l.db.ExecContext(ctx, query,
		state.CanonicalID, state.EntityType, toUnixNano(state.LastModifiedAt), state.Version,
		state.Fingerprint, boolToInt(state.Archived))
	return err
}

func (l *SQLLedger) Cursor(ctx context.Context, entityType string, store StoreKind) (SyncCursor, error) {
	if err := l.ensureReady(ctx); err != nil {
		return SyncCursor{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, ledgerOperationTimeout)
	defer cancel()

	query := l.dialect.rebind(fmt.Sprintf(`
		SELECT last_full_sync_at, last_native_id FROM %s
		WHERE entity_type = $1 AND store_kind = $2`, quoteIdentifier(ledgerCursorTable)))
	var (
		syncedAt int64
		lastID   string
	)
	err := l.db.QueryRowContext(ctx, query, entityType, store.String()).Scan(&syncedAt, &lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncCursor{}, ErrNotFound
	}
	if err != nil {
		return SyncCursor{}, err
	}
	return SyncCursor{
		EntityType:     entityType,
		StoreKind:      store,
		LastFullSyncAt: fromUnixNano(syncedAt),
		LastNativeID:   lastID,
	}, nil
}

func (l *SQLLedger) PutCursor(ctx context.Context, cursor SyncCursor) error {
	if strings.TrimSpace(cursor.EntityType) == "" || !cursor.StoreKind.Valid() {
		return ErrInvalidInput
	}
	if err := l.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, ledgerOperationTimeout)
	defer cancel()

	query := l.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (entity_type, store_kind, last_full_sync_at, last_native_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_type, store_kind)
		DO UPDATE SET last_full_sync_at = excluded.last_full_sync_at,
			last_native_id = excluded.last_native_id`, quoteIdentifier(ledgerCursorTable)))
	_, err := l.db.ExecContext(ctx, query,
		cursor.EntityType, cursor.StoreKind.String(), toUnixNano(cursor.LastFullSyncAt), cursor.LastNativeID)
	return err
}

func (l *SQLLedger) AppendAttempt(ctx context.Context, attempt SyncAttempt) error {
	if strings.TrimSpace(attempt.ChangeEventID) == "" {
		return ErrInvalidInput
	}
	if err := l.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, ledgerOperationTimeout)
	defer cancel()

	query := l.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (change_event_id, canonical_id, attempt_number, target_store, started_at, outcome, error_class, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, quoteIdentifier(ledgerAttemptTable)))
	_, err := l.db.ExecContext(ctx, query,
		attempt.ChangeEventID, attempt.CanonicalID, attempt.AttemptNumber, attempt.TargetStore.String(),
		toUnixNano(attempt.StartedAt), string(attempt.Outcome), string(attempt.ErrorClass), attempt.Error)
	return err
}

func (l *SQLLedger) Attempts(ctx context.Context, changeEventID string) ([]SyncAttempt, error) {
	if err := l.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, ledgerOperationTimeout)
	defer cancel()

	query := l.dialect.rebind(fmt.Sprintf(`
		SELECT change_event_id, canonical_id, attempt_number, target_store, started_at, outcome, error_class, error
		FROM %s WHERE change_event_id = $1
		ORDER BY attempt_number ASC, id ASC`, quoteIdentifier(ledgerAttemptTable)))
	rows, err := l.db.QueryContext(ctx, query, changeEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SyncAttempt{}
	for rows.Next() {
		var (
			attempt    SyncAttempt
			target     string
			startedAt  int64
			outcome    string
			errorClass string
		)
		if err := rows.Scan(&attempt.ChangeEventID, &attempt.CanonicalID, &attempt.AttemptNumber, &target,
			&startedAt, &outcome, &errorClass, &attempt.Error); err != nil {
			return nil, err
		}
		if attempt.TargetStore, err = ParseStoreKind(target); err != nil {
			return nil, err
		}
		attempt.StartedAt = fromUnixNano(startedAt)
		attempt.Outcome = EventState(outcome)
		attempt.ErrorClass = ErrorClass(errorClass)
		out = append(out, attempt)
	}
	return out, rows.Err()
}

func (l *SQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCrossRef(row rowScanner) (CrossReferenceEntry, error) {
	var (
		entry    CrossReferenceEntry
		store    string
		modified int64
	)
	if err := row.Scan(&entry.CanonicalID, &entry.EntityType, &store, &entry.NativeID, &modified, &entry.Version); err != nil {
		return CrossReferenceEntry{}, err
	}
	kind, err := ParseStoreKind(store)
	if err != nil {
		return CrossReferenceEntry{}, err
	}
	entry.StoreKind = kind
	entry.LastModifiedAt = fromUnixNano(modified)
	return entry, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
