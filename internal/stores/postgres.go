package stores

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const (
	// DefaultChangeChannel is the LISTEN/NOTIFY channel the change triggers publish on.
	DefaultChangeChannel = "relaysync_changes"
	notifyFunctionName   = "relaysync_notify_change"
	postgresOpTimeout    = 10 * time.Second
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type PostgresOptions struct {
	DSN         string
	DB          *sql.DB
	Collections relaysync.CollectionResolver
	Logger      logrus.FieldLogger
}

// PostgresAdapter is the relational store adapter. Each entity type is a table keyed by
// a text id whose mapped columns live in a JSONB document, so merges are a single
// `data || patch` update.
type PostgresAdapter struct {
	db          *sql.DB
	dsn         string
	collections relaysync.CollectionResolver
	logger      logrus.FieldLogger
}

func NewPostgresAdapter(opts PostgresOptions) (*PostgresAdapter, error) {
	db := opts.DB
	if db == nil {
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, fmt.Errorf("%w: postgres dsn is required", relaysync.ErrInvalidInput)
		}
		opened, err := sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db = opened
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PostgresAdapter{db: db, dsn: opts.DSN, collections: opts.Collections, logger: logger}, nil
}

func (a *PostgresAdapter) Kind() relaysync.StoreKind {
	return relaysync.StoreRelational
}

func (a *PostgresAdapter) Close() error {
	return a.db.Close()
}

// EnsureSchema creates the tables for the given entity types together with the trigger
// that reports row changes on DefaultChangeChannel.
func (a *PostgresAdapter) EnsureSchema(ctx context.Context, entityTypes []string) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()
	statements := []string{fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
DECLARE
  rec RECORD;
BEGIN
  IF TG_OP = 'DELETE' THEN
    rec := OLD;
  ELSE
    rec := NEW;
  END IF;
  PERFORM pg_notify('%s', json_build_object(
    'table', TG_TABLE_NAME,
    'operation', lower(TG_OP),
    'id', rec.id,
    'modifiedAt', rec.updated_at
  )::text);
  RETURN rec;
END;
$$ LANGUAGE plpgsql`, notifyFunctionName, DefaultChangeChannel)}
	for _, entityType := range entityTypes {
		table, ok := a.collections.Collection(relaysync.StoreRelational, entityType)
		if !ok {
			continue
		}
		if !tableNamePattern.MatchString(table) {
			return fmt.Errorf("%w: table %q", relaysync.ErrInvalidInput, table)
		}
		quoted := pq.QuoteIdentifier(table)
		trigger := pq.QuoteIdentifier(table + "_relaysync_notify")
		statements = append(statements,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  data JSONB NOT NULL DEFAULT '{}'::jsonb,
  archived BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, quoted),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (updated_at, id)`, pq.QuoteIdentifier(table+"_updated_at_idx"), quoted),
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trigger, quoted),
			fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()`, trigger, quoted, notifyFunctionName),
		)
	}
	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return classifyPostgresError("schema", err)
		}
	}
	return nil
}

func (a *PostgresAdapter) FetchByID(ctx context.Context, entityType, nativeID string) (relaysync.NativeRecord, error) {
	table, err := a.table(entityType, OpFetch)
	if err != nil {
		return relaysync.NativeRecord{}, err
	}
	return a.fetchRow(ctx, table, nativeID)
}

func (a *PostgresAdapter) fetchRow(ctx context.Context, table, nativeID string) (relaysync.NativeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()
	row := a.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, data, archived, updated_at FROM %s WHERE id = $1`, pq.QuoteIdentifier(table)),
		nativeID,
	)
	record, err := scanRow(row, table)
	if errors.Is(err, sql.ErrNoRows) {
		return relaysync.NativeRecord{}, relaysync.NotFoundError(relaysync.StoreRelational, OpFetch, nativeID)
	}
	if err != nil {
		return relaysync.NativeRecord{}, classifyPostgresError(OpFetch, err)
	}
	return record, nil
}

func (a *PostgresAdapter) QueryChangedSince(ctx context.Context, entityType string, query relaysync.ChangeQuery) ([]relaysync.NativeRecord, error) {
	table, err := a.table(entityType, OpQuery)
	if err != nil {
		return nil, err
	}
	limit := query.Limit
	if limit <= 0 {
		limit = relaysync.DefaultBatchSize
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()
	rows, err := a.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, data, archived, updated_at FROM %s
WHERE (updated_at, id) > ($1, $2)
ORDER BY updated_at, id
LIMIT $3`, pq.QuoteIdentifier(table)),
		query.Since.UTC(), query.AfterID, limit,
	)
	if err != nil {
		return nil, classifyPostgresError(OpQuery, err)
	}
	defer rows.Close()
	var out []relaysync.NativeRecord
	for rows.Next() {
		record, err := scanRow(rows, table)
		if err != nil {
			return nil, classifyPostgresError(OpQuery, err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(OpQuery, err)
	}
	return out, nil
}

// Upsert inserts a new row for an empty nativeID. Otherwise it merges the patch into the
// row's document and only bumps updated_at when the document or archived flag changes.
func (a *PostgresAdapter) Upsert(ctx context.Context, entityType, nativeID string, fields relaysync.NativePayload) (relaysync.UpsertResult, error) {
	table, err := a.table(entityType, OpUpsert)
	if err != nil {
		return relaysync.UpsertResult{}, err
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return relaysync.UpsertResult{}, relaysync.ValidationError(relaysync.StoreRelational, OpUpsert, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()
	quoted := pq.QuoteIdentifier(table)

	if nativeID == "" {
		id := uuid.NewString()
		var modifiedAt time.Time
		err := a.db.QueryRowContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, data) VALUES ($1, $2::jsonb) RETURNING updated_at`, quoted),
			id, string(patch),
		).Scan(&modifiedAt)
		if err != nil {
			return relaysync.UpsertResult{}, classifyPostgresError(OpUpsert, err)
		}
		return relaysync.UpsertResult{NativeID: id, Created: true, Changed: true, ModifiedAt: modifiedAt.UTC()}, nil
	}

	var modifiedAt time.Time
	err = a.db.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE %[1]s AS t
SET data = t.data || $2::jsonb, archived = FALSE, updated_at = NOW()
WHERE t.id = $1 AND (t.data || $2::jsonb IS DISTINCT FROM t.data OR t.archived)
RETURNING t.updated_at`, quoted),
		nativeID, string(patch),
	).Scan(&modifiedAt)
	if err == nil {
		return relaysync.UpsertResult{NativeID: nativeID, Changed: true, ModifiedAt: modifiedAt.UTC()}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return relaysync.UpsertResult{}, classifyPostgresError(OpUpsert, err)
	}
	err = a.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT updated_at FROM %s WHERE id = $1`, quoted), nativeID).Scan(&modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return relaysync.UpsertResult{}, relaysync.NotFoundError(relaysync.StoreRelational, OpUpsert, nativeID)
	}
	if err != nil {
		return relaysync.UpsertResult{}, classifyPostgresError(OpUpsert, err)
	}
	return relaysync.UpsertResult{NativeID: nativeID, ModifiedAt: modifiedAt.UTC()}, nil
}

func (a *PostgresAdapter) Archive(ctx context.Context, entityType, nativeID string) error {
	table, err := a.table(entityType, OpArchive)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()
	result, err := a.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET archived = TRUE, updated_at = CASE WHEN archived THEN updated_at ELSE NOW() END WHERE id = $1`, pq.QuoteIdentifier(table)),
		nativeID,
	)
	if err != nil {
		return classifyPostgresError(OpArchive, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return classifyPostgresError(OpArchive, err)
	}
	if affected == 0 {
		return relaysync.NotFoundError(relaysync.StoreRelational, OpArchive, nativeID)
	}
	return nil
}

func (a *PostgresAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		return classifyPostgresError(OpHealth, err)
	}
	return nil
}

func (a *PostgresAdapter) table(entityType, op string) (string, error) {
	if a.collections == nil {
		return "", relaysync.ValidationError(relaysync.StoreRelational, op, errors.New("no collection resolver configured"))
	}
	table, ok := a.collections.Collection(relaysync.StoreRelational, entityType)
	if !ok || !tableNamePattern.MatchString(table) {
		return "", relaysync.ValidationError(relaysync.StoreRelational, op, fmt.Errorf("entity %q has no usable table", entityType))
	}
	return table, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner, table string) (relaysync.NativeRecord, error) {
	var (
		id         string
		data       []byte
		archived   bool
		modifiedAt time.Time
	)
	if err := row.Scan(&id, &data, &archived, &modifiedAt); err != nil {
		return relaysync.NativeRecord{}, err
	}
	properties := relaysync.NativePayload{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &properties); err != nil {
			return relaysync.NativeRecord{}, fmt.Errorf("decode row %s.%s: %w", table, id, err)
		}
	}
	return relaysync.NativeRecord{
		NativeID:       id,
		Collection:     table,
		Properties:     properties,
		LastModifiedAt: modifiedAt.UTC(),
		Archived:       archived,
	}, nil
}

// classifyPostgresError maps SQLSTATE classes onto the failure taxonomy: 28 and 42501 are
// credential problems, 22 and 23 are bad data, connection and resource classes retry.
func classifyPostgresError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "28" || pqErr.Code == "42501":
			return relaysync.AuthError(relaysync.StoreRelational, op, err)
		case pqErr.Code.Class() == "22" || pqErr.Code.Class() == "23" || pqErr.Code.Class() == "42":
			return relaysync.ValidationError(relaysync.StoreRelational, op, err)
		default:
			return relaysync.TransientError(relaysync.StoreRelational, op, err)
		}
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return relaysync.TransientError(relaysync.StoreRelational, op, fmt.Errorf("connection: %w", err))
	}
	return relaysync.TransientError(relaysync.StoreRelational, op, err)
}

// PostgresChangeFeed turns trigger notifications into row changes. Notifications lost
// while the listener reconnects are picked up by the next sweep.
type PostgresChangeFeed struct {
	adapter      *PostgresAdapter
	dsn          string
	channel      string
	logger       logrus.FieldLogger
	pingInterval time.Duration
}

func NewPostgresChangeFeed(adapter *PostgresAdapter, dsn string, logger logrus.FieldLogger) *PostgresChangeFeed {
	if dsn == "" {
		dsn = adapter.dsn
	}
	if logger == nil {
		logger = adapter.logger
	}
	return &PostgresChangeFeed{
		adapter:      adapter,
		dsn:          dsn,
		channel:      DefaultChangeChannel,
		logger:       logger,
		pingInterval: 90 * time.Second,
	}
}

type changeNotification struct {
	Table      string    `json:"table"`
	Operation  string    `json:"operation"`
	ID         string    `json:"id"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

func (f *PostgresChangeFeed) Subscribe(ctx context.Context) (<-chan relaysync.RowChange, error) {
	listener := pq.NewListener(f.dsn, 2*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		switch event {
		case pq.ListenerEventDisconnected:
			f.logger.WithError(err).Warn("postgres change feed disconnected")
		case pq.ListenerEventReconnected:
			f.logger.Info("postgres change feed reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			f.logger.WithError(err).Warn("postgres change feed reconnect attempt failed")
		}
	})
	if err := listener.Listen(f.channel); err != nil {
		_ = listener.Close()
		return nil, classifyPostgresError("listen", err)
	}
	out := make(chan relaysync.RowChange, 64)
	go func() {
		defer close(out)
		defer listener.Close()
		ticker := time.NewTicker(f.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				go func() {
					if err := listener.Ping(); err != nil {
						f.logger.WithError(err).Debug("postgres change feed ping failed")
					}
				}()
			case notification := <-listener.Notify:
				if notification == nil {
					f.logger.Info("postgres change feed re-established, missed changes will be swept")
					continue
				}
				change, err := f.decode(ctx, notification.Extra)
				if err != nil {
					f.logger.WithError(err).Warn("dropping undecodable change notification")
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// decode reads the changed row so the event carries the current document. A row that is
// gone or archived is reported as a delete.
func (f *PostgresChangeFeed) decode(ctx context.Context, payload string) (relaysync.RowChange, error) {
	var notification changeNotification
	if err := json.Unmarshal([]byte(payload), &notification); err != nil {
		return relaysync.RowChange{}, fmt.Errorf("%w: notification payload: %v", relaysync.ErrInvalidInput, err)
	}
	operation, err := relaysync.ParseOperation(notification.Operation)
	if err != nil {
		return relaysync.RowChange{}, err
	}
	change := relaysync.RowChange{
		Table:      notification.Table,
		Operation:  operation,
		NativeID:   notification.ID,
		ModifiedAt: notification.ModifiedAt.UTC(),
	}
	if operation == relaysync.OpDelete {
		return change, nil
	}
	record, err := f.adapter.fetchRow(ctx, notification.Table, notification.ID)
	switch {
	case errors.Is(err, relaysync.ErrNotFound):
		change.Operation = relaysync.OpDelete
		return change, nil
	case err != nil:
		return relaysync.RowChange{}, err
	}
	change.Row = record.Properties
	change.ModifiedAt = record.LastModifiedAt
	if record.Archived {
		change.Operation = relaysync.OpDelete
	}
	return change, nil
}

var (
	_ relaysync.StoreAdapter = (*PostgresAdapter)(nil)
	_ relaysync.ChangeFeed   = (*PostgresChangeFeed)(nil)
)
