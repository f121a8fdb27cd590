package stores

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

// Bookkeeping properties kept on every synced node next to the mapped fields.
const (
	graphIDProperty       = "native_id"
	graphModifiedProperty = "updated_at"
	graphArchivedProperty = "archived"
)

var graphLabelPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Neo4jOptions struct {
	URI         string
	Username    string
	Password    string
	Database    string
	Collections relaysync.CollectionResolver
	Logger      logrus.FieldLogger
}

// Neo4jAdapter is the graph store adapter. Records are nodes labelled with the entity's
// collection and keyed by the native_id property.
type Neo4jAdapter struct {
	driver      neo4j.DriverWithContext
	database    string
	collections relaysync.CollectionResolver
	logger      logrus.FieldLogger
	newID       func() string
}

func NewNeo4jAdapter(opts Neo4jOptions) (*Neo4jAdapter, error) {
	if strings.TrimSpace(opts.URI) == "" {
		return nil, fmt.Errorf("%w: neo4j uri is required", relaysync.ErrInvalidInput)
	}
	driver, err := neo4j.NewDriverWithContext(opts.URI, neo4j.BasicAuth(opts.Username, opts.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Neo4jAdapter{
		driver:      driver,
		database:    opts.Database,
		collections: opts.Collections,
		logger:      logger,
		newID:       newGraphID,
	}, nil
}

func (a *Neo4jAdapter) Kind() relaysync.StoreKind {
	return relaysync.StoreGraph
}

func (a *Neo4jAdapter) Close(ctx context.Context) error {
	return a.driver.Close(ctx)
}

// EnsureSchema creates a uniqueness constraint on native_id for each entity's label.
func (a *Neo4jAdapter) EnsureSchema(ctx context.Context, entityTypes []string) error {
	for _, entityType := range entityTypes {
		label, ok := a.collections.Collection(relaysync.StoreGraph, entityType)
		if !ok {
			continue
		}
		if !graphLabelPattern.MatchString(label) {
			return fmt.Errorf("%w: graph label %q", relaysync.ErrInvalidInput, label)
		}
		query := fmt.Sprintf("CREATE CONSTRAINT relaysync_%s_native_id IF NOT EXISTS FOR (n:`%s`) REQUIRE n.%s IS UNIQUE",
			strings.ToLower(label), label, graphIDProperty)
		if _, err := a.run(ctx, "schema", neo4j.AccessModeWrite, query, nil); err != nil {
			return err
		}
		a.logger.WithField("label", label).Debug("graph constraint ensured")
	}
	return nil
}

func (a *Neo4jAdapter) FetchByID(ctx context.Context, entityType, nativeID string) (relaysync.NativeRecord, error) {
	label, err := a.label(entityType, OpFetch)
	if err != nil {
		return relaysync.NativeRecord{}, err
	}
	query := fmt.Sprintf("MATCH (n:`%s` {%s: $id}) RETURN n", label, graphIDProperty)
	records, err := a.run(ctx, OpFetch, neo4j.AccessModeRead, query, map[string]any{"id": nativeID})
	if err != nil {
		return relaysync.NativeRecord{}, err
	}
	if len(records) == 0 {
		return relaysync.NativeRecord{}, relaysync.NotFoundError(relaysync.StoreGraph, OpFetch, nativeID)
	}
	return nodeRecord(records[0], label)
}

func (a *Neo4jAdapter) QueryChangedSince(ctx context.Context, entityType string, query relaysync.ChangeQuery) ([]relaysync.NativeRecord, error) {
	label, err := a.label(entityType, OpQuery)
	if err != nil {
		return nil, err
	}
	limit := query.Limit
	if limit <= 0 {
		limit = relaysync.DefaultBatchSize
	}
	cypher := fmt.Sprintf(`MATCH (n:`+"`%s`"+`)
WHERE n.%[2]s > $since OR (n.%[2]s = $since AND n.%[3]s > $after)
RETURN n
ORDER BY n.%[2]s, n.%[3]s
LIMIT $limit`, label, graphModifiedProperty, graphIDProperty)
	records, err := a.run(ctx, OpQuery, neo4j.AccessModeRead, cypher, map[string]any{
		"since": query.Since.UTC(),
		"after": query.AfterID,
		"limit": int64(limit),
	})
	if err != nil {
		return nil, err
	}
	out := make([]relaysync.NativeRecord, 0, len(records))
	for _, record := range records {
		native, err := nodeRecord(record, label)
		if err != nil {
			return nil, err
		}
		out = append(out, native)
	}
	return out, nil
}

// Upsert merges fields into the node with SET +=. Existing nodes are only touched when a
// property differs or the node was archived, so a repeated write leaves updated_at alone.
func (a *Neo4jAdapter) Upsert(ctx context.Context, entityType, nativeID string, fields relaysync.NativePayload) (relaysync.UpsertResult, error) {
	label, err := a.label(entityType, OpUpsert)
	if err != nil {
		return relaysync.UpsertResult{}, err
	}
	props := map[string]any{}
	for key, value := range fields {
		if key == graphIDProperty || key == graphModifiedProperty || key == graphArchivedProperty {
			return relaysync.UpsertResult{}, relaysync.ValidationError(relaysync.StoreGraph, OpUpsert, fmt.Errorf("property %q is reserved", key))
		}
		props[key] = value
	}

	if nativeID == "" {
		nativeID = a.newID()
		cypher := fmt.Sprintf("CREATE (n:`%s`) SET n = $props, n.%s = $id, n.%s = false, n.%s = datetime() RETURN n.%s AS updated_at",
			label, graphIDProperty, graphArchivedProperty, graphModifiedProperty, graphModifiedProperty)
		records, err := a.run(ctx, OpUpsert, neo4j.AccessModeWrite, cypher, map[string]any{"id": nativeID, "props": props})
		if err != nil {
			return relaysync.UpsertResult{}, err
		}
		if len(records) == 0 {
			return relaysync.UpsertResult{}, relaysync.TransientError(relaysync.StoreGraph, OpUpsert, errors.New("create returned no node"))
		}
		modifiedAt, _ := recordTime(records[0], "updated_at")
		return relaysync.UpsertResult{NativeID: nativeID, Created: true, Changed: true, ModifiedAt: modifiedAt}, nil
	}

	cypher := fmt.Sprintf(`MATCH (n:`+"`%s`"+` {%[2]s: $id})
WITH n, coalesce(n.%[3]s, false) OR any(k IN keys($props) WHERE coalesce(n[k] <> $props[k], NOT (n[k] IS NULL AND $props[k] IS NULL))) AS changed
FOREACH (_ IN CASE WHEN changed THEN [1] ELSE [] END |
  SET n += $props, n.%[3]s = false, n.%[4]s = datetime())
RETURN n.%[4]s AS updated_at, changed`, label, graphIDProperty, graphArchivedProperty, graphModifiedProperty)
	records, err := a.run(ctx, OpUpsert, neo4j.AccessModeWrite, cypher, map[string]any{"id": nativeID, "props": props})
	if err != nil {
		return relaysync.UpsertResult{}, err
	}
	if len(records) == 0 {
		return relaysync.UpsertResult{}, relaysync.NotFoundError(relaysync.StoreGraph, OpUpsert, nativeID)
	}
	modifiedAt, _ := recordTime(records[0], "updated_at")
	changed, _ := records[0].Get("changed")
	isChanged, _ := changed.(bool)
	return relaysync.UpsertResult{NativeID: nativeID, Changed: isChanged, ModifiedAt: modifiedAt}, nil
}

func (a *Neo4jAdapter) Archive(ctx context.Context, entityType, nativeID string) error {
	label, err := a.label(entityType, OpArchive)
	if err != nil {
		return err
	}
	cypher := fmt.Sprintf(`MATCH (n:`+"`%s`"+` {%[2]s: $id})
SET n.%[4]s = CASE WHEN coalesce(n.%[3]s, false) THEN n.%[4]s ELSE datetime() END, n.%[3]s = true
RETURN n.%[2]s AS id`, label, graphIDProperty, graphArchivedProperty, graphModifiedProperty)
	records, err := a.run(ctx, OpArchive, neo4j.AccessModeWrite, cypher, map[string]any{"id": nativeID})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return relaysync.NotFoundError(relaysync.StoreGraph, OpArchive, nativeID)
	}
	return nil
}

func (a *Neo4jAdapter) HealthCheck(ctx context.Context) error {
	if err := a.driver.VerifyConnectivity(ctx); err != nil {
		return classifyNeo4jError(OpHealth, err)
	}
	return nil
}

func (a *Neo4jAdapter) label(entityType, op string) (string, error) {
	if a.collections == nil {
		return "", relaysync.ValidationError(relaysync.StoreGraph, op, errors.New("no collection resolver configured"))
	}
	label, ok := a.collections.Collection(relaysync.StoreGraph, entityType)
	if !ok || !graphLabelPattern.MatchString(label) {
		return "", relaysync.ValidationError(relaysync.StoreGraph, op, fmt.Errorf("entity %q has no usable graph label", entityType))
	}
	return label, nil
}

func (a *Neo4jAdapter) run(ctx context.Context, op string, mode neo4j.AccessMode, query string, params map[string]any) ([]*neo4j.Record, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: a.database})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, classifyNeo4jError(op, err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, classifyNeo4jError(op, err)
	}
	return records, nil
}

func classifyNeo4jError(op string, err error) error {
	if err == nil {
		return nil
	}
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		switch {
		case strings.Contains(neoErr.Code, ".Security."):
			return relaysync.AuthError(relaysync.StoreGraph, op, err)
		case strings.HasPrefix(neoErr.Code, "Neo.TransientError."):
			return relaysync.TransientError(relaysync.StoreGraph, op, err)
		case strings.HasPrefix(neoErr.Code, "Neo.ClientError."):
			return relaysync.ValidationError(relaysync.StoreGraph, op, err)
		}
	}
	if neo4j.IsConnectivityError(err) {
		return relaysync.TransientError(relaysync.StoreGraph, op, fmt.Errorf("connectivity: %w", err))
	}
	return relaysync.TransientError(relaysync.StoreGraph, op, err)
}

func nodeRecord(record *neo4j.Record, label string) (relaysync.NativeRecord, error) {
	raw, ok := record.Get("n")
	if !ok {
		return relaysync.NativeRecord{}, relaysync.TransientError(relaysync.StoreGraph, "decode", errors.New("result has no node column"))
	}
	node, ok := raw.(neo4j.Node)
	if !ok {
		return relaysync.NativeRecord{}, relaysync.TransientError(relaysync.StoreGraph, "decode", fmt.Errorf("unexpected node type %T", raw))
	}
	native := relaysync.NativeRecord{Collection: label, Properties: relaysync.NativePayload{}}
	for key, value := range node.Props {
		switch key {
		case graphIDProperty:
			native.NativeID, _ = value.(string)
		case graphModifiedProperty:
			native.LastModifiedAt = graphTime(value)
		case graphArchivedProperty:
			native.Archived, _ = value.(bool)
		default:
			native.Properties[key] = graphValue(value)
		}
	}
	if native.NativeID == "" {
		return relaysync.NativeRecord{}, relaysync.TransientError(relaysync.StoreGraph, "decode", errors.New("node without native_id"))
	}
	return native, nil
}

func recordTime(record *neo4j.Record, key string) (time.Time, bool) {
	raw, ok := record.Get(key)
	if !ok {
		return time.Time{}, false
	}
	ts := graphTime(raw)
	return ts, !ts.IsZero()
}

func graphTime(value any) time.Time {
	switch v := value.(type) {
	case time.Time:
		return v.UTC()
	case neo4j.LocalDateTime:
		return v.Time().UTC()
	case neo4j.Date:
		return v.Time().UTC()
	default:
		return time.Time{}
	}
}

// graphValue turns driver-specific temporal and list values into plain Go values the
// mapper understands.
func graphValue(value any) any {
	switch v := value.(type) {
	case neo4j.LocalDateTime, neo4j.Date:
		return graphTime(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case int64:
		return float64(v)
	default:
		return v
	}
}

func newGraphID() string {
	return "g_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

var _ relaysync.StoreAdapter = (*Neo4jAdapter)(nil)
