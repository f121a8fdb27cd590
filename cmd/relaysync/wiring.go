package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/stores"
)

// runtime holds everything built from a Config. Close releases it in reverse order.
type runtime struct {
	cfg      config.Config
	logger   *logrus.Logger
	mapper   *relaysync.Mapper
	adapters relaysync.AdapterSet
	postgres *stores.PostgresAdapter
	ledger   relaysync.Ledger
	queue    relaysync.RetryQueue
	bus      *relaysync.EventBus
	closers  []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func (rt *runtime) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// buildStores creates one adapter per configured store. Store kinds without a
// connection get an in-memory adapter when cfg.Stores.Memory is set.
func buildStores(cfg config.Config, mapper *relaysync.Mapper, logger logrus.FieldLogger) (relaysync.AdapterSet, *stores.PostgresAdapter, []func(), error) {
	var adapters []relaysync.StoreAdapter
	var closers []func()
	var pg *stores.PostgresAdapter
	fail := func(err error) (relaysync.AdapterSet, *stores.PostgresAdapter, []func(), error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, nil, nil, err
	}

	if dsn := strings.TrimSpace(cfg.Stores.Postgres.DSN); dsn != "" {
		adapter, err := stores.NewPostgresAdapter(stores.PostgresOptions{
			DSN:         dsn,
			Collections: mapper,
			Logger:      logger.WithField("store", relaysync.StoreRelational.String()),
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = adapter.Close() })
		pg = adapter
		adapters = append(adapters, adapter)
	} else if cfg.Stores.Memory {
		adapters = append(adapters, stores.NewMemoryAdapter(relaysync.StoreRelational))
	}

	if token := strings.TrimSpace(cfg.Stores.Notion.Token); token != "" {
		adapters = append(adapters, stores.NewNotionAdapter(stores.NotionOptions{
			BaseURL:       cfg.Stores.Notion.BaseURL,
			TokenProvider: stores.StaticToken(token),
			HTTPClient:    &http.Client{Timeout: cfg.Stores.Notion.Timeout},
			APIVersion:    cfg.Stores.Notion.APIVersion,
			UserAgent:     "relaysync",
			MaxRetries:    cfg.Stores.Notion.MaxRetries,
			Collections:   mapper,
			Logger:        logger.WithField("store", relaysync.StoreWorkspace.String()),
		}))
	} else if cfg.Stores.Memory {
		adapters = append(adapters, stores.NewMemoryAdapter(relaysync.StoreWorkspace))
	}

	if uri := strings.TrimSpace(cfg.Stores.Neo4j.URI); uri != "" {
		adapter, err := stores.NewNeo4jAdapter(stores.Neo4jOptions{
			URI:         uri,
			Username:    cfg.Stores.Neo4j.Username,
			Password:    cfg.Stores.Neo4j.Password,
			Database:    cfg.Stores.Neo4j.Database,
			Collections: mapper,
			Logger:      logger.WithField("store", relaysync.StoreGraph.String()),
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = adapter.Close(context.Background()) })
		adapters = append(adapters, adapter)
	} else if cfg.Stores.Memory {
		adapters = append(adapters, stores.NewMemoryAdapter(relaysync.StoreGraph))
	}

	set, err := relaysync.NewAdapterSet(adapters...)
	if err != nil {
		return fail(err)
	}
	return set, pg, closers, nil
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	mapper, err := relaysync.LoadMappingFile(cfg.MappingsFile)
	if err != nil {
		return nil, err
	}
	rt.mapper = mapper

	adapters, pg, closers, err := buildStores(cfg, mapper, logger)
	if err != nil {
		return nil, err
	}
	rt.adapters, rt.postgres = adapters, pg
	rt.closers = append(rt.closers, closers...)

	if err := ensureSchemas(ctx, cfg, rt, logger); err != nil {
		return nil, err
	}

	ledgerDSN, queueDSN, err := cfg.StorageDSNs()
	if err != nil {
		return nil, err
	}
	ledger, err := relaysync.BuildLedgerFromDSN(ledgerDSN)
	if err != nil {
		return nil, fmt.Errorf("build ledger: %w", err)
	}
	rt.ledger = ledger
	rt.onClose(func() { _ = ledger.Close() })

	queue, err := relaysync.BuildRetryQueueFromDSN(queueDSN, cfg.Sync.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("build retry queue: %w", err)
	}
	rt.queue = queue
	rt.onClose(func() { _ = queue.Close() })

	rt.bus = relaysync.NewEventBus(relaysync.EventBusOptions{HistorySize: cfg.Sync.HistorySize, Logger: logger})

	logger.WithFields(logrus.Fields{
		"stores":       storeNames(adapters),
		"entity_types": mapper.EntityTypes(),
		"ledger":       backendName(ledgerDSN),
		"retry_queue":  backendName(queueDSN),
	}).Info("relaysync runtime ready")
	ok = true
	return rt, nil
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context, entityTypes []string) error
}

func ensureSchemas(ctx context.Context, cfg config.Config, rt *runtime, logger logrus.FieldLogger) error {
	want := map[relaysync.StoreKind]bool{
		relaysync.StoreRelational: cfg.Stores.Postgres.EnsureSchema,
		relaysync.StoreGraph:      cfg.Stores.Neo4j.EnsureSchema,
	}
	for kind, enabled := range want {
		if !enabled {
			continue
		}
		adapter, ok := rt.adapters[kind]
		if !ok {
			continue
		}
		ensurer, ok := adapter.(schemaEnsurer)
		if !ok {
			continue
		}
		if err := ensurer.EnsureSchema(ctx, rt.mapper.EntityTypes()); err != nil {
			return fmt.Errorf("ensure %s schema: %w", kind, err)
		}
		logger.WithField("store", kind.String()).Info("schema ensured")
	}
	return nil
}

func (rt *runtime) newEngine() (*relaysync.Engine, error) {
	return relaysync.NewEngine(relaysync.EngineOptions{
		Adapters:        rt.adapters,
		Mapper:          rt.mapper,
		Ledger:          rt.ledger,
		RetryQueue:      rt.queue,
		Bus:             rt.bus,
		Logger:          rt.logger,
		MaxAttempts:     rt.cfg.Sync.MaxAttempts,
		BatchSize:       rt.cfg.Sync.BatchSize,
		SyncInterval:    rt.cfg.Sync.Interval,
		RetryDelay:      rt.cfg.Sync.RetryDelay,
		RetryBackoff:    rt.cfg.Sync.RetryBackoff,
		RetryBackoffMax: rt.cfg.Sync.RetryBackoffMax,
	})
}

func storeNames(adapters relaysync.AdapterSet) []string {
	names := make([]string, 0, len(adapters))
	for _, kind := range relaysync.AllStoreKinds {
		if _, ok := adapters[kind]; ok {
			names = append(names, kind.String())
		}
	}
	return names
}

// backendName strips credentials from a DSN for logging.
func backendName(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "memory"
	}
	if idx := strings.Index(dsn, "://"); idx > 0 {
		return dsn[:idx]
	}
	return "file"
}
