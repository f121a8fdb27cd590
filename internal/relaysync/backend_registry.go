package relaysync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type LedgerFactory func(dsn string) (Ledger, error)
type RetryQueueFactory func(dsn string, capacity int) (RetryQueue, error)

var backendFactoryRegistry = struct {
	mu              sync.RWMutex
	ledgerFactories map[string]LedgerFactory
	queueFactories  map[string]RetryQueueFactory
}{
	ledgerFactories: map[string]LedgerFactory{},
	queueFactories:  map[string]RetryQueueFactory{},
}

// RegisterLedgerFactory lets callers plug in a ledger backend for a DSN scheme ahead of
// the built-in ones.
func RegisterLedgerFactory(scheme string, factory LedgerFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.ledgerFactories[scheme] = factory
}

func RegisterRetryQueueFactory(scheme string, factory RetryQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupLedgerFactory(scheme string) (LedgerFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.ledgerFactories[scheme]
	return factory, ok
}

func lookupRetryQueueFactory(scheme string) (RetryQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildLedgerFromDSN opens the ledger named by dsn: memory://, sqlite://path or a
// postgres:// connection string.
func BuildLedgerFromDSN(dsn string) (Ledger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryLedger(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupLedgerFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryLedger(), nil
	case "sqlite", "sqlite3", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteLedger(path)
	case "postgres", "postgresql":
		return NewPostgresLedger(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: ledger backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported ledger scheme: %s", scheme)
	}
}

// BuildRetryQueueFromDSN opens the retry queue named by dsn: memory://, file://path or a
// postgres:// connection string.
func BuildRetryQueueFromDSN(dsn string, capacity int) (RetryQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryRetryQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupRetryQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileRetryQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryRetryQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresRetryQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: retry queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported retry queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host) + strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
