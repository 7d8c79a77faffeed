package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/audittrail/audittrail/internal/config"
)

// ErrNoBackend is returned by NewStorage when no backend is configured.
// Archive exports are skipped in that case.
var ErrNoBackend = errors.New("no storage backend configured")

// FactoryFunc builds a backend from the application config.
type FactoryFunc func(*config.Config) (Storage, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]FactoryFunc)
)

// Register makes a backend available under name. Registering the same name
// twice replaces the earlier factory.
func Register(name string, factory FactoryFunc) {
	mu.Lock()
	defer mu.Unlock()
	factories[strings.ToLower(name)] = factory
}

// Backends lists the registered backend names.
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewStorage builds the backend named by cfg.Storage.DefaultBackend.
func NewStorage(cfg *config.Config) (Storage, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Storage.DefaultBackend))
	if name == "" {
		return nil, ErrNoBackend
	}

	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s (registered: %s)",
			name, strings.Join(Backends(), ", "))
	}
	return factory(cfg)
}
