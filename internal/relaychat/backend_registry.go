package relaychat

import (
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)

var stateFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}{
	factories: map[string]StateBackendFactory{},
}

// RegisterStateBackendFactory makes BuildStateBackendFromDSN route scheme to
// factory. Registered schemes take precedence over the built-in ones.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	stateFactoryRegistry.mu.Lock()
	defer stateFactoryRegistry.mu.Unlock()
	stateFactoryRegistry.factories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	stateFactoryRegistry.mu.RLock()
	defer stateFactoryRegistry.mu.RUnlock()
	factory, ok := stateFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
