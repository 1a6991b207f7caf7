package adapters

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an adapter from platform-specific configuration.
type Factory func(config map[string]interface{}) (Adapter, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register installs a factory for a platform, replacing any previous one.
// Adapters register themselves in their init functions.
func Register(platform string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[platform] = factory
}

// New builds an adapter for the given platform.
func New(platform string, config map[string]interface{}) (Adapter, error) {
	factoriesMu.RLock()
	factory, ok := factories[platform]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q (supported: %v)", platform, Supported())
	}
	return factory(config)
}

// Supported lists platforms with a registered adapter, sorted.
func Supported() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	platforms := make([]string, 0, len(factories))
	for platform := range factories {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)
	return platforms
}

// IsSupported reports whether a platform has a registered adapter.
func IsSupported(platform string) bool {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	_, ok := factories[platform]
	return ok
}
