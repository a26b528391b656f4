package provider

import (
	"fmt"
	"sync"
)

// Constructor creates a Provider from settings.
// Implementations register themselves with Register().
type Constructor func(settings Settings) (Provider, error)

// registry maps provider names to their constructors
var (
	registry      = make(map[string]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a provider constructor.
// Called from init() functions in implementation packages (fcm, ses,
// logonly).
//
// Example:
//
//	func init() {
//	    provider.Register("fcm", New)
//	}
func Register(name string, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("provider: Register constructor is nil for %s", name))
	}
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("provider: Register called twice for %s", name))
	}

	registry[name] = constructor
}

// Create instantiates a registered provider by name.
func Create(name string, settings Settings) (Provider, error) {
	registryMutex.RLock()
	constructor, ok := registry[name]
	registryMutex.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown push provider %q (registered: %v)", name, Registered())
	}
	return constructor(settings)
}

// Registered returns all registered provider names.
func Registered() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// IsRegistered returns true if a constructor exists for the given name.
func IsRegistered(name string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[name]
	return exists
}
