package plugin

import (
	"sort"
	"sync"
)

// Factory constructs a fresh plugin instance. A new instance is created on
// every load so state never leaks across load cycles or mode switches.
type Factory func() Plugin

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory installs a builtin plugin factory under its name.
// Registration typically happens from package init. Re-registering a name
// replaces the previous factory.
func RegisterFactory(name string, f Factory) {
	if name == "" || f == nil {
		return
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// LookupFactory returns the factory registered under name.
func LookupFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// FactoryNames lists registered factories in sorted order.
func FactoryNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
