package device

import (
	"github.com/hearth-home/hearth/internal/store"
)

// ResolveOwner returns the plugin that owns a device. Bindings must be
// ordered oldest first; the first binding whose selector matches wins, so
// ownership is stable as later plugins register overlapping selectors.
// Bindings with unparsable selectors are skipped.
func ResolveOwner(bindings []store.Binding, d store.Device) (string, bool) {
	for _, b := range bindings {
		sel, err := ParseSelector(b.Selector)
		if err != nil {
			continue
		}
		if sel.Matches(d) {
			return b.PluginName, true
		}
	}
	return "", false
}

// MatchDevices filters devices down to those matched by the selector.
func MatchDevices(sel Selector, devices []store.Device) []store.Device {
	var out []store.Device
	for _, d := range devices {
		if sel.Matches(d) {
			out = append(out, d)
		}
	}
	return out
}
