package eventbus

import "strings"

// Pattern is a subscription filter over topics. A `*` segment matches exactly
// one dot-delimited topic segment: `*.device.*` matches `kitchen.device.power`
// but not `kitchen.sensor.power` or `device.power`.
type Pattern string

// Match reports whether the pattern accepts the given topic.
func (p Pattern) Match(topic Topic) bool {
	if p == "" || topic == "" {
		return false
	}
	if string(p) == string(topic) {
		return true
	}
	if !strings.ContainsRune(string(p), '*') {
		return false
	}

	want := strings.Split(string(p), ".")
	have := strings.Split(string(topic), ".")
	if len(want) != len(have) {
		return false
	}
	for i, seg := range want {
		if seg == "*" {
			if have[i] == "" {
				return false
			}
			continue
		}
		if seg != have[i] {
			return false
		}
	}
	return true
}

// Valid reports whether the pattern is well formed: non-empty segments, with
// `*` only as a whole segment.
func (p Pattern) Valid() bool {
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(string(p), ".") {
		if seg == "" {
			return false
		}
		if strings.ContainsRune(seg, '*') && seg != "*" {
			return false
		}
	}
	return true
}
