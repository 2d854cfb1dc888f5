package modeltype

import (
	"sort"
	"strings"
)

// PayloadMap associates nudged types with the opaque payload string carried
// by the invalidation that requested them. A missing payload is the empty
// string.
type PayloadMap map[ModelType]string

// PayloadMapFromSet gives every member of s the same payload.
func PayloadMapFromSet(s Set, payload string) PayloadMap {
	m := make(PayloadMap, s.Len())
	for _, t := range s.Types() {
		m[t] = payload
	}
	return m
}

// TypeSet returns the keys of m as a Set.
func (m PayloadMap) TypeSet() Set {
	var s Set
	for t := range m {
		s = s.With(t)
	}
	return s
}

// Merge unions update into m. On a shared key the newer payload wins, so a
// coalesced nudge carries the freshest hint per type.
func (m PayloadMap) Merge(update PayloadMap) {
	for t, payload := range update {
		m[t] = payload
	}
}

// Copy returns an independent shallow copy.
func (m PayloadMap) Copy() PayloadMap {
	out := make(PayloadMap, len(m))
	for t, p := range m {
		out[t] = p
	}
	return out
}

func (m PayloadMap) String() string {
	parts := make([]string, 0, len(m))
	for t, p := range m {
		if p == "" {
			parts = append(parts, t.String())
		} else {
			parts = append(parts, t.String()+":"+p)
		}
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ", ") + "}"
}
