package modeltype

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/driftlab/driftsync/internal/jsonx"
)

// Set is a fixed-domain bitset over ModelType. The zero value is the empty
// set; membership tests are O(1) and insertion order is irrelevant.
type Set uint32

// NewSet builds a set from the given types. Out-of-range values are ignored.
func NewSet(types ...ModelType) Set {
	var s Set
	for _, t := range types {
		s = s.With(t)
	}
	return s
}

// AllRealTypes returns the set of every type that carries user data.
func AllRealTypes() Set {
	var s Set
	for t := FirstRealType; t <= LastRealType; t++ {
		s = s.With(t)
	}
	return s
}

func (s Set) With(t ModelType) Set {
	if t <= Unspecified || int(t) >= Count {
		return s
	}
	return s | 1<<uint(t)
}

func (s Set) Without(t ModelType) Set {
	return s &^ (1 << uint(t))
}

func (s Set) Has(t ModelType) bool {
	return s&(1<<uint(t)) != 0
}

// HasAll reports whether every member of other is also in s.
func (s Set) HasAll(other Set) bool {
	return s&other == other
}

func (s Set) Empty() bool { return s == 0 }

func (s Set) Equal(other Set) bool { return s == other }

func (s Set) Len() int { return bits.OnesCount32(uint32(s)) }

func Union(a, b Set) Set { return a | b }

func Intersect(a, b Set) Set { return a & b }

// Difference returns the members of a that are not in b.
func Difference(a, b Set) Set { return a &^ b }

// Types returns the members in enum order.
func (s Set) Types() []ModelType {
	out := make([]ModelType, 0, s.Len())
	for t := TopLevelFolder; t < ModelType(Count); t++ {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s Set) String() string {
	names := make([]string, 0, s.Len())
	for _, t := range s.Types() {
		names = append(names, t.String())
	}
	return "{" + strings.Join(names, ", ") + "}"
}

// MarshalJSON encodes the set as a list of type names in enum order.
func (s Set) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, s.Len())
	for _, t := range s.Types() {
		names = append(names, t.String())
	}
	return jsonx.Marshal(names)
}

// UnmarshalJSON accepts a list of type names. Unknown names are rejected.
func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := jsonx.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("model type set: %w", err)
	}
	set, err := setFromNames(names)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// MarshalYAML encodes the set as a list of type names.
func (s Set) MarshalYAML() (interface{}, error) {
	names := make([]string, 0, s.Len())
	for _, t := range s.Types() {
		names = append(names, t.String())
	}
	return names, nil
}

// UnmarshalYAML accepts a list of type names.
func (s *Set) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	if err := value.Decode(&names); err != nil {
		return fmt.Errorf("model type set: %w", err)
	}
	set, err := setFromNames(names)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

func setFromNames(names []string) (Set, error) {
	var s Set
	for _, n := range names {
		t := FromString(n)
		if t == Unspecified {
			return 0, fmt.Errorf("unknown model type %q", n)
		}
		s = s.With(t)
	}
	return s, nil
}

// MatchPatterns expands glob patterns against the wire markers of the real
// types ("bookmark", "typed_url", ...). "*" selects everything. Patterns that
// match no type are reported as errors so config typos fail loudly.
func MatchPatterns(patterns []string) (Set, error) {
	var s Set
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		matched := false
		for t := FirstRealType; t <= LastRealType; t++ {
			ok, err := doublestar.Match(p, t.SpecificsMarker())
			if err != nil {
				return 0, fmt.Errorf("bad type pattern %q: %w", p, err)
			}
			if ok {
				s = s.With(t)
				matched = true
			}
		}
		if !matched {
			known := make([]string, 0, int(LastRealType-FirstRealType)+1)
			for t := FirstRealType; t <= LastRealType; t++ {
				known = append(known, t.SpecificsMarker())
			}
			sort.Strings(known)
			return 0, fmt.Errorf("type pattern %q matches none of %s", p, strings.Join(known, ", "))
		}
	}
	return s, nil
}
