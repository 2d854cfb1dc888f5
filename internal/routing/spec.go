package routing

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/driftlab/driftsync/internal/modeltype"
)

// Spec is the on-disk form of a routing table. Each rule names a model safe
// group and the types it owns, so embedders can declare thread affinity in
// config instead of code.
type Spec struct {
	Rules []Rule `yaml:"rules"`
}

// Rule assigns a set of types to one group.
type Rule struct {
	Group string        `yaml:"group"`
	Types modeltype.Set `yaml:"types"`
}

// LoadSpec reads a YAML routing spec from r.
func LoadSpec(r io.Reader) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode routing spec: %w", err)
	}
	return &spec, nil
}

// LoadSpecFile reads a YAML routing spec from path.
func LoadSpecFile(path string) (*Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open routing spec: %w", err)
	}
	defer f.Close()
	return LoadSpec(f)
}

// Resolve flattens the spec into a routing table. A type claimed by two
// rules is an error; so is an unknown group name.
func (s *Spec) Resolve() (Info, error) {
	info := make(Info)
	for n, rule := range s.Rules {
		g, err := GroupFromString(rule.Group)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", n, err)
		}
		for _, t := range rule.Types.Types() {
			if prev, ok := info[t]; ok {
				return nil, fmt.Errorf("rule %d: %s already routed to %s", n, t, prev)
			}
			info[t] = g
		}
	}
	return info, nil
}

// DefaultInfo routes every requested type through the passive group. It is
// the table embedders get when they supply no spec.
func DefaultInfo(types modeltype.Set) Info {
	info := make(Info, types.Len())
	for _, t := range types.Types() {
		info[t] = GroupPassive
	}
	return info
}
