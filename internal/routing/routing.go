// Package routing maps model types to the model safe groups whose workers
// must apply their changes, and carries the worker registrar shared by the
// scheduler and the sync manager.
package routing

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/driftlab/driftsync/internal/modeltype"
)

// ModelSafeGroup is the thread affinity class of a model type. Work for a
// type may only touch its native models from the group's worker.
type ModelSafeGroup int

const (
	// GroupPassive types have no thread affinity; their work runs inline on
	// the sync goroutine.
	GroupPassive ModelSafeGroup = iota
	GroupUI
	GroupDB
	GroupHistory
	GroupPassword
)

var groupNames = map[ModelSafeGroup]string{
	GroupPassive:  "GROUP_PASSIVE",
	GroupUI:       "GROUP_UI",
	GroupDB:       "GROUP_DB",
	GroupHistory:  "GROUP_HISTORY",
	GroupPassword: "GROUP_PASSWORD",
}

var namesToGroups = func() map[string]ModelSafeGroup {
	m := make(map[string]ModelSafeGroup, len(groupNames))
	for g, n := range groupNames {
		m[n] = g
	}
	return m
}()

func (g ModelSafeGroup) String() string {
	if n, ok := groupNames[g]; ok {
		return n
	}
	return "INVALID"
}

// GroupFromString inverts String; unknown names report an error.
func GroupFromString(s string) (ModelSafeGroup, error) {
	if g, ok := namesToGroups[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return g, nil
	}
	return GroupPassive, fmt.Errorf("unknown model safe group %q", s)
}

// Info maps each enabled type to the group that owns it.
type Info map[modeltype.ModelType]ModelSafeGroup

// TypeSet returns the enabled types.
func (i Info) TypeSet() modeltype.Set {
	var s modeltype.Set
	for t := range i {
		s = s.With(t)
	}
	return s
}

// GroupFor returns the owning group for t, defaulting to GroupPassive for
// types the table does not route.
func (i Info) GroupFor(t modeltype.ModelType) ModelSafeGroup {
	if g, ok := i[t]; ok {
		return g
	}
	return GroupPassive
}

// Copy returns an independent copy of the table.
func (i Info) Copy() Info {
	out := make(Info, len(i))
	for t, g := range i {
		out[t] = g
	}
	return out
}

// Merge unions other into i, with other winning on shared types.
func (i Info) Merge(other Info) {
	for t, g := range other {
		i[t] = g
	}
}

func (i Info) String() string {
	parts := make([]string, 0, len(i))
	for t, g := range i {
		parts = append(parts, fmt.Sprintf("%s:%s", t, g))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ", ") + "}"
}

// Worker executes model affine work for one group. DoWork blocks until fn
// has run on whatever execution context the group requires and returns fn's
// error.
type Worker interface {
	Group() ModelSafeGroup
	DoWork(fn func() error) error
}

// Registrar provides the current routing table and the workers able to serve
// it. Implementations must be safe for concurrent use; the scheduler queries
// it when building every session.
type Registrar interface {
	RoutingInfo() Info
	Workers() []Worker
}

// PassiveWorker runs work inline on the calling goroutine.
type PassiveWorker struct{}

func (PassiveWorker) Group() ModelSafeGroup        { return GroupPassive }
func (PassiveWorker) DoWork(fn func() error) error { return fn() }

// InlineWorker runs work inline while claiming an arbitrary group. It serves
// embedders whose model threads are the sync goroutine itself, and tests.
type InlineWorker struct {
	ModelGroup ModelSafeGroup
}

func (w InlineWorker) Group() ModelSafeGroup        { return w.ModelGroup }
func (w InlineWorker) DoWork(fn func() error) error { return fn() }

// FilterForTypes extracts from reg the routes and workers needed to sync
// exactly the requested types. The passive group's worker is always included
// so typeless work has somewhere to run.
func FilterForTypes(types modeltype.Set, reg Registrar) (Info, []Worker, error) {
	all := reg.RoutingInfo()
	workers := reg.Workers()

	byGroup := make(map[ModelSafeGroup]Worker, len(workers))
	for _, w := range workers {
		byGroup[w.Group()] = w
	}

	routes := make(Info, types.Len())
	var picked []Worker
	seen := make(map[ModelSafeGroup]bool)

	for _, t := range types.Types() {
		g, ok := all[t]
		if !ok {
			return nil, nil, fmt.Errorf("no route registered for %s", t)
		}
		routes[t] = g
		if seen[g] {
			continue
		}
		w, ok := byGroup[g]
		if !ok {
			return nil, nil, fmt.Errorf("no worker registered for %s", g)
		}
		picked = append(picked, w)
		seen[g] = true
	}

	if !seen[GroupPassive] {
		w, ok := byGroup[GroupPassive]
		if !ok {
			return nil, nil, fmt.Errorf("no worker registered for %s", GroupPassive)
		}
		picked = append(picked, w)
	}
	return routes, picked, nil
}

// StaticRegistrar serves a fixed worker set over a swappable routing table.
// Embedders that enable or disable types at runtime replace the table with
// SetRoutingInfo; in-flight sessions keep the copy they were built with.
type StaticRegistrar struct {
	mu      sync.RWMutex
	info    Info
	workers []Worker
}

func NewStaticRegistrar(info Info, workers []Worker) *StaticRegistrar {
	return &StaticRegistrar{info: info.Copy(), workers: workers}
}

func (r *StaticRegistrar) RoutingInfo() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info.Copy()
}

func (r *StaticRegistrar) Workers() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Worker(nil), r.workers...)
}

func (r *StaticRegistrar) SetRoutingInfo(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = info.Copy()
}
