package metricexport

import (
	"strings"
	"sync"
)

// LabelSource tells where a host label came from. Keys that begin with
// '_' are automatic labels, everything else is configured.
type LabelSource int

const (
	LabelSourceConfigured LabelSource = iota
	LabelSourceAutomatic
)

// Label is one host key/value metadata pair.
type Label struct {
	Key    string
	Value  string
	Source LabelSource
}

// LabelSet is the ordered label list of one host. The feed goroutine
// writes it while connector instances format it, so readers must hold a
// guard from AcquireRead for the whole iteration.
type LabelSet struct {
	mu     sync.RWMutex
	labels []Label
}

// Set adds a label or updates it in place, keeping list order stable.
func (s *LabelSet) Set(key, value string) {
	src := LabelSourceConfigured
	if strings.HasPrefix(key, "_") {
		src = LabelSourceAutomatic
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.labels {
		if s.labels[i].Key == key {
			s.labels[i].Value = value
			s.labels[i].Source = src
			return
		}
	}
	s.labels = append(s.labels, Label{Key: key, Value: value, Source: src})
}

// Len returns the number of labels in the set.
func (s *LabelSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.labels)
}

// AcquireRead takes the read lock and returns a guard the formatter can
// iterate through. The caller must call Release once formatting is done;
// the formatter itself never locks or unlocks.
func (s *LabelSet) AcquireRead() *LabelGuard {
	s.mu.RLock()
	return &LabelGuard{set: s}
}

// LabelGuard is a held read lock over one LabelSet.
type LabelGuard struct {
	set *LabelSet
}

// Range visits the labels in list order while the guard is held.
// Returning false from fn stops the iteration.
func (g *LabelGuard) Range(fn func(l Label) bool) {
	for _, l := range g.set.labels {
		if !fn(l) {
			return
		}
	}
}

// Release drops the read lock. The guard must not be used afterwards.
func (g *LabelGuard) Release() {
	g.set.mu.RUnlock()
}
