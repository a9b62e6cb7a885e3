// Package reputation aggregates verifier-supplied score adjustments into
// a weighted average per agent.
package reputation

import (
	"sync"
)

// Score is an agent's aggregated reputation.
type Score struct {
	// Value is the weighted average of all applied deltas.
	Value int64 `json:"value"`
	// Weight is the total weight applied so far.
	Weight uint64 `json:"weight"`
	// Samples is the number of adjustments applied.
	Samples uint64 `json:"samples"`
}

// Tracker is a thread-safe reputation aggregator.
type Tracker struct {
	mu     sync.RWMutex
	scores map[uint64]*score
}

type score struct {
	weightedSum int64
	weight      uint64
	samples     uint64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{scores: make(map[uint64]*score)}
}

// Apply folds a delta with the given weight into the agent's score. A
// zero weight counts as weight one.
func (t *Tracker) Apply(agentID uint64, delta int64, weight uint64) {
	if weight == 0 {
		weight = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.scores[agentID]
	if !ok {
		s = &score{}
		t.scores[agentID] = s
	}
	s.weightedSum += delta * int64(weight)
	s.weight += weight
	s.samples++
}

// ScoreOf returns the agent's current aggregated score.
func (t *Tracker) ScoreOf(agentID uint64) Score {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.scores[agentID]
	if !ok || s.weight == 0 {
		return Score{}
	}
	return Score{
		Value:   s.weightedSum / int64(s.weight),
		Weight:  s.weight,
		Samples: s.samples,
	}
}
