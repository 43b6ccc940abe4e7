package aggregator

import (
	"sort"
	"sync"
)

// Stats tracks per-venue execution outcomes for ranking. The score is
// success / (success + failure + 1): an unproven venue scores below any
// venue with one success, and a single failure never zeroes a venue out.
type Stats struct {
	mu     sync.RWMutex
	venues map[string]*venueRecord
}

type venueRecord struct {
	success int64
	failure int64
}

func NewStats() *Stats {
	return &Stats{venues: make(map[string]*venueRecord)}
}

func (s *Stats) record(name string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.venues[name]
	if r == nil {
		r = &venueRecord{}
		s.venues[name] = r
	}
	if ok {
		r.success++
	} else {
		r.failure++
	}
}

// RecordSuccess counts one full or partial fill against the venue.
func (s *Stats) RecordSuccess(name string) { s.record(name, true) }

// RecordFailure counts one failed swap attempt against the venue.
func (s *Stats) RecordFailure(name string) { s.record(name, false) }

// Score returns the venue's current ranking score. Unknown venues score 0.
func (s *Stats) Score(name string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.venues[name]
	if r == nil {
		return 0
	}
	return float64(r.success) / float64(r.success+r.failure+1)
}

// VenueScore is one row of the ranking snapshot.
type VenueScore struct {
	Name    string  `json:"name"`
	Success int64   `json:"success"`
	Failure int64   `json:"failure"`
	Score   float64 `json:"score"`
}

// Snapshot returns all tracked venues ordered by score descending, name
// ascending on ties. Served on the ops API.
func (s *Stats) Snapshot() []VenueScore {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]VenueScore, 0, len(s.venues))
	for name, r := range s.venues {
		out = append(out, VenueScore{
			Name:    name,
			Success: r.success,
			Failure: r.failure,
			Score:   float64(r.success) / float64(r.success+r.failure+1),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}
