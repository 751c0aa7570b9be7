package executor

import (
	"sync"
	"time"

	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// StageStats tracks calls into one lifecycle stage.
type StageStats struct {
	Calls    int                   `json:"calls"`
	Failures map[ugc.ErrorType]int `json:"failures,omitempty"`
	TotalMs  int64                 `json:"totalMs"`
	MaxMs    int64                 `json:"maxMs"`
	// LastError is the message of the most recent failure.
	LastError string `json:"lastError,omitempty"`
}

// Stats aggregates per-stage counters for one executor.
type Stats struct {
	mu     sync.Mutex
	stages map[ugc.Stage]*StageStats
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{stages: make(map[ugc.Stage]*StageStats)}
}

// Record processes a completed call. errType is empty for successes.
func (s *Stats) Record(stage ugc.Stage, errType ugc.ErrorType, msg string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stages[stage]
	if st == nil {
		st = &StageStats{}
		s.stages[stage] = st
	}
	st.Calls++
	ms := d.Milliseconds()
	st.TotalMs += ms
	if ms > st.MaxMs {
		st.MaxMs = ms
	}
	if errType != "" {
		if st.Failures == nil {
			st.Failures = make(map[ugc.ErrorType]int)
		}
		st.Failures[errType]++
		st.LastError = msg
	}
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() map[ugc.Stage]StageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ugc.Stage]StageStats, len(s.stages))
	for stage, st := range s.stages {
		cp := *st
		if st.Failures != nil {
			cp.Failures = make(map[ugc.ErrorType]int, len(st.Failures))
			for k, v := range st.Failures {
				cp.Failures[k] = v
			}
		}
		out[stage] = cp
	}
	return out
}

// Reset clears all counters.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = make(map[ugc.Stage]*StageStats)
}

// Merge adds the counters of a snapshot into dst, used to aggregate several
// executors into one report.
func Merge(dst map[ugc.Stage]StageStats, src map[ugc.Stage]StageStats) {
	for stage, st := range src {
		cur := dst[stage]
		cur.Calls += st.Calls
		cur.TotalMs += st.TotalMs
		if st.MaxMs > cur.MaxMs {
			cur.MaxMs = st.MaxMs
		}
		for k, v := range st.Failures {
			if cur.Failures == nil {
				cur.Failures = make(map[ugc.ErrorType]int)
			}
			cur.Failures[k] += v
		}
		if st.LastError != "" {
			cur.LastError = st.LastError
		}
		dst[stage] = cur
	}
}
