package match

import (
	"errors"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/MJE43/ugc-runtime-go/internal/executor"
	"github.com/MJE43/ugc-runtime-go/internal/ugc"
)

// Registry tracks live matches by id.
type Registry struct {
	mu      sync.RWMutex
	matches map[string]*Match
	logger  *log.Logger
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stdout, "[MATCH] ", log.LstdFlags)
	}
	return &Registry{matches: make(map[string]*Match), logger: logger}
}

// ErrDuplicateID is returned by Create for an id already in use.
var ErrDuplicateID = errors.New("match: duplicate id")

// Create starts a match, under a fresh id unless cfg names one.
func (r *Registry) Create(cfg Config) (*Match, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if _, exists := r.Get(cfg.ID); exists {
		return nil, ErrDuplicateID
	}
	if cfg.Logger == nil {
		cfg.Logger = r.logger
	}
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if _, exists := r.matches[m.ID()]; exists {
		r.mu.Unlock()
		m.Close()
		return nil, ErrDuplicateID
	}
	r.matches[m.ID()] = m
	r.mu.Unlock()
	return m, nil
}

func (r *Registry) Get(id string) (*Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[id]
	return m, ok
}

// Remove closes and forgets a match. It reports whether the id was known.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	m, ok := r.matches[id]
	delete(r.matches, id)
	r.mu.Unlock()
	if ok {
		m.Close()
	}
	return ok
}

// List returns live matches, oldest first.
func (r *Registry) List() []*Match {
	r.mu.RLock()
	out := make([]*Match, 0, len(r.matches))
	for _, m := range r.matches {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// Stats sums executor counters across live matches.
func (r *Registry) Stats() map[ugc.Stage]executor.StageStats {
	total := make(map[ugc.Stage]executor.StageStats)
	for _, m := range r.List() {
		executor.Merge(total, m.Executor().Stats())
	}
	return total
}

// Close closes every match.
func (r *Registry) Close() {
	r.mu.Lock()
	matches := r.matches
	r.matches = make(map[string]*Match)
	r.mu.Unlock()
	for _, m := range matches {
		m.Close()
	}
}
