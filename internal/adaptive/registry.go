package adaptive

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// #region persister

// Persister stores parameters across process restarts.
type Persister interface {
	SaveParameter(ctx context.Context, key string, p Parameter) error
	LoadParameters(ctx context.Context) (map[string]Parameter, error)
}

// #endregion persister

// #region registry

// seenCapacity bounds the per-key observation dedupe window.
const seenCapacity = 4096

// Registry holds process-wide adaptive parameters. Each key owns its own
// lock so concurrent sessions only contend on the parameter they touch.
type Registry struct {
	mu        sync.RWMutex
	cells     map[string]*cell
	priors    map[string]Parameter
	persister Persister
}

type cell struct {
	mu    sync.Mutex
	param Parameter
	seen  map[string]struct{}
	order []string
}

// NewRegistry creates a registry seeded with priors. persister may be nil.
func NewRegistry(priors map[string]Parameter, persister Persister) *Registry {
	if priors == nil {
		priors = DefaultPriors()
	}
	return &Registry{
		cells:     make(map[string]*cell),
		priors:    priors,
		persister: persister,
	}
}

// Load hydrates the registry from the persister, overriding priors.
func (r *Registry) Load(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	params, err := r.persister.LoadParameters(ctx)
	if err != nil {
		return fmt.Errorf("load parameters: %w", err)
	}
	for key, p := range params {
		c := r.cell(key)
		c.mu.Lock()
		c.param = p
		c.mu.Unlock()
	}
	return nil
}

func (r *Registry) cell(key string) *cell {
	r.mu.RLock()
	c, ok := r.cells[key]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cells[key]; ok {
		return c
	}
	prior, ok := r.priors[key]
	if !ok {
		prior = NewParameter()
	}
	c = &cell{param: prior, seen: make(map[string]struct{})}
	r.cells[key] = c
	return c
}

// #endregion registry

// #region access

// Get returns a copy of the parameter for key.
func (r *Registry) Get(key string) Parameter {
	c := r.cell(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.param
}

// Sample draws a Thompson sample for key.
func (r *Registry) Sample(key string) float64 {
	return r.Get(key).Sample()
}

// Observe applies a Bayesian update unless observationID was already applied
// to this key. Returns false for duplicates. An empty observationID is never
// deduplicated. The update is persisted before the key is unlocked so saves
// land in observation order.
func (r *Registry) Observe(ctx context.Context, key, observationID string, outcome, weight float64) (bool, error) {
	c := r.cell(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if observationID != "" {
		if _, dup := c.seen[observationID]; dup {
			return false, nil
		}
		c.remember(observationID)
	}
	c.param.Update(outcome, weight)

	if r.persister != nil {
		if err := r.persister.SaveParameter(ctx, key, c.param); err != nil {
			return true, fmt.Errorf("save parameter %s: %w", key, err)
		}
	}
	return true, nil
}

// Snapshot returns all materialized parameters ordered by key.
func (r *Registry) Snapshot() []Named {
	r.mu.RLock()
	keys := make([]string, 0, len(r.cells))
	for k := range r.cells {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)

	out := make([]Named, 0, len(keys))
	for _, k := range keys {
		out = append(out, Named{Key: k, Parameter: r.Get(k)})
	}
	return out
}

// Named pairs a parameter with its key.
type Named struct {
	Key string
	Parameter
}

func (c *cell) remember(id string) {
	c.seen[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > seenCapacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
}

// #endregion access
