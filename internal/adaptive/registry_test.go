package adaptive

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type memPersister struct {
	mu     sync.Mutex
	saved  map[string]Parameter
	failOn string
}

func (m *memPersister) SaveParameter(_ context.Context, key string, p Parameter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == m.failOn {
		return errors.New("disk full")
	}
	if m.saved == nil {
		m.saved = make(map[string]Parameter)
	}
	m.saved[key] = p
	return nil
}

func (m *memPersister) LoadParameters(context.Context) (map[string]Parameter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Parameter, len(m.saved))
	for k, v := range m.saved {
		out[k] = v
	}
	return out, nil
}

// historyPersister keeps every save in call order.
type historyPersister struct {
	mu    sync.Mutex
	saves []Parameter
}

func (h *historyPersister) SaveParameter(_ context.Context, _ string, p Parameter) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saves = append(h.saves, p)
	return nil
}

func (h *historyPersister) LoadParameters(context.Context) (map[string]Parameter, error) {
	return nil, nil
}

func TestRegistryConcurrentObservePersistsInOrder(t *testing.T) {
	hp := &historyPersister{}
	r := NewRegistry(nil, hp)
	ctx := context.Background()

	const workers, each = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := r.Observe(ctx, "k", "", 1, 1); err != nil {
					t.Errorf("observe: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	final := r.Get("k")
	if final.Observations != workers*each {
		t.Fatalf("expected %d observations, got %d", workers*each, final.Observations)
	}
	if len(hp.saves) != workers*each {
		t.Fatalf("expected %d saves, got %d", workers*each, len(hp.saves))
	}
	for i, p := range hp.saves {
		if p.Observations != i+1 {
			t.Fatalf("save %d carried %d observations; saves are out of order", i, p.Observations)
		}
	}
	if last := hp.saves[len(hp.saves)-1]; last != final {
		t.Fatalf("last save %+v does not match final %+v", last, final)
	}
}

func TestRegistryUsesPriors(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := r.Get(KeyFrustrationThreshold)
	if p.Alpha != 7 || p.Beta != 3 {
		t.Fatalf("expected default prior 7/3, got %f/%f", p.Alpha, p.Beta)
	}
	unknown := r.Get("something.else")
	if unknown.Alpha != 1 || unknown.Beta != 1 {
		t.Fatalf("expected uninformed prior for unknown key")
	}
}

func TestRegistryObserveDedupes(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()

	applied, err := r.Observe(ctx, "k", "event-1", 1, 1)
	if err != nil || !applied {
		t.Fatalf("first observe: applied=%v err=%v", applied, err)
	}
	applied, err = r.Observe(ctx, "k", "event-1", 1, 1)
	if err != nil || applied {
		t.Fatalf("duplicate observe: applied=%v err=%v", applied, err)
	}
	if got := r.Get("k").Observations; got != 1 {
		t.Fatalf("expected 1 observation, got %d", got)
	}

	// Same id on a different key is independent.
	applied, _ = r.Observe(ctx, "other", "event-1", 1, 1)
	if !applied {
		t.Fatal("expected dedupe to be per key")
	}
}

func TestRegistryPersistsAndLoads(t *testing.T) {
	store := &memPersister{}
	ctx := context.Background()
	r := NewRegistry(nil, store)
	if _, err := r.Observe(ctx, KeyAblationRate, "s1", 1, 4); err != nil {
		t.Fatalf("observe: %v", err)
	}

	reloaded := NewRegistry(nil, store)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.Get(KeyAblationRate) != r.Get(KeyAblationRate) {
		t.Fatalf("reloaded parameter differs: %+v vs %+v", reloaded.Get(KeyAblationRate), r.Get(KeyAblationRate))
	}
}

func TestRegistryPersistErrorStillApplies(t *testing.T) {
	store := &memPersister{failOn: "k"}
	r := NewRegistry(nil, store)
	applied, err := r.Observe(context.Background(), "k", "", 0, 1)
	if err == nil {
		t.Fatal("expected persist error")
	}
	if !applied || r.Get("k").Observations != 1 {
		t.Fatal("in-memory update should survive a persist failure")
	}
}

func TestRegistryConcurrentObserve(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				key := KeyFailureThreshold
				if j%2 == 0 {
					key = KeyActivationThreshold
				}
				r.Observe(ctx, key, "", 1, 1)
				_ = r.Sample(key)
			}
		}(i)
	}
	wg.Wait()

	total := r.Get(KeyFailureThreshold).Observations + r.Get(KeyActivationThreshold).Observations
	if total != 1000 {
		t.Fatalf("expected 1000 observations, got %d", total)
	}
	if len(r.Snapshot()) != 2 {
		t.Fatalf("expected 2 materialized keys, got %d", len(r.Snapshot()))
	}
}

func TestSeenWindowIsBounded(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()
	for i := 0; i < seenCapacity+10; i++ {
		r.Observe(ctx, "k", string(rune('a'+i%26))+string(rune(i)), 1, 0)
	}
	c := r.cell("k")
	if len(c.seen) > seenCapacity || len(c.order) > seenCapacity {
		t.Fatalf("seen window exceeded capacity: %d/%d", len(c.seen), len(c.order))
	}
}
