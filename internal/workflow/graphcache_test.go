package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pitabwire/stagetrack/model"
)

// countingSource counts ListStages calls.
type countingSource struct {
	mu     sync.Mutex
	stages []model.Stage
	err    error
	calls  int
}

func (s *countingSource) ListStages(context.Context, string) ([]model.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.stages, s.err
}

func TestGraphCache_servesRepeatReadsFromCache(t *testing.T) {
	src := &countingSource{stages: abStages()}
	c := NewGraphCache(src, 0)
	defer c.Close()

	for range 3 {
		g, err := c.Graph(context.Background(), testOrg)
		if err != nil {
			t.Fatalf("Graph error: %v", err)
		}
		if g.Len() != 3 {
			t.Fatalf("Len() = %d, want 3", g.Len())
		}
	}
	if src.calls != 1 {
		t.Errorf("ListStages calls = %d, want 1", src.calls)
	}
	m := c.Metrics()
	if m.Hits != 2 || m.Misses != 1 {
		t.Errorf("metrics = %+v, want 2 hits and 1 miss", m)
	}
}

func TestGraphCache_Invalidate(t *testing.T) {
	src := &countingSource{stages: abStages()}
	c := NewGraphCache(src, 0)
	defer c.Close()

	if _, err := c.Graph(context.Background(), testOrg); err != nil {
		t.Fatalf("Graph error: %v", err)
	}
	src.stages = longStages()
	c.Invalidate(testOrg)

	g, err := c.Graph(context.Background(), testOrg)
	if err != nil {
		t.Fatalf("Graph error: %v", err)
	}
	if g.Len() != 5 {
		t.Errorf("Len() after invalidate = %d, want 5", g.Len())
	}
}

func TestGraphCache_errorsAreNotCached(t *testing.T) {
	boom := errors.New("db down")
	src := &countingSource{err: boom}
	c := NewGraphCache(src, 0)
	defer c.Close()

	if _, err := c.Graph(context.Background(), testOrg); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	src.err = nil
	src.stages = abStages()
	if _, err := c.Graph(context.Background(), testOrg); err != nil {
		t.Fatalf("Graph after recovery error: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("ListStages calls = %d, want 2", src.calls)
	}
}

func TestGraphCache_configurationError(t *testing.T) {
	c := NewGraphCache(&countingSource{}, 0)
	defer c.Close()

	_, err := c.Graph(context.Background(), testOrg)
	expectCode(t, err, model.ErrConfiguration)
}
