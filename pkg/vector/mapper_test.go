package vector

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestIDMapper_GetOrCreateIdempotent(t *testing.T) {
	m := NewIDMapper()

	a := m.GetOrCreate("a")
	b := m.GetOrCreate("b")
	if a == b {
		t.Fatalf("distinct ids share numeric id %d", a)
	}
	if again := m.GetOrCreate("a"); again != a {
		t.Errorf("expected %d on repeat, got %d", a, again)
	}
	if a != 1 || b != 2 {
		t.Errorf("expected ids 1 and 2, got %d and %d", a, b)
	}

	if id, ok := m.LookupString(a); !ok || id != "a" {
		t.Errorf("LookupString(%d) = %q, %v", a, id, ok)
	}
	if n, ok := m.LookupNumeric("b"); !ok || n != b {
		t.Errorf("LookupNumeric(b) = %d, %v", n, ok)
	}
}

func TestIDMapper_RemoveNeverReuses(t *testing.T) {
	m := NewIDMapper()
	first := m.GetOrCreate("a")

	n, ok := m.Remove("a")
	if !ok || n != first {
		t.Fatalf("Remove(a) = %d, %v", n, ok)
	}
	if _, ok := m.Remove("a"); ok {
		t.Error("second Remove should report absent")
	}
	if _, ok := m.LookupString(first); ok {
		t.Error("reverse mapping should be gone")
	}

	second := m.GetOrCreate("a")
	if second == first {
		t.Errorf("numeric id %d was reused", first)
	}
}

func TestIDMapper_UnknownNumeric(t *testing.T) {
	m := NewIDMapper()
	if _, ok := m.LookupString(999); ok {
		t.Error("expected unknown numeric id to be absent")
	}
}

func TestIDMapper_ConcurrentGetOrCreate(t *testing.T) {
	m := NewIDMapper()

	var wg sync.WaitGroup
	results := make([][]uint64, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				results[g] = append(results[g], m.GetOrCreate(fmt.Sprintf("id-%d", i)))
			}
		}(g)
	}
	wg.Wait()

	for g := 1; g < 8; g++ {
		for i := range results[g] {
			if results[g][i] != results[0][i] {
				t.Fatalf("goroutine %d saw %d for id-%d, goroutine 0 saw %d", g, results[g][i], i, results[0][i])
			}
		}
	}
	if m.Len() != 100 {
		t.Errorf("expected 100 mappings, got %d", m.Len())
	}
}

func TestIDMapper_Restore(t *testing.T) {
	m := NewIDMapper()
	err := m.Restore([]Mapping{{ID: "a", NumericID: 4}, {ID: "b", NumericID: 9}}, 7)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if m.Next() != 10 {
		t.Errorf("expected next 10, got %d", m.Next())
	}
	if n := m.GetOrCreate("c"); n != 10 {
		t.Errorf("expected new id 10, got %d", n)
	}

	err = m.Restore([]Mapping{{ID: "a", NumericID: 1}, {ID: "b", NumericID: 1}}, 0)
	if !errors.Is(err, ErrInvalidMapping) {
		t.Errorf("expected ErrInvalidMapping for duplicate numeric id, got %v", err)
	}
	// A failed restore leaves the previous state intact.
	if n, ok := m.LookupNumeric("c"); !ok || n != 10 {
		t.Errorf("expected c to survive failed restore, got %d, %v", n, ok)
	}
}

func TestIDMapper_IndependentInstances(t *testing.T) {
	a := NewIDMapper()
	b := NewIDMapper()
	a.GetOrCreate("x")
	a.GetOrCreate("y")
	if n := b.GetOrCreate("z"); n != 1 {
		t.Errorf("expected a fresh mapper to start at 1, got %d", n)
	}
}
