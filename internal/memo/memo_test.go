package memo

import (
	"errors"
	"testing"
)

func TestCacheBounded(t *testing.T) {
	c := NewCache[string, int](2)
	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3) // evicts a

	if _, ok := c.Get("a"); ok {
		t.Errorf("Expected a to be evicted from a 2-entry cache")
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Errorf("Get(b) = %v, %v; want 2, true", v, ok)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestCacheLRUTouchOnGet(t *testing.T) {
	c := NewCache[string, int](2)
	c.Add("a", 1)
	c.Add("b", 2)
	c.Get("a")    // a becomes most recent
	c.Add("c", 3) // evicts b, not a

	if _, ok := c.Get("a"); !ok {
		t.Errorf("Expected a to survive after being touched")
	}
	if _, ok := c.Get("b"); ok {
		t.Errorf("Expected b to be evicted")
	}
}

func TestCacheUnbounded(t *testing.T) {
	c := NewCache[int, int](0)
	for i := 0; i < 5000; i++ {
		c.Add(i, i)
	}
	if c.Len() != 5000 {
		t.Errorf("Len() = %d, want 5000", c.Len())
	}
}

func TestGetOrCreateNoNegativeCaching(t *testing.T) {
	c := NewCache[string, int](10)
	boom := errors.New("boom")
	calls := 0

	_, err := c.GetOrCreate("k", func() (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	v, err := c.GetOrCreate("k", func() (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("GetOrCreate = %v, %v; want 42, nil", v, err)
	}
	if calls != 2 {
		t.Errorf("Expected the failed result to not be cached (2 calls), got %d", calls)
	}
}

func TestPinSliceKeepsIdentity(t *testing.T) {
	prev := []string{"a", "b"}
	next := []string{"a", "b"}

	pinned := PinSlice(prev, next)
	if &pinned[0] != &prev[0] {
		t.Errorf("Expected the previous slice reference for an equal result")
	}

	changed := PinSlice(prev, []string{"a", "c"})
	if &changed[0] == &prev[0] {
		t.Errorf("Expected a new reference for a differing result")
	}
	if shorter := PinSlice(prev, []string{"a"}); len(shorter) != 1 {
		t.Errorf("Expected the shorter slice to be returned as-is")
	}
}

func TestPinMapKeepsIdentity(t *testing.T) {
	type ptr = *int
	one, two := new(int), new(int)

	prev := map[string]ptr{"a": one}
	same := PinMap(prev, map[string]ptr{"a": one})
	if len(same) != 1 || same["a"] != one {
		t.Fatalf("Unexpected pinned map contents")
	}
	// Mutating the returned map must be visible through prev when pinned.
	same["probe"] = two
	if _, ok := prev["probe"]; !ok {
		t.Errorf("Expected the previous map reference for an equal result")
	}

	diff := PinMap(prev, map[string]ptr{"a": two})
	if diff["a"] != two {
		t.Errorf("Expected the new map for a differing result")
	}
}
