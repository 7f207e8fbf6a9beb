package util

import (
	"bytes"
	"sort"
	"testing"
)

// reverseComparer orders keys descending
type reverseComparer struct{}

func (reverseComparer) Compare(a, b []byte) int { return bytes.Compare(b, a) }
func (reverseComparer) Name() string            { return "reverse" }

// drain performs a k-way merge over sorted sources
func drain(h *MergeHeap, sources [][]string) []string {
	pos := make([]int, len(sources))
	for i, s := range sources {
		if len(s) > 0 {
			h.PushSource(i, []byte(s[0]))
		}
	}
	var out []string
	for h.Len() > 0 {
		src, key, _ := h.Top()
		out = append(out, string(key))
		pos[src]++
		if pos[src] < len(sources[src]) {
			h.Update(src, []byte(sources[src][pos[src]]))
		} else {
			h.Remove(src)
		}
	}
	return out
}

// TestNewMergeHeap tests the creation of a new MergeHeap
func TestNewMergeHeap(t *testing.T) {
	h := NewMergeHeap(nil, 3)

	if h.Len() != 0 {
		t.Errorf("New heap should be empty, but has length %d", h.Len())
	}
	if _, _, ok := h.Top(); ok {
		t.Error("Top() on an empty heap should report false")
	}
	if h.Contains(0) || h.Contains(5) || h.Contains(-1) {
		t.Error("New heap should not contain any source")
	}
}

// TestMergeForward tests a forward k-way merge
func TestMergeForward(t *testing.T) {
	sources := [][]string{
		{"a", "d", "g"},
		{"b", "e"},
		{},
		{"c", "f", "h", "i"},
	}
	h := NewMergeHeap(BytewiseComparer{}, len(sources))
	h.Reset(false)

	got := drain(h, sources)
	want := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}
	if !equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

// TestMergeBackward tests the max-heap direction
func TestMergeBackward(t *testing.T) {
	sources := [][]string{
		{"g", "d", "a"},
		{"e", "b"},
		{"i", "h", "f", "c"},
	}
	h := NewMergeHeap(BytewiseComparer{}, len(sources))
	h.Reset(true)

	if !h.Reverse() {
		t.Fatal("Reset(true) should produce a max-heap")
	}

	got := drain(h, sources)
	want := []string{"i", "h", "g", "f", "e", "d", "c", "b", "a"}
	if !equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

// TestComparer tests that ordering is delegated to the comparer
func TestComparer(t *testing.T) {
	sources := [][]string{{"c", "a"}, {"b"}}
	h := NewMergeHeap(reverseComparer{}, len(sources))

	got := drain(h, sources)
	if !equal(got, []string{"c", "b", "a"}) {
		t.Errorf("Expected descending order, got %v", got)
	}
}

// TestPushSourceUpdatesExisting tests re-keying through PushSource
func TestPushSourceUpdatesExisting(t *testing.T) {
	h := NewMergeHeap(nil, 2)
	h.PushSource(0, []byte("a"))
	h.PushSource(1, []byte("b"))
	h.PushSource(0, []byte("c"))

	if h.Len() != 2 {
		t.Fatalf("Heap should have 2 items, but has %d", h.Len())
	}
	if src, key, _ := h.Top(); src != 1 || string(key) != "b" {
		t.Errorf("Expected top (1,b), got (%d,%s)", src, key)
	}
}

// TestRemoveAndReset tests removing sources and resetting the heap
func TestRemoveAndReset(t *testing.T) {
	h := NewMergeHeap(nil, 3)
	h.PushSource(0, []byte("a"))
	h.PushSource(1, []byte("b"))
	h.PushSource(2, []byte("c"))

	if !h.Remove(1) {
		t.Error("Remove(1) should succeed")
	}
	if h.Remove(1) {
		t.Error("Removing a source twice should fail")
	}
	if h.Update(1, []byte("z")) {
		t.Error("Updating a removed source should fail")
	}
	if h.Contains(1) || !h.Contains(2) {
		t.Error("Contains() does not reflect removal")
	}

	h.Reset(true)
	if h.Len() != 0 || h.Contains(0) {
		t.Error("Reset() should empty the heap")
	}
}

// TestDuplicate tests detection of equal keys from different sources
func TestDuplicate(t *testing.T) {
	h := NewMergeHeap(nil, 4)
	h.PushSource(0, []byte("m"))
	h.PushSource(1, []byte("x"))
	h.PushSource(2, []byte("y"))

	if _, dup := h.Duplicate(); dup {
		t.Error("No duplicate expected")
	}

	h.PushSource(3, []byte("m"))
	src, dup := h.Duplicate()
	if !dup {
		t.Fatal("Duplicate key m should be detected")
	}
	top, _, _ := h.Top()
	if top != 0 || src != 3 {
		t.Errorf("Expected top 0 and duplicate 3, got %d and %d", top, src)
	}
}

// TestLargeMerge merges many random sources and compares with a sort
func TestLargeMerge(t *testing.T) {
	const n = 16
	sources := make([][]string, n)
	var all []string
	for i := 0; i < 2000; i++ {
		k := string([]byte{byte(i >> 8), byte(i), byte(i * 7)})
		sources[(i*31)%n] = append(sources[(i*31)%n], k)
		all = append(all, k)
	}
	for _, s := range sources {
		sort.Strings(s)
	}
	sort.Strings(all)

	got := drain(NewMergeHeap(nil, n), sources)
	if !equal(got, all) {
		t.Errorf("Merged output differs from sorted input")
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
