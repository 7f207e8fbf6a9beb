// Package util
//
// This file provides the priority queue behind k-way merges of sorted streams.
//
// The heap holds one item per source (a child iterator, a shard, ...) keyed by
// the source's current key. Like a plain binary heap it offers O(log n) Push,
// Pop and Fix, and additionally keeps the heap position of every source so a
// source can be re-keyed or removed directly:
//
//   - Top returns the source with the smallest key (largest when reversed)
//   - Update re-keys a source after it advanced and restores heap order
//   - Remove drops an exhausted source
//
// The direction is chosen when the heap is reset: a min-heap for forward merges,
// a max-heap for backward merges. Ordering is delegated to a Comparer.
//
// Note: This implementation is not thread-safe, it is owned by one iterator.
//
// Example usage:
//
//	h := NewMergeHeap(BytewiseComparer{}, len(children))
//	h.Reset(false)
//	for i, c := range children {
//	    if c.First() {
//	        h.Push(i, c.Key())
//	    }
//	}
//	for h.Len() > 0 {
//	    src, key := h.Top()
//	    emit(key)
//	    if children[src].Next() {
//	        h.Update(src, children[src].Key())
//	    } else {
//	        h.Remove(src)
//	    }
//	}
package util

import (
	"bytes"
	"container/heap"
	"strconv"
)

// Comparer defines the total order of keys. Compare returns 0 only for identical
// keys. Name identifies the order, stores persist it.
type Comparer interface {
	Compare(a, b []byte) int
	Name() string
}

// BytewiseComparer orders keys lexicographically by byte value
type BytewiseComparer struct{}

func (BytewiseComparer) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (BytewiseComparer) Name() string            { return "bytewise" }

// IsBytewise reports whether cmp is nil or the bytewise order
func IsBytewise(cmp Comparer) bool {
	if cmp == nil {
		return true
	}
	_, ok := cmp.(BytewiseComparer)
	return ok
}

// mergeItem is the heap entry of one source
type mergeItem struct {
	Source int    // index of the source
	Key    []byte // current key of the source
	index  int    // index in the heap, maintained by heap package
}

func (i *mergeItem) String() string {
	return "{Source: " + strconv.Itoa(i.Source) + ", Key: " + strconv.Quote(string(i.Key)) + "}"
}

// MergeHeap is a priority queue of sources ordered by their current key
// with direct access by source index
type MergeHeap struct {
	cmp     Comparer
	reverse bool
	items   []*mergeItem // the actual heap slice
	sources []*mergeItem // Source -> item, nil if the source is not in the heap
}

// NewMergeHeap creates an empty heap for sources 0..n-1
func NewMergeHeap(cmp Comparer, n int) *MergeHeap {
	if cmp == nil {
		cmp = BytewiseComparer{}
	}
	return &MergeHeap{
		cmp:     cmp,
		items:   make([]*mergeItem, 0, n),
		sources: make([]*mergeItem, n),
	}
}

// Len returns the number of sources in the heap (part of heap.Interface)
func (h *MergeHeap) Len() int { return len(h.items) }

// Less compares the current keys (part of heap.Interface)
// Ties are broken by source index so the order is total.
func (h *MergeHeap) Less(i, j int) bool {
	c := h.cmp.Compare(h.items[i].Key, h.items[j].Key)
	if c == 0 {
		c = h.items[i].Source - h.items[j].Source
	}
	if h.reverse {
		return c > 0
	}
	return c < 0
}

// Swap exchanges items at positions i and j (part of heap.Interface)
func (h *MergeHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push adds an item to the heap (part of heap.Interface)
// Use PushSource from outside the package.
func (h *MergeHeap) Push(x interface{}) {
	item := x.(*mergeItem)
	item.index = len(h.items)
	h.items = append(h.items, item)
	h.sources[item.Source] = item
}

// Pop removes and returns the top item (part of heap.Interface)
func (h *MergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // Avoid memory leak
	item.index = -1 // For safety
	h.items = old[:n-1]
	h.sources[item.Source] = nil
	return item
}

// Reset empties the heap and sets its direction. reverse turns it into a max-heap.
func (h *MergeHeap) Reset(reverse bool) {
	for i := range h.items {
		h.items[i] = nil
	}
	h.items = h.items[:0]
	for i := range h.sources {
		h.sources[i] = nil
	}
	h.reverse = reverse
}

// Reverse reports whether the heap is a max-heap
func (h *MergeHeap) Reverse() bool { return h.reverse }

// PushSource adds source with its current key, or re-keys it if it is present
func (h *MergeHeap) PushSource(source int, key []byte) {
	if item := h.sources[source]; item != nil {
		item.Key = key
		heap.Fix(h, item.index)
		return
	}
	heap.Push(h, &mergeItem{Source: source, Key: key})
}

// Update re-keys a source in the heap. It returns false if the source is not in the heap.
func (h *MergeHeap) Update(source int, key []byte) bool {
	item := h.sources[source]
	if item == nil {
		return false
	}
	item.Key = key
	heap.Fix(h, item.index)
	return true
}

// Remove drops a source from the heap
func (h *MergeHeap) Remove(source int) bool {
	item := h.sources[source]
	if item == nil {
		return false
	}
	heap.Remove(h, item.index)
	return true
}

// Top returns the source with the smallest (largest if reversed) key
func (h *MergeHeap) Top() (source int, key []byte, ok bool) {
	if len(h.items) == 0 {
		return -1, nil, false
	}
	return h.items[0].Source, h.items[0].Key, true
}

// Contains checks if a source is in the heap
func (h *MergeHeap) Contains(source int) bool {
	return source >= 0 && source < len(h.sources) && h.sources[source] != nil
}

// Duplicate reports whether another source holds the same key as the top.
// Only the children of the root need to be checked: any equal key would sit there.
func (h *MergeHeap) Duplicate() (source int, ok bool) {
	if len(h.items) < 2 {
		return -1, false
	}
	top := h.items[0].Key
	for _, i := range []int{1, 2} {
		if i < len(h.items) && h.cmp.Compare(h.items[i].Key, top) == 0 {
			return h.items[i].Source, true
		}
	}
	return -1, false
}
