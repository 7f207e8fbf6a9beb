package compaction

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/cabinkv/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a compactor that records its calls. While gate is set, the first
// call signals started and blocks until gate is closed.
type recorder struct {
	mu      sync.Mutex
	calls   []Range
	fail    map[string]bool
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newRecorder() *recorder {
	return &recorder{fail: map[string]bool{}}
}

func (r *recorder) blockFirst() {
	r.started = make(chan struct{})
	r.gate = make(chan struct{})
}

func (r *recorder) compact(start, end []byte) error {
	if r.gate != nil {
		r.once.Do(func() {
			close(r.started)
			<-r.gate
		})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Range{Start: start, End: end})
	if r.fail[string(start)] {
		return errors.New("injected compaction failure")
	}
	return nil
}

func (r *recorder) recorded() []Range {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Range(nil), r.calls...)
}

// blocked returns a coordinator whose compactor is stuck in a compaction of [zz, zzz)
func blocked(t *testing.T, rec *recorder) *Coordinator {
	rec.blockFirst()
	c := NewCoordinator(rec.compact, nil, nil)
	require.NoError(t, c.CompactRangeAsync([]byte("zz"), []byte("zzz")))
	select {
	case <-rec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("compactor was not called")
	}
	return c
}

func TestCoalesceOverlapping(t *testing.T) {
	rec := newRecorder()
	c := blocked(t, rec)
	defer c.Close()

	require.NoError(t, c.CompactRangeAsync([]byte("a"), []byte("m")))
	require.NoError(t, c.CompactRangeAsync([]byte("f"), []byte("t")))
	assert.Equal(t, []Range{{Start: []byte("a"), End: []byte("t")}}, c.Pending())

	close(rec.gate)
	c.Wait()

	calls := rec.recorded()
	require.Len(t, calls, 2, "expected the blocker and exactly one merged compaction")
	assert.Equal(t, Range{Start: []byte("a"), End: []byte("t")}, calls[1])

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Requests)
	assert.Equal(t, uint64(1), stats.Merges)
	assert.Equal(t, uint64(2), stats.Compactions)
	assert.Equal(t, 0, stats.Pending)
}

func TestCoalesceRules(t *testing.T) {
	rec := newRecorder()
	c := blocked(t, rec)
	defer func() {
		close(rec.gate)
		c.Close()
	}()

	// touching ranges are merged
	require.NoError(t, c.CompactRangeAsync([]byte("a"), []byte("c")))
	require.NoError(t, c.CompactRangeAsync([]byte("c"), []byte("e")))
	// contained ranges are absorbed
	require.NoError(t, c.CompactRangeAsync([]byte("b"), []byte("d")))
	// disjoint ranges stay separate
	require.NoError(t, c.CompactRangeAsync([]byte("g"), []byte("h")))
	require.NoError(t, c.CompactRangeAsync([]byte("k"), []byte("l")))

	assert.Equal(t, []Range{
		{Start: []byte("a"), End: []byte("e")},
		{Start: []byte("g"), End: []byte("h")},
		{Start: []byte("k"), End: []byte("l")},
	}, c.Pending())
	assert.Equal(t, uint64(2), c.Stats().Merges)

	// a range bridging two queued ranges merges both, cascading
	require.NoError(t, c.CompactRangeAsync([]byte("f"), []byte("k")))
	assert.Equal(t, []Range{
		{Start: []byte("a"), End: []byte("e")},
		{Start: []byte("f"), End: []byte("l")},
	}, c.Pending())
	assert.Equal(t, uint64(4), c.Stats().Merges)

	// an unbounded end swallows everything after its start
	require.NoError(t, c.CompactRangeAsync([]byte("d"), nil))
	assert.Equal(t, []Range{{Start: []byte("a"), End: nil}}, c.Pending())

	// a nil start is the beginning of the keyspace
	require.NoError(t, c.CompactRangeAsync(nil, []byte("a")))
	pending := c.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0, len(pending[0].Start))
	assert.Nil(t, pending[0].End)
}

func TestErrorsDoNotStopTheLoop(t *testing.T) {
	rec := newRecorder()
	rec.fail["a"] = true
	set := metrics.NewSet()
	c := NewCoordinator(rec.compact, nil, set)
	defer c.Close()

	require.NoError(t, c.CompactRangeAsync([]byte("a"), []byte("b")))
	c.Wait()
	require.NoError(t, c.CompactRangeAsync([]byte("x"), []byte("y")))
	c.Wait()

	assert.Len(t, rec.recorded(), 2)
	assert.Equal(t, uint64(1), c.Stats().Errors)

	var buf bytes.Buffer
	set.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), "cabinkv_compaction_errors_total 1")
	assert.Contains(t, buf.String(), "cabinkv_compactions_total 2")
}

func TestCloseWaitsForRunningCompaction(t *testing.T) {
	rec := newRecorder()
	c := blocked(t, rec)
	require.NoError(t, c.CompactRangeAsync([]byte("a"), []byte("b")))

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a compaction was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(rec.gate)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	// the running compaction finished, the queued one was discarded
	calls := rec.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, []byte("zz"), calls[0].Start)

	assert.ErrorIs(t, c.CompactRangeAsync([]byte("a"), []byte("b")), ErrClosed)
	c.Close()
}

func TestInvalidRange(t *testing.T) {
	c := NewCoordinator(newRecorder().compact, nil, nil)
	defer c.Close()
	assert.Error(t, c.CompactRangeAsync([]byte("z"), []byte("a")))
}

func TestRangeHelpers(t *testing.T) {
	cmp := util.BytewiseComparer{}
	ab := Range{Start: []byte("a"), End: []byte("b")}
	bc := Range{Start: []byte("b"), End: []byte("c")}
	cd := Range{Start: []byte("c"), End: []byte("d")}
	open := Range{Start: []byte("b"), End: nil}

	assert.True(t, ab.overlaps(cmp, bc))
	assert.False(t, ab.overlaps(cmp, cd))
	assert.True(t, open.overlaps(cmp, cd))
	assert.True(t, cd.overlaps(cmp, open))
	assert.True(t, open.contains(cmp, cd))
	assert.False(t, cd.contains(cmp, open))
	assert.Equal(t, Range{Start: []byte("a"), End: []byte("c")}, ab.union(cmp, bc))
	assert.Equal(t, Range{Start: []byte("a"), End: nil}, ab.union(cmp, open))
}

// descending orders keys from high to low
type descending struct{}

func (descending) Compare(a, b []byte) int { return bytes.Compare(b, a) }
func (descending) Name() string            { return "descending" }

func TestCoalesceInKeyOrder(t *testing.T) {
	rec := newRecorder()
	rec.blockFirst()
	c := NewCoordinator(rec.compact, descending{}, nil)
	defer c.Close()
	require.NoError(t, c.CompactRangeAsync([]byte("zzz"), []byte("zz")))
	select {
	case <-rec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("compactor was not called")
	}

	// "a" sorts after "b"
	assert.Error(t, c.CompactRangeAsync([]byte("a"), []byte("b")))
	require.NoError(t, c.CompactRangeAsync([]byte("d"), []byte("c")))
	require.NoError(t, c.CompactRangeAsync([]byte("c"), []byte("b")))
	require.NoError(t, c.CompactRangeAsync([]byte("y"), []byte("x")))
	assert.Equal(t, []Range{
		{Start: []byte("d"), End: []byte("b")},
		{Start: []byte("y"), End: []byte("x")},
	}, c.Pending())

	close(rec.gate)
	c.Wait()

	calls := rec.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, Range{Start: []byte("d"), End: []byte("b")}, calls[1])
	assert.Equal(t, Range{Start: []byte("y"), End: []byte("x")}, calls[2])
}
