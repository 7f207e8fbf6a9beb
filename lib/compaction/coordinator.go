package compaction

import (
	"sync"

	"github.com/ValentinKolb/cabinkv/lib/common"
	"github.com/ValentinKolb/cabinkv/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
)

var Logger = common.GetLogger("compaction")

var ErrClosed = errors.New("compaction: coordinator closed")

// Compactor compacts [start, end) and blocks until it is done.
// A nil start means the beginning of the keyspace, a nil end its end.
type Compactor func(start, end []byte) error

// Range is a queued compaction range. A nil End is unbounded.
type Range struct {
	Start []byte
	End   []byte
}

// overlaps reports whether r and o overlap or touch
func (r Range) overlaps(cmp util.Comparer, o Range) bool {
	// r.Start <= o.End && o.Start <= r.End
	startBeforeEnd := func(start, end []byte) bool {
		return end == nil || cmp.Compare(start, end) <= 0
	}
	return startBeforeEnd(r.Start, o.End) && startBeforeEnd(o.Start, r.End)
}

// contains reports whether o lies within r
func (r Range) contains(cmp util.Comparer, o Range) bool {
	if cmp.Compare(r.Start, o.Start) > 0 {
		return false
	}
	if r.End == nil {
		return true
	}
	return o.End != nil && cmp.Compare(o.End, r.End) <= 0
}

// union returns the smallest range covering r and o
func (r Range) union(cmp util.Comparer, o Range) Range {
	out := r
	if cmp.Compare(o.Start, out.Start) < 0 {
		out.Start = o.Start
	}
	if out.End != nil && (o.End == nil || cmp.Compare(o.End, out.End) > 0) {
		out.End = o.End
	}
	return out
}

// Stats are the counters of a coordinator
type Stats struct {
	Requests    uint64 `json:"requests"`    // ranges passed to CompactRangeAsync
	Merges      uint64 `json:"merges"`      // requests coalesced into a queued range
	Compactions uint64 `json:"compactions"` // ranges handed to the compactor
	Errors      uint64 `json:"errors"`      // failed compactions
	Pending     int    `json:"pending"`     // ranges waiting in the queue
}

// --------------------------------------------------------------------------
// Coordinator
// --------------------------------------------------------------------------

// Coordinator drains a queue of compaction ranges on one background goroutine.
// Ranges that overlap or touch a queued range are merged into it, so a burst of
// requests for neighbouring keys results in a single compaction.
type Coordinator struct {
	compact Compactor
	cmp     util.Comparer

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Range
	running bool
	stopped bool
	done    chan struct{}

	requests    *metrics.Counter
	merges      *metrics.Counter
	compactions *metrics.Counter
	errors      *metrics.Counter
}

// NewCoordinator starts a coordinator calling compact. Ranges are ordered by cmp
// (nil = bytewise). Counters are registered in set, which may be nil.
func NewCoordinator(compact Compactor, cmp util.Comparer, set *metrics.Set) *Coordinator {
	if cmp == nil {
		cmp = util.BytewiseComparer{}
	}
	if set == nil {
		set = metrics.NewSet()
	}
	c := &Coordinator{
		compact:     compact,
		cmp:         cmp,
		done:        make(chan struct{}),
		requests:    set.NewCounter("cabinkv_compaction_requests_total"),
		merges:      set.NewCounter("cabinkv_compaction_merges_total"),
		compactions: set.NewCounter("cabinkv_compactions_total"),
		errors:      set.NewCounter("cabinkv_compaction_errors_total"),
	}
	c.cond = sync.NewCond(&c.mu)
	set.NewGauge("cabinkv_compaction_queue_length", func() float64 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return float64(len(c.queue))
	})

	go c.run()
	return c
}

// CompactRangeAsync queues [start, end) for compaction and returns immediately.
// The range is coalesced with every queued range it overlaps or touches.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Coordinator) CompactRangeAsync(start, end []byte) error {
	if end != nil && c.cmp.Compare(start, end) > 0 {
		return errors.Newf("compaction: start %q is above end %q", start, end)
	}
	r := Range{Start: clone(start), End: clone(end)}
	if r.Start == nil {
		r.Start = []byte{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrClosed
	}
	c.requests.Inc()

	// merge with every overlapping range until none is left, the merged range
	// takes the earliest position of the ranges it absorbed
	insertAt := -1
	for {
		found := -1
		for i := range c.queue {
			if c.queue[i].overlaps(c.cmp, r) {
				found = i
				break
			}
		}
		if found < 0 {
			break
		}
		q := c.queue[found]
		if q.contains(c.cmp, r) {
			Logger.Debugf("range [%q, %q) already queued within [%q, %q)", r.Start, r.End, q.Start, q.End)
		}
		c.merges.Inc()
		r = q.union(c.cmp, r)
		c.queue = append(c.queue[:found], c.queue[found+1:]...)
		if insertAt < 0 || found < insertAt {
			insertAt = found
		}
	}

	if insertAt < 0 {
		c.queue = append(c.queue, r)
	} else {
		c.queue = append(c.queue, Range{})
		copy(c.queue[insertAt+1:], c.queue[insertAt:])
		c.queue[insertAt] = r
	}
	c.cond.Broadcast()
	return nil
}

// run is the background loop
// WARNING: this method should never be called! It is started by NewCoordinator.
func (c *Coordinator) run() {
	defer close(c.done)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.stopped {
			c.cond.Wait()
		}
		if c.stopped {
			if len(c.queue) > 0 {
				Logger.Infof("discarding %d queued compactions on close", len(c.queue))
			}
			c.queue = nil
			c.mu.Unlock()
			return
		}
		r := c.queue[0]
		c.queue[0] = Range{}
		c.queue = c.queue[1:]
		c.running = true
		c.mu.Unlock()

		// compaction runs without the lock so requests can be queued meanwhile
		err := c.compact(r.Start, r.End)

		c.mu.Lock()
		c.running = false
		c.compactions.Inc()
		if err != nil {
			c.errors.Inc()
			Logger.Errorf("compaction of [%q, %q) failed: %v", r.Start, r.End, err)
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}
}

// Wait blocks until the queue is empty and no compaction is running, or the
// coordinator is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for (len(c.queue) > 0 || c.running) && !c.stopped {
		c.cond.Wait()
	}
}

// Pending returns a copy of the queued ranges in the order they will run.
func (c *Coordinator) Pending() []Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Range, len(c.queue))
	copy(out, c.queue)
	return out
}

// Stats returns the current counters
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	pending := len(c.queue)
	c.mu.Unlock()
	return Stats{
		Requests:    c.requests.Get(),
		Merges:      c.merges.Get(),
		Compactions: c.compactions.Get(),
		Errors:      c.errors.Get(),
		Pending:     pending,
	}
}

// Close stops the coordinator and waits for the background goroutine. A
// compaction that is already running finishes, queued ranges are discarded.
// Calling Close more than once is safe.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.stopped = true
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.done
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
