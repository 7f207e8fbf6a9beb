package cabin

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/ValentinKolb/cabinkv/lib/store"
	"github.com/ValentinKolb/cabinkv/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/pebble/vfs"
)

// Options configures a store
type Options struct {
	// ShardingDef is the sharding definition (sharding DSL) used when the store is
	// created. Once a definition is persisted it wins, use Reshard to change it.
	ShardingDef string

	// MergeOperators maps prefixes to the operator their merges use. Merges on
	// other prefixes are rejected.
	MergeOperators map[string]engine.MergeOperator

	// Comparer orders the user keys within a prefix (nil = bytewise). Prefixes
	// are ordered bytewise and the empty key sorts first. The engine persists
	// the order, a store must be reopened with a comparer of the same name.
	Comparer util.Comparer

	// ReshardingCtrl holds the default bounds of Reshard (nil = store.DefaultReshardingCtrl()).
	ReshardingCtrl *store.ReshardingCtrl

	// Engine settings
	FS        vfs.FS // File system (nil = OS file system)
	CacheSize int64  // Block cache size in bytes (0 = engine default)

	// Metrics receives the store's counters (nil = private set)
	Metrics *metrics.Set
}

// DefaultOptions returns the default store options
func DefaultOptions() *Options {
	return &Options{
		ReshardingCtrl: store.DefaultReshardingCtrl(),
		CacheSize:      64 << 20,
	}
}

// withDefaults fills unset fields
func (o *Options) withDefaults() *Options {
	out := *o
	if out.Comparer == nil {
		out.Comparer = util.BytewiseComparer{}
	}
	if out.ReshardingCtrl == nil {
		out.ReshardingCtrl = store.DefaultReshardingCtrl()
	}
	if out.Metrics == nil {
		out.Metrics = metrics.NewSet()
	}
	return &out
}

// normalizeCtrl replaces zero bounds of ctrl with the bounds of def
func normalizeCtrl(ctrl, def *store.ReshardingCtrl) store.ReshardingCtrl {
	if ctrl == nil {
		return *def
	}
	out := *ctrl
	if out.BytesPerIterator <= 0 {
		out.BytesPerIterator = def.BytesPerIterator
	}
	if out.KeysPerIterator <= 0 {
		out.KeysPerIterator = def.KeysPerIterator
	}
	if out.BytesPerBatch <= 0 {
		out.BytesPerBatch = def.BytesPerBatch
	}
	if out.KeysPerBatch <= 0 {
		out.KeysPerBatch = def.KeysPerBatch
	}
	return out
}

// String returns a formatted string representation of the options
func (o *Options) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Sharding")
	def := o.ShardingDef
	if def == "" {
		def = "(none)"
	}
	addField("Definition", def)

	addSection("Merge Operators")
	if len(o.MergeOperators) == 0 {
		addField("Prefixes", "(none)")
	}
	prefixes := make([]string, 0, len(o.MergeOperators))
	for p := range o.MergeOperators {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	for _, p := range prefixes {
		addField(p, o.MergeOperators[p].Name())
	}

	ctrl := o.ReshardingCtrl
	if ctrl == nil {
		ctrl = store.DefaultReshardingCtrl()
	}
	addSection("Resharding")
	addField("Keys Per Iterator", strconv.Itoa(ctrl.KeysPerIterator))
	addField("Bytes Per Iterator", strconv.Itoa(ctrl.BytesPerIterator))
	addField("Keys Per Batch", strconv.Itoa(ctrl.KeysPerBatch))
	addField("Bytes Per Batch", strconv.Itoa(ctrl.BytesPerBatch))

	addSection("Engine")
	addField("Implementation", string(engine.ImplPebble))
	keys := "bytewise"
	if !util.IsBytewise(o.Comparer) {
		keys = o.Comparer.Name()
	}
	addField("Key Order", keys)
	addField("Cache Size", fmt.Sprintf("%d MiB", o.CacheSize>>20))
	if o.FS != nil && o.FS != vfs.Default {
		addField("File System", fmt.Sprintf("%T", o.FS))
	}
	return sb.String()
}
