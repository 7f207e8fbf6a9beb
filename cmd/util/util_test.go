package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
	assert.Equal(t, "", WrapString(""))
}

func TestParseMergeOperators(t *testing.T) {
	ops, err := ParseMergeOperators("counters=uint64add, log=concat,")
	require.NoError(t, err)
	assert.Equal(t, []string{"counters=uint64add", "log=concat"}, MergeOperatorNames(ops))

	ops, err = ParseMergeOperators("")
	require.NoError(t, err)
	assert.Empty(t, ops)

	for _, bad := range []string{"counters", "=concat", "counters=max"} {
		_, err := ParseMergeOperators(bad)
		assert.Error(t, err, bad)
	}
}

func TestOpenStore(t *testing.T) {
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	viper.Set("log-level", "debug")
	viper.Set("sharding", "objects(2)")
	viper.Set("merge-operators", "counters=uint64add")
	viper.Set("data-dir", filepath.Join(dir, "db"))

	db, opts, err := OpenStore()
	require.NoError(t, err)
	assert.Equal(t, "objects(2)", opts.ShardingDef)
	assert.Contains(t, opts.MergeOperators, "counters")
	require.NoError(t, db.Close())

	// a regular file cannot hold a store
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	viper.Set("data-dir", file)
	_, _, err = OpenStore()
	assert.Error(t, err)

	viper.Set("log-level", "loud")
	_, _, err = OpenStore()
	assert.Error(t, err)
}
