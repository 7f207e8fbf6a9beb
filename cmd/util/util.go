package util

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ValentinKolb/cabinkv/lib/common"
	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/ValentinKolb/cabinkv/lib/store"
	"github.com/ValentinKolb/cabinkv/lib/store/cabin"
	"github.com/VictoriaMetrics/metrics"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

var Logger = common.GetLogger("cli")

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// SetupStoreFlags adds the flags needed to open a store to a command
func SetupStoreFlags(cmd *cobra.Command) {
	key := "data-dir"
	cmd.PersistentFlags().String(key, "data", WrapString("Directory of the store"))

	key = "sharding"
	cmd.PersistentFlags().String(key, "", WrapString("Sharding definition used when the store is created (e.g. 'objects(8)[0-4] logs(4)'). An existing store keeps its persisted definition, use 'admin reshard' to change it"))

	key = "merge-operators"
	cmd.PersistentFlags().String(key, "", WrapString("Comma-separated list of merge operators in the format PREFIX=OPERATOR where OPERATOR is one of: uint64add, concat"))

	key = "cache-size"
	cmd.PersistentFlags().Int(key, 64, WrapString("Block cache size (in MB)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitConfig loads env files and binds environment variables. The format of
// the environment variables is CABINKV_<flag> (e.g. CABINKV_DATA_DIR=/tmp/kv).
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("cabinkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// ParseMergeOperators parses a PREFIX=OPERATOR list
func ParseMergeOperators(text string) (map[string]engine.MergeOperator, error) {
	out := make(map[string]engine.MergeOperator)
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		prefix, name, ok := strings.Cut(part, "=")
		if !ok || prefix == "" {
			return nil, fmt.Errorf("invalid merge operator %q (expected PREFIX=OPERATOR)", part)
		}
		switch strings.TrimSpace(name) {
		case "uint64add":
			out[prefix] = cabin.Uint64AddOperator{}
		case "concat":
			out[prefix] = cabin.ConcatOperator{}
		default:
			return nil, fmt.Errorf("invalid merge operator %q for prefix %q (expected one of: uint64add, concat)", name, prefix)
		}
	}
	return out, nil
}

// MergeOperatorNames returns PREFIX=OPERATOR pairs sorted by prefix
func MergeOperatorNames(ops map[string]engine.MergeOperator) []string {
	out := make([]string, 0, len(ops))
	for p, op := range ops {
		out = append(out, p+"="+op.Name())
	}
	sort.Strings(out)
	return out
}

// GetStoreOptions reads the store options from viper
func GetStoreOptions() (*cabin.Options, error) {
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return nil, err
	}
	ops, err := ParseMergeOperators(viper.GetString("merge-operators"))
	if err != nil {
		return nil, err
	}

	opts := cabin.DefaultOptions()
	opts.ShardingDef = viper.GetString("sharding")
	opts.MergeOperators = ops
	opts.CacheSize = int64(viper.GetInt("cache-size")) << 20
	opts.Metrics = metrics.NewSet()
	return opts, nil
}

// OpenStore opens the store configured by flags and environment
func OpenStore() (store.KeyValueDB, *cabin.Options, error) {
	opts, err := GetStoreOptions()
	if err != nil {
		return nil, nil, err
	}
	dir := viper.GetString("data-dir")
	Logger.Debugf("opening store at %q with options:%s", dir, opts)
	db, err := cabin.Open(dir, opts)
	if err != nil {
		Logger.Errorf("failed to open store at %q: %v", dir, err)
		return nil, nil, err
	}
	return db, opts, nil
}
