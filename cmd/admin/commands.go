package admin

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ValentinKolb/cabinkv/lib/store"
	"github.com/spf13/cobra"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	reshardCmd = &cobra.Command{
		Use:   "reshard [definition]",
		Short: "Migrates the store to a new sharding definition",
		Long: `Migrates the store to a new sharding definition, e.g.

  cabinkv admin reshard 'objects(8)[0-4] logs(4)'

Prefixes missing from the definition move back to the default column family.
An empty definition ('') unshards every prefix.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl := &store.ReshardingCtrl{}
			ctrl.KeysPerIterator, _ = cmd.Flags().GetInt("keys-per-iterator")
			ctrl.BytesPerIterator, _ = cmd.Flags().GetInt("bytes-per-iterator")
			ctrl.KeysPerBatch, _ = cmd.Flags().GetInt("keys-per-batch")
			ctrl.BytesPerBatch, _ = cmd.Flags().GetInt("bytes-per-batch")

			report, err := adminStore.Reshard(args[0], ctrl)
			if err != nil {
				return err
			}
			for _, c := range report.Changes {
				fmt.Printf("%-20s %s\n", c.Prefix, c.Kind)
			}
			fmt.Printf("moved %d keys (%d bytes) in %d batches\n", report.KeysMoved, report.BytesMoved, report.Batches)
			fmt.Printf("sharding: %s\n", adminStore.ShardingDefinition())
			return nil
		},
	}
	compactCmd = &cobra.Command{
		Use:   "compact [prefix]",
		Short: "Compacts the whole store or one prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if len(args) == 0 {
				err = adminStore.Compact()
			} else {
				err = adminStore.CompactPrefix(args[0])
			}
			if err != nil {
				return err
			}
			fmt.Println("compact successfully")
			return nil
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints the layout, key distribution and engine information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := adminStore.GetInfo()
			if err != nil {
				return err
			}
			if err := printJSON(info); err != nil {
				return err
			}
			if withMetrics, _ := cmd.Flags().GetBool("metrics"); withMetrics {
				adminOpts.Metrics.WritePrometheus(os.Stdout)
			}
			return nil
		},
	}
	shardingCmd = &cobra.Command{
		Use:   "sharding",
		Short: "Prints the active sharding definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def := adminStore.ShardingDefinition()
			fmt.Printf("hash: %s\n", def.HashVersion)
			if len(def.Entries) == 0 {
				fmt.Println("(no sharded prefixes)")
			}
			for i := range def.Entries {
				e := &def.Entries[i]
				fmt.Printf("%-40s %s\n", e.String(), strings.Join(e.ColumnFamilyNames(), ","))
			}
			return nil
		},
	}
)
