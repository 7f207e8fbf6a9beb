package kv

import (
	"github.com/ValentinKolb/cabinkv/cmd/util"
	"github.com/ValentinKolb/cabinkv/lib/store"
	"github.com/spf13/cobra"
)

var (
	kvStore store.KeyValueDB

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Perform key-value store operations",
		PersistentPreRunE:  openStore,
		PersistentPostRunE: closeStore,
	}
)

func init() {
	// Add subcommands
	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(rmCmd)
	KeyValueCommands.AddCommand(rmPrefixCmd)
	KeyValueCommands.AddCommand(rmRangeCmd)
	KeyValueCommands.AddCommand(mergeCmd)
	KeyValueCommands.AddCommand(scanCmd)

	setCmd.Flags().Bool("sync", false, util.WrapString("Wait until the write is durable"))
	mergeCmd.Flags().Bool("uint64", false, util.WrapString("Encode the operand as a little endian uint64 (for the uint64add operator)"))
	scanCmd.Flags().String("from", "", util.WrapString("First key of the scan"))
	scanCmd.Flags().Int("limit", 0, util.WrapString("Maximum number of keys to print (0 = all)"))
	scanCmd.Flags().Bool("reverse", false, util.WrapString("Scan in descending key order"))
}

// openStore opens the local store
func openStore(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	var err error
	kvStore, _, err = util.OpenStore()
	return err
}

func closeStore(_ *cobra.Command, _ []string) error {
	if kvStore == nil {
		return nil
	}
	return kvStore.Close()
}
