package admin

import (
	"github.com/ValentinKolb/cabinkv/cmd/util"
	"github.com/ValentinKolb/cabinkv/lib/store"
	"github.com/ValentinKolb/cabinkv/lib/store/cabin"
	"github.com/spf13/cobra"
)

var (
	adminStore store.KeyValueDB
	adminOpts  *cabin.Options

	// AdminCommands represents the admin command group
	AdminCommands = &cobra.Command{
		Use:                "admin",
		Short:              "Inspect and maintain the store",
		PersistentPreRunE:  openStore,
		PersistentPostRunE: closeStore,
	}
)

func init() {
	AdminCommands.AddCommand(reshardCmd)
	AdminCommands.AddCommand(compactCmd)
	AdminCommands.AddCommand(infoCmd)
	AdminCommands.AddCommand(shardingCmd)

	ctrl := store.DefaultReshardingCtrl()
	reshardCmd.Flags().Int("keys-per-iterator", ctrl.KeysPerIterator, util.WrapString("Keys copied before the source iterator is re-opened"))
	reshardCmd.Flags().Int("bytes-per-iterator", ctrl.BytesPerIterator, util.WrapString("Bytes copied before the source iterator is re-opened"))
	reshardCmd.Flags().Int("keys-per-batch", ctrl.KeysPerBatch, util.WrapString("Keys after which a copy batch is written"))
	reshardCmd.Flags().Int("bytes-per-batch", ctrl.BytesPerBatch, util.WrapString("Bytes after which a copy batch is written"))

	infoCmd.Flags().Bool("metrics", false, util.WrapString("Print the metrics of this process in the Prometheus text format"))
}

func openStore(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	var err error
	adminStore, adminOpts, err = util.OpenStore()
	return err
}

func closeStore(_ *cobra.Command, _ []string) error {
	if adminStore == nil {
		return nil
	}
	return adminStore.Close()
}
