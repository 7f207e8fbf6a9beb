package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/cabinkv/cmd/admin"
	"github.com/ValentinKolb/cabinkv/cmd/kv"
	"github.com/ValentinKolb/cabinkv/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "cabinkv",
		Short: "sharded key-value store",
		Long: fmt.Sprintf(`cabinkv (v%s)

An embedded key-value store that spreads the keys of each prefix over
column family shards and reshards them online.

Flags can be set via environment variables in the format CABINKV_<flag>
(e.g. CABINKV_DATA_DIR=/var/lib/cabinkv).`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of cabinkv",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cabinkv v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(admin.AdminCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupStoreFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
