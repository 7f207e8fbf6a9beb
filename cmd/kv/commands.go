package kv

import (
	"fmt"
	"strconv"

	"github.com/ValentinKolb/cabinkv/lib/store"
	"github.com/ValentinKolb/cabinkv/lib/store/cabin"
	"github.com/spf13/cobra"
)

// write submits a transaction built by build
func write(sync bool, build func(tx store.Transaction) error) error {
	tx := kvStore.GetTransaction()
	if err := build(tx); err != nil {
		return err
	}
	if sync {
		return kvStore.SubmitTransactionSync(tx)
	}
	return kvStore.SubmitTransaction(tx)
}

var (
	setCmd = &cobra.Command{
		Use:   "set [prefix] [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sync, _ := cmd.Flags().GetBool("sync")
			if err := write(sync, func(tx store.Transaction) error {
				return tx.Set(args[0], []byte(args[1]), []byte(args[2]))
			}); err != nil {
				return err
			}
			fmt.Println("set successfully")
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [prefix] [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, ok, err := kvStore.Get(args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("prefix=%s, key=%s, found=%v, resp=%s\n", args[0], args[1], ok, resp)
			return nil
		},
	}
	rmCmd = &cobra.Command{
		Use:   "rm [prefix] [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := write(true, func(tx store.Transaction) error {
				return tx.RmKey(args[0], []byte(args[1]))
			}); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	rmPrefixCmd = &cobra.Command{
		Use:   "rm-prefix [prefix]",
		Short: "Deletes every key of a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := write(true, func(tx store.Transaction) error {
				return tx.RmKeysByPrefix(args[0])
			}); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	rmRangeCmd = &cobra.Command{
		Use:   "rm-range [prefix] [start] [end]",
		Short: "Deletes the keys of a prefix in [start, end), without end up to the end of the prefix",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var end []byte
			if len(args) == 3 {
				end = []byte(args[2])
			}
			if err := write(true, func(tx store.Transaction) error {
				return tx.RmRangeKeys(args[0], []byte(args[1]), end)
			}); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	mergeCmd = &cobra.Command{
		Use:   "merge [prefix] [key] [operand]",
		Short: "Applies the merge operator of the prefix to a key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			operand := []byte(args[2])
			if asUint, _ := cmd.Flags().GetBool("uint64"); asUint {
				v, err := strconv.ParseUint(args[2], 10, 64)
				if err != nil {
					return fmt.Errorf("operand must be a number: %w", err)
				}
				operand = cabin.EncodeUint64(v)
			}
			if err := write(true, func(tx store.Transaction) error {
				return tx.Merge(args[0], []byte(args[1]), operand)
			}); err != nil {
				return err
			}
			fmt.Println("merge successfully")
			return nil
		},
	}
	scanCmd = &cobra.Command{
		Use:   "scan [prefix]",
		Short: "Lists the keys of a prefix in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			limit, _ := cmd.Flags().GetInt("limit")
			reverse, _ := cmd.Flags().GetBool("reverse")

			it, err := kvStore.GetIterator(args[0])
			if err != nil {
				return err
			}
			defer it.Close()

			var valid bool
			switch {
			case reverse && from != "":
				// last key <= from
				if valid = it.UpperBound([]byte(from)); valid {
					valid = it.Prev()
				} else {
					valid = it.SeekToLast()
				}
			case reverse:
				valid = it.SeekToLast()
			case from != "":
				valid = it.LowerBound([]byte(from))
			default:
				valid = it.SeekToFirst()
			}

			n := 0
			for ; valid && (limit <= 0 || n < limit); n++ {
				fmt.Printf("%s=%s\n", it.Key(), it.Value())
				if reverse {
					valid = it.Prev()
				} else {
					valid = it.Next()
				}
			}
			if err := it.Status(); err != nil {
				return err
			}
			fmt.Printf("%d keys\n", n)
			return nil
		},
	}
)
