package main

import (
	"errors"
	"fmt"

	"github.com/ptgott/batchmail/sentcopy"
	"github.com/ptgott/batchmail/storage"
	"github.com/spf13/cobra"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect the local archive of sent copies",
	Long: `Inspect the local archive of sent copies. The archive is only kept
when the config has a sentCopy.archive section. Copies expire after the
configured keyTTL.`,
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the IDs of archived copies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArchive(func(a *sentcopy.Archive) error {
			ids, err := a.List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		})
	},
}

var archiveShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Print an archived copy exactly as it was sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withArchive(func(a *sentcopy.Archive) error {
			b, err := a.Get(args[0])
			if err != nil {
				return fmt.Errorf("can't read copy %v: %w", args[0], err)
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		})
	},
}

func init() {
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveShowCmd)
}

func withArchive(fn func(*sentcopy.Archive) error) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if conf.SentCopy.Archive == nil {
		return errors.New("the config has no sentCopy.archive section")
	}
	db, err := storage.NewBadgerDB(&conf.SentCopy.Archive.KVConfig)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(sentcopy.NewArchive(db))
}
