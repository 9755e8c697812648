package main

import (
	"os"

	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/osutil"
	"github.com/function61/subvbackup/pkg/subvcli"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     os.Args[0],
		Short:   "Backs up & restores the btrfs subvolume layout of a directory tree",
		Version: dynversion.Version,
		// hide the default "completion" subcommand from polluting UX (it can still be used). https://github.com/spf13/cobra/issues/1507
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}

	for _, entrypoint := range subvcli.Entrypoints() {
		rootCmd.AddCommand(entrypoint)
	}

	osutil.ExitIfError(rootCmd.Execute())
}
