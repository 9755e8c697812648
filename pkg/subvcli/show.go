package subvcli

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/function61/subvbackup/pkg/subvdescriptor"
	"github.com/function61/subvbackup/pkg/subvtypes"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func showEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "show [descriptor or root]",
		Short: "Print a descriptor's subvolumes",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			location := "."
			if len(args) > 0 {
				location = args[0]
			}

			exitIfError(show(location, os.Stdout, isatty.IsTerminal(os.Stdout.Fd())))
		},
	}
}

func show(location string, out io.Writer, asTable bool) error {
	path, err := resolveDescriptorPath(location)
	if err != nil {
		return err
	}

	desc, err := subvdescriptor.Read(path)
	if err != nil {
		return err
	}

	printDescriptor(*desc, out, asTable)

	return nil
}

// directory => its descriptor
func resolveDescriptorPath(location string) (string, error) {
	info, err := os.Stat(location)
	if err != nil {
		return "", err
	}

	if info.IsDir() {
		return subvdescriptor.PathFor(location), nil
	}

	return location, nil
}

// plain output is one path per line for scripts
func printDescriptor(desc subvtypes.BackupDescriptor, out io.Writer, asTable bool) {
	paths := lo.Map(desc.Subvolumes, func(rec subvtypes.SubvolumeRecord, _ int) string {
		return rec.String()
	})

	if !asTable {
		for _, path := range paths {
			fmt.Fprintln(out, path)
		}
		return
	}

	fmt.Fprintf(out, "Label: %s\nUUID:  %s\n", orUnknown(desc.FilesystemLabel), orUnknown(desc.FilesystemUuid))
	if desc.Device != "" {
		fmt.Fprintf(out, "Device: %s\n", desc.Device)
	}
	if desc.SubvolumeId != nil {
		fmt.Fprintf(out, "Mounted subvolume: %s (id %d)\n", desc.Subvolume, *desc.SubvolumeId)
	}
	fmt.Fprintln(out)

	tbl := tablewriter.NewWriter(out)
	tbl.SetAutoFormatHeaders(false)
	tbl.SetBorder(false)
	tbl.SetHeader([]string{"Subvolume", "Depth"})

	for i, path := range paths {
		tbl.Append([]string{path, strconv.Itoa(desc.Subvolumes[i].Depth())})
	}

	tbl.Render()
}

func orUnknown(val *string) string {
	if val == nil {
		return "(unknown)"
	}

	return *val
}
