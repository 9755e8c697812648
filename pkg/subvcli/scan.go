package subvcli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/subvbackup/pkg/subvdescriptor"
	"github.com/function61/subvbackup/pkg/subvmetrics"
	"github.com/function61/subvbackup/pkg/subvscanner"
	"github.com/spf13/cobra"
)

func scanEntrypoint() *cobra.Command {
	output := ""
	verbose := false
	metricsTextfile := ""

	cmd := &cobra.Command{
		Use:   "scan [root]",
		Short: "Record the subvolume layout under root into a descriptor",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			exitIfError(func() error {
				scanner, err := newHostScanner(verbose, rootLogger)
				if err != nil {
					return err
				}

				started := time.Now()

				res, err := runScan(
					osutil.CancelOnInterruptOrTerminate(rootLogger),
					scanner,
					args[0],
					output,
					os.Stdout,
					rootLogger)

				if metricsTextfile != "" && res != nil {
					metrics := subvmetrics.New()
					metrics.ObserveScan(res.Root, len(res.Descriptor.Subvolumes), len(res.SkippedMounts), len(res.Warnings), time.Since(started))

					if err := metrics.WriteTextfile(metricsTextfile); err != nil {
						logex.Levels(rootLogger).Error.Printf("metrics: %v", err)
					}
				}

				return err
			}())
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", output, "Where to write the descriptor ('-' for stdout). Default: "+subvdescriptor.Filename+" under root")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", verbose, "Log every directory")
	cmd.Flags().StringVarP(&metricsTextfile, "metrics-textfile", "", metricsTextfile, "Write run metrics to this node_exporter textfile")

	return cmd
}

// scans & writes the descriptor. the result is returned also when the scan
// completed with warnings (errScanWarnings).
func runScan(
	ctx context.Context,
	scanner *subvscanner.Scanner,
	root string,
	output string,
	stdout io.Writer,
	logger *log.Logger,
) (*subvscanner.Result, error) {
	logl := logex.Levels(logex.NonNil(logger))

	res, err := scanner.Scan(ctx, root)
	if err != nil {
		return nil, err
	}

	switch output {
	case "-":
		if err := subvdescriptor.Encode(stdout, res.Descriptor); err != nil {
			return nil, err
		}
	case "":
		output = subvdescriptor.PathFor(res.Root)
		fallthrough
	default:
		if err := subvdescriptor.Write(output, res.Descriptor); err != nil {
			return nil, err
		}

		logl.Info.Printf("wrote %s", output)
	}

	for _, skipped := range res.SkippedMounts {
		logl.Info.Printf("skipped mount point %s", skipped)
	}

	logl.Info.Printf(
		"%d subvolume(s), %d skipped mount point(s)",
		len(res.Descriptor.Subvolumes),
		len(res.SkippedMounts))

	if res.Partial() {
		return res, fmt.Errorf(
			"%w: %d directory subtree(s) could not be scanned, descriptor may be incomplete",
			errScanWarnings,
			len(res.Warnings))
	}

	return res, nil
}
