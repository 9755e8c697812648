package subvcli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/subvbackup/pkg/subvdescriptor"
	"github.com/function61/subvbackup/pkg/subvmetrics"
	"github.com/function61/subvbackup/pkg/subvrestore"
	"github.com/spf13/cobra"
)

func restoreEntrypoint() *cobra.Command {
	descriptorPath := ""
	conf := subvrestore.Config{}
	noReflink := false
	dryRun := false
	metricsTextfile := ""

	cmd := &cobra.Command{
		Use:   "restore [root]",
		Short: "Recreate the subvolume layout recorded in root's descriptor",
		Long: `Subvolumes are created where the descriptor says. A directory already holding data
is turned into a subvolume by copying its contents into a new subvolume and
swapping it into place. If anything fails, every subvolume created by the run is
removed again.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			conf.PreferReflink = !noReflink

			exitIfError(func() error {
				started := time.Now()

				engine, err := newHostEngine(conf, rootLogger)
				if err != nil {
					return err
				}

				res, err := restore(
					osutil.CancelOnInterruptOrTerminate(rootLogger),
					engine,
					args[0],
					descriptorPath,
					dryRun,
					os.Stdout,
					rootLogger)

				if metricsTextfile != "" && !dryRun {
					writeRestoreMetrics(metricsTextfile, subvmetrics.OperationRestore, args[0], res, time.Since(started), rootLogger)
				}

				return err
			}())
		},
	}

	cmd.Flags().StringVarP(&descriptorPath, "descriptor", "d", descriptorPath, "Descriptor to restore. Default: "+subvdescriptor.Filename+" under root")
	cmd.Flags().BoolVarP(&conf.Verbose, "verbose", "v", conf.Verbose, "Verbose logging")
	cmd.Flags().BoolVarP(&noReflink, "no-reflink", "", noReflink, "Always copy data byte-by-byte")
	cmd.Flags().BoolVarP(&conf.Verify, "verify", "", conf.Verify, "Compare content digests before swapping a populated subvolume into place")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", dryRun, "Only print what would be done")
	cmd.Flags().StringVarP(&metricsTextfile, "metrics-textfile", "", metricsTextfile, "Write run metrics to this node_exporter textfile")

	return cmd
}

func convertEntrypoint() *cobra.Command {
	conf := subvrestore.Config{}
	noReflink := false
	metricsTextfile := ""

	cmd := &cobra.Command{
		Use:   "convert [dir]",
		Short: "Turn an existing directory into a subvolume, keeping its contents",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			conf.PreferReflink = !noReflink

			exitIfError(func() error {
				started := time.Now()

				engine, err := newHostEngine(conf, rootLogger)
				if err != nil {
					return err
				}

				res, err := engine.Convert(
					osutil.CancelOnInterruptOrTerminate(rootLogger),
					args[0])

				if metricsTextfile != "" {
					writeRestoreMetrics(metricsTextfile, subvmetrics.OperationConvert, args[0], res, time.Since(started), rootLogger)
				}

				if err != nil {
					return err
				}

				return reportRestore(res, time.Since(started), rootLogger)
			}())
		},
	}

	cmd.Flags().BoolVarP(&conf.Verbose, "verbose", "v", conf.Verbose, "Verbose logging")
	cmd.Flags().BoolVarP(&noReflink, "no-reflink", "", noReflink, "Always copy data byte-by-byte")
	cmd.Flags().BoolVarP(&conf.Verify, "verify", "", conf.Verify, "Compare content digests before swapping the subvolume into place")
	cmd.Flags().StringVarP(&metricsTextfile, "metrics-textfile", "", metricsTextfile, "Write run metrics to this node_exporter textfile")

	return cmd
}

// result is nil for dry runs
func restore(
	ctx context.Context,
	engine *subvrestore.Engine,
	root string,
	descriptorPath string,
	dryRun bool,
	out io.Writer,
	logger *log.Logger,
) (*subvrestore.Result, error) {
	if descriptorPath == "" {
		descriptorPath = subvdescriptor.PathFor(root)
	}

	desc, err := subvdescriptor.Read(descriptorPath)
	if err != nil {
		return nil, err
	}

	if dryRun {
		plan, err := engine.Plan(*desc, root)
		if err != nil {
			return nil, err
		}

		subvrestore.ExplainPlan(plan, out)

		if conflicts := plan.Conflicts(); len(conflicts) > 0 {
			return nil, fmt.Errorf("%d conflict(s); restore would fail", len(conflicts))
		}

		return nil, nil
	}

	started := time.Now()

	res, err := engine.Restore(ctx, *desc, root)
	if err != nil {
		return nil, err
	}

	return res, reportRestore(res, time.Since(started), logger)
}

func reportRestore(res *subvrestore.Result, took time.Duration, logger *log.Logger) error {
	logl := logex.Levels(logex.NonNil(logger))

	logl.Info.Printf(
		"created %d subvolume(s) under %s in %s: %d populated from existing data (%d reflinked, %s copied)",
		len(res.Created),
		res.Root,
		took.Round(time.Millisecond),
		res.Populated,
		res.Reflinked,
		humanize.Bytes(uint64(res.BytesCopied)))

	for _, skipped := range res.Skipped {
		logl.Error.Printf("special file not carried over: %s", skipped)
	}

	problems := []string{}

	if len(res.Skipped) > 0 {
		problems = append(problems, fmt.Sprintf("%d special file(s) not carried over", len(res.Skipped)))
	}

	if len(res.Leftovers) > 0 {
		problems = append(problems, "originals could not be removed: "+strings.Join(res.Leftovers, ", "))
	}

	if len(problems) > 0 {
		return fmt.Errorf("subvolumes restored, but %s", strings.Join(problems, "; "))
	}

	return nil
}

// res is nil if the run failed
func writeRestoreMetrics(
	path string,
	operation string,
	root string,
	res *subvrestore.Result,
	took time.Duration,
	logger *log.Logger,
) {
	created := 0
	if res != nil {
		created = len(res.Created)
	}

	metrics := subvmetrics.New()
	metrics.ObserveRestore(operation, root, created, res == nil, took)

	if err := metrics.WriteTextfile(path); err != nil {
		logex.Levels(logex.NonNil(logger)).Error.Printf("metrics: %v", err)
	}
}
