package subvcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/subvbackup/pkg/scheduler"
	"github.com/function61/subvbackup/pkg/subvmetrics"
	"github.com/function61/subvbackup/pkg/subvscanner"
	"github.com/function61/subvbackup/pkg/subvstate"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

type DaemonConfig struct {
	Roots           []DaemonRoot `json:"roots"`
	StateDb         string       `json:"state_db"`
	MetricsTextfile string       `json:"metrics_textfile,omitempty"`
	Verbose         bool         `json:"verbose"`
}

type DaemonRoot struct {
	Path     string `json:"path"`
	Schedule string `json:"schedule"` // cron expression or "@daily" etc.
}

func daemonEntrypoint() *cobra.Command {
	configPath := "/etc/subvbackup/daemon.json"

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Rescan configured roots on a schedule, keeping their descriptors current",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rootLogger := logex.StandardLogger()

			exitIfError(func() error {
				conf, err := readDaemonConfig(configPath)
				if err != nil {
					return err
				}

				scanner, err := newHostScanner(conf.Verbose, rootLogger)
				if err != nil {
					return err
				}

				return runDaemon(osutil.CancelOnInterruptOrTerminate(rootLogger), *conf, scanner, rootLogger)
			}())
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "Path to daemon config")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the last run of each configured root",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitIfError(func() error {
				conf, err := readDaemonConfig(configPath)
				if err != nil {
					return err
				}

				return daemonStatus(*conf, os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
			}())
		},
	})

	return cmd
}

func readDaemonConfig(path string) (*DaemonConfig, error) {
	conf := &DaemonConfig{}
	if err := jsonfile.Read(path, conf, true); err != nil {
		return nil, err
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return conf, nil
}

func (d *DaemonConfig) Validate() error {
	if len(d.Roots) == 0 {
		return errors.New("no roots configured")
	}

	if d.StateDb == "" {
		return errors.New("state_db not set")
	}

	for _, root := range d.Roots {
		if !filepath.IsAbs(root.Path) {
			return fmt.Errorf("root path must be absolute: '%s'", root.Path)
		}

		if _, err := scheduler.ParseSchedule(root.Schedule); err != nil {
			return fmt.Errorf("root %s: schedule: %w", root.Path, err)
		}
	}

	paths := lo.Map(d.Roots, func(root DaemonRoot, _ int) string { return filepath.Clean(root.Path) })
	if len(lo.Uniq(paths)) != len(paths) {
		return errors.New("same root configured more than once")
	}

	return nil
}

func runDaemon(
	ctx context.Context,
	conf DaemonConfig,
	scanner *subvscanner.Scanner,
	logger *log.Logger,
) error {
	logl := logex.Levels(logex.NonNil(logger))

	metrics := subvmetrics.New()

	jobs := []*scheduler.Job{}
	for _, root := range conf.Roots {
		job, err := scheduler.NewJob(root.Path, root.Schedule, func(ctx context.Context, jobLogger *log.Logger) error {
			return scanJob(ctx, scanner, root.Path, conf.StateDb, metrics, jobLogger)
		}, time.Now())
		if err != nil {
			return err
		}

		logl.Info.Printf("%s: next scan at %s", job.ID, job.NextRun.Format(time.RFC3339))

		jobs = append(jobs, job)
	}

	return scheduler.Run(ctx, jobs, logger, func(job *scheduler.Job, run scheduler.LastRun) {
		if conf.MetricsTextfile != "" {
			if err := metrics.WriteTextfile(conf.MetricsTextfile); err != nil {
				logl.Error.Printf("metrics: %v", err)
			}
		}

		if conf.Verbose {
			logl.Debug.Printf("%s: next scan at %s", job.ID, job.NextRun.Format(time.RFC3339))
		}
	})
}

// the state DB is opened only for the write so `daemon status` can read it meanwhile
func scanJob(
	ctx context.Context,
	scanner *subvscanner.Scanner,
	root string,
	stateDbPath string,
	metrics *subvmetrics.Metrics,
	logger *log.Logger,
) error {
	run := subvstate.Run{
		Root:    root,
		Started: time.Now(),
	}

	res, scanErr := runScan(ctx, scanner, root, "", nil, logger)
	if res != nil {
		run.Subvolumes = len(res.Descriptor.Subvolumes)
		run.SkippedMounts = len(res.SkippedMounts)
		run.Warnings = len(res.Warnings)

		metrics.ObserveScan(root, run.Subvolumes, run.SkippedMounts, run.Warnings, time.Since(run.Started))
	}
	if scanErr != nil {
		run.Error = scanErr.Error()
	}

	run.Finished = time.Now()

	if err := saveLastRun(stateDbPath, run); err != nil {
		return fmt.Errorf("saving run state: %w (scan error: %v)", err, scanErr)
	}

	return scanErr
}

func saveLastRun(stateDbPath string, run subvstate.Run) error {
	store, err := subvstate.Open(stateDbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.SaveLastRun(run)
}

func daemonStatus(conf DaemonConfig, out io.Writer, asTable bool) error {
	store, err := subvstate.Open(conf.StateDb)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.LastRuns()
	if err != nil {
		return err
	}

	runByRoot := lo.KeyBy(runs, func(run subvstate.Run) string { return run.Root })

	formatTime := func(ts time.Time) string {
		if asTable {
			return humanize.Time(ts)
		}

		return ts.Format(time.RFC3339)
	}

	rows := [][]string{}
	for _, root := range conf.Roots {
		run, found := runByRoot[root.Path]
		if !found {
			rows = append(rows, []string{root.Path, root.Schedule, "never", "", "", "", ""})
			continue
		}

		rows = append(rows, []string{
			root.Path,
			root.Schedule,
			formatTime(run.Finished),
			run.Finished.Sub(run.Started).Round(time.Millisecond).String(),
			strconv.Itoa(run.Subvolumes),
			strconv.Itoa(run.Warnings),
			run.Error,
		})
	}

	if !asTable {
		for _, row := range rows {
			fmt.Fprintln(out, strings.Join(row, "\t"))
		}
		return nil
	}

	tbl := tablewriter.NewWriter(out)
	tbl.SetAutoFormatHeaders(false)
	tbl.SetBorder(false)
	tbl.SetHeader([]string{"Root", "Schedule", "Last run", "Took", "Subvolumes", "Warnings", "Error"})
	tbl.AppendBulk(rows)
	tbl.Render()

	return nil
}
