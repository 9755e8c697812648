// Command line entrypoints. Wires the host implementations (mount table,
// blkid, btrfs-progs, cp) into the scanner and the restore engine.
package subvcli

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/function61/gokit/logex"
	"github.com/function61/subvbackup/pkg/fsmetadata"
	"github.com/function61/subvbackup/pkg/mounttable"
	"github.com/function61/subvbackup/pkg/subvolume"
	"github.com/function61/subvbackup/pkg/subvprobe"
	"github.com/function61/subvbackup/pkg/subvrestore"
	"github.com/function61/subvbackup/pkg/subvscanner"
	"github.com/function61/subvbackup/pkg/toolexec"
	"github.com/function61/subvbackup/pkg/treecopy"
	"github.com/spf13/cobra"
)

// scan finished, but some directories could not be scanned
var errScanWarnings = errors.New("scan completed with warnings")

func Entrypoints() []*cobra.Command {
	return []*cobra.Command{
		scanEntrypoint(),
		showEntrypoint(),
		restoreEntrypoint(),
		convertEntrypoint(),
		daemonEntrypoint(),
	}
}

// 0 = success, 1 = failure, 2 = scan completed with warnings
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errScanWarnings):
		return 2
	default:
		return 1
	}
}

func exitIfError(err error) {
	if code := exitCode(err); code != 0 {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}

func newHostScanner(verbose bool, logger *log.Logger) (*subvscanner.Scanner, error) {
	querier, err := subvprobe.HostQuerier()
	if err != nil {
		return nil, err
	}

	metadata := fsmetadata.Blkid(
		mounttable.Load,
		fsmetadata.BlkidTagReader(toolexec.New(logex.Prefix("blkid", logger), verbose)),
		logex.Prefix("fsmetadata", logger))

	return subvscanner.New(
		subvprobe.InodeHeuristic(querier),
		metadata,
		subvscanner.Config{Verbose: verbose},
		logex.Prefix("scanner", logger)), nil
}

func newHostEngine(conf subvrestore.Config, logger *log.Logger) (*subvrestore.Engine, error) {
	mounts, err := mounttable.Load()
	if err != nil {
		return nil, err
	}

	runner := toolexec.New(logex.Prefix("exec", logger), conf.Verbose)

	return subvrestore.New(
		subvolume.BtrfsProgs(runner),
		treecopy.New(runner, logex.Prefix("treecopy", logger)),
		mounts,
		conf,
		logex.Prefix("restore", logger)), nil
}
