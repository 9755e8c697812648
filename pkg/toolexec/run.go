// Runs external tools (btrfs, blkid, cp) with their output mirrored to the debug
// log, keeping the last lines for error messages
package toolexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"

	"github.com/function61/gokit/logex"
)

const outputTailLines = 8

type Runner struct {
	logl    *logex.Leveled
	verbose bool
}

func New(logger *log.Logger, verbose bool) *Runner {
	return &Runner{
		logl:    logex.Levels(logex.NonNil(logger)),
		verbose: verbose,
	}
}

// returns the tool's stdout. on failure the error contains the tail of the combined output.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	tail := newLineTail(outputTailLines)

	onLine := func(line string) {
		tail.Write(line)

		if r.verbose {
			r.logl.Debug.Printf("%s: %s", name, line)
		}
	}

	stdout := &bytes.Buffer{}
	stdoutTee := newLineTee(stdout, onLine)
	stderrTee := newLineTee(io.Discard, onLine)

	if r.verbose {
		r.logl.Debug.Printf("running %s %s", name, strings.Join(args, " "))
	}

	//nolint:gosec // tool names are constants of the calling packages
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdoutTee
	cmd.Stderr = stderrTee

	err := cmd.Run()

	stdoutTee.Flush()
	stderrTee.Flush()

	if err != nil {
		return stdout.String(), fmt.Errorf(
			"%s failed: %w, output: %s",
			name,
			err,
			strings.Join(tail.Snapshot(), " / "))
	}

	return stdout.String(), nil
}
