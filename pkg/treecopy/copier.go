// Copies a directory tree's contents into an existing (empty) directory,
// preferring reflinks and falling back to a plain recursive copy
package treecopy

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/function61/gokit/logex"
	"github.com/function61/subvbackup/pkg/subvtypes"
	"github.com/function61/subvbackup/pkg/toolexec"
)

type Result struct {
	Reflinked bool // false => the fallback copy was used
	// counters below are only known for the fallback copy
	Files         int
	Dirs          int
	Symlinks      int
	Bytes         int64
	Skipped       []string // special files (devices, sockets, FIFOs), relative to src
	XattrFailures int
}

type Copier struct {
	runner *toolexec.Runner // nil => reflinks never attempted
	logl   *logex.Leveled
}

func New(runner *toolexec.Runner, logger *log.Logger) *Copier {
	return &Copier{
		runner: runner,
		logl:   logex.Levels(logex.NonNil(logger)),
	}
}

// dst must exist and be empty. contents of src (not src itself) end up in dst.
func (c *Copier) CopyTree(ctx context.Context, src string, dst string, preferReflink bool) (*Result, error) {
	if preferReflink && c.runner != nil {
		reflinkErr := c.reflink(ctx, src, dst)
		if reflinkErr == nil {
			return &Result{Reflinked: true, Skipped: []string{}}, nil
		}

		c.logl.Info.Printf("%v; falling back to regular copy", reflinkErr)

		// cp may have gotten halfway
		if err := emptyDir(dst); err != nil {
			return nil, fmt.Errorf("cleaning up after failed reflink: %w", err)
		}
	}

	res := &Result{Skipped: []string{}}

	if err := c.copyDirContents(ctx, src, dst, "", res); err != nil {
		return nil, err
	}

	// the destination is the directory being converted, so it gets src's
	// mode, xattrs and times as well
	srcInfo, err := os.Lstat(src)
	if err != nil {
		return nil, err
	}

	c.copyXattrs(src, dst, res)

	if err := os.Chmod(dst, srcInfo.Mode().Perm()); err != nil {
		return nil, err
	}

	if err := copyTimes(srcInfo, dst); err != nil {
		return nil, err
	}

	return res, nil
}

func (c *Copier) reflink(ctx context.Context, src string, dst string) error {
	// "src/." copies the contents, not the directory itself
	if _, err := c.runner.Run(ctx, "cp", "-a", "--reflink=always", "--one-file-system", "--", src+"/.", dst+"/"); err != nil {
		return fmt.Errorf("%w: %v", subvtypes.ErrReflinkNotSupported, err)
	}

	return nil
}

// removes everything inside dir, but not dir itself
func emptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}

	return nil
}
