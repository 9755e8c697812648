package treecopy

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/djherbis/times"
	"github.com/pkg/xattr"
)

func (c *Copier) copyDirContents(ctx context.Context, srcDir string, dstDir string, rel string, res *Result) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())
		entryRel := filepath.Join(rel, entry.Name())

		// ReadDir()'s type info comes from Lstat(), but we need the full mode & times
		info, err := os.Lstat(src)
		if err != nil {
			return err
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			if err := os.Mkdir(dst, 0700); err != nil {
				return err
			}

			if err := c.copyDirContents(ctx, src, dst, entryRel, res); err != nil {
				return err
			}

			res.Dirs++
		case mode.IsRegular():
			written, err := copyFile(src, dst)
			if err != nil {
				return err
			}

			res.Files++
			res.Bytes += written
		case mode&os.ModeSymlink != 0:
			target, err := os.Readlink(src)
			if err != nil {
				return err
			}

			if err := os.Symlink(target, dst); err != nil {
				return err
			}

			res.Symlinks++
		default:
			c.logl.Error.Printf("skipping special file %s (%s)", entryRel, mode.Type())
			res.Skipped = append(res.Skipped, entryRel)
			continue
		}

		c.copyXattrs(src, dst, res)

		if info.Mode()&os.ModeSymlink != 0 { // Chmod() & Chtimes() would follow the link
			continue
		}

		// only after writing contents & xattrs, as the mode can be read-only
		if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
			return err
		}

		if err := copyTimes(info, dst); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(src string, dst string) (int64, error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return 0, err
	}
	defer dstFile.Close()

	counter := writeCounter{}

	if _, err := io.Copy(dstFile, counter.Tee(srcFile)); err != nil {
		return 0, err
	}

	if err := dstFile.Close(); err != nil { // double close intentional
		return 0, err
	}

	return counter.BytesWritten(), nil
}

// best-effort: not every filesystem (or namespace, as non-root) supports them
func (c *Copier) copyXattrs(src string, dst string, res *Result) {
	names, err := xattr.LList(src)
	if err != nil {
		c.logl.Debug.Printf("xattrs of %s: %v", src, err)
		res.XattrFailures++
		return
	}

	for _, name := range names {
		value, err := xattr.LGet(src, name)
		if err == nil {
			err = xattr.LSet(dst, name, value)
		}

		if err != nil {
			c.logl.Debug.Printf("xattr %s of %s: %v", name, src, err)
			res.XattrFailures++
		}
	}
}

func copyTimes(srcInfo os.FileInfo, dst string) error {
	ts := times.Get(srcInfo)

	return os.Chtimes(dst, ts.AccessTime(), ts.ModTime())
}
