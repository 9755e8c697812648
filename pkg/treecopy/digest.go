package treecopy

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/minio/sha256-simd"
)

// deterministic digest over the tree's structure, file contents and symlink
// targets (not modes, times or xattrs). root itself is not part of it, so a
// directory and its migrated copy hash equal.
func Digest(ctx context.Context, root string) (string, error) {
	treeHash := sha256.New()

	// WalkDir() visits in lexical order
	if err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		switch typ := entry.Type(); {
		case typ.IsDir():
			fmt.Fprintf(treeHash, "d %q\n", rel)
		case typ.IsRegular():
			contentHash, err := hashFileContent(path)
			if err != nil {
				return err
			}

			fmt.Fprintf(treeHash, "f %q %x\n", rel, contentHash)
		case typ&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}

			fmt.Fprintf(treeHash, "l %q %q\n", rel, target)
		default: // skipped by the fallback copy as well
		}

		return nil
	}); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", treeHash.Sum(nil)), nil
}

func hashFileContent(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	fileContentHash := sha256.New()
	if _, err := io.Copy(fileContentHash, file); err != nil {
		return nil, err
	}

	return fileContentHash.Sum(nil), nil
}
