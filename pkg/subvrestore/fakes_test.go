package subvrestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/subvbackup/pkg/subvtypes"
	"github.com/function61/subvbackup/pkg/treecopy"
)

// subvolumes are plain directories, remembered by file identity so that
// renames keep them subvolumes
type fakeSubvolumes struct {
	subvolumes []os.FileInfo
	failCreate map[string]error // by base name
	failDelete map[string]error // by base name
	createLog  []string
	deleteLog  []string
}

func newFakeSubvolumes() *fakeSubvolumes {
	return &fakeSubvolumes{
		failCreate: map[string]error{},
		failDelete: map[string]error{},
		createLog:  []string{},
		deleteLog:  []string{},
	}
}

func (f *fakeSubvolumes) Create(_ context.Context, path string) error {
	f.createLog = append(f.createLog, path)

	if err := f.failCreate[filepath.Base(path)]; err != nil {
		return err
	}

	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("%w: %s", subvtypes.ErrSubvolumeExists, path)
	}

	if err := os.Mkdir(path, 0755); err != nil {
		return err
	}

	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	f.subvolumes = append(f.subvolumes, info)

	return nil
}

func (f *fakeSubvolumes) Delete(_ context.Context, path string) error {
	f.deleteLog = append(f.deleteLog, path)

	if err := f.failDelete[filepath.Base(path)]; err != nil {
		return err
	}

	idx := f.indexOf(path)
	if idx == -1 {
		return fmt.Errorf("not a subvolume: %s", path)
	}

	if err := filepath.WalkDir(path, func(sub string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if sub != path && entry.IsDir() && f.indexOf(sub) != -1 {
			return fmt.Errorf("contains nested subvolume %s", sub)
		}

		return nil
	}); err != nil {
		return err
	}

	f.subvolumes = append(f.subvolumes[:idx], f.subvolumes[idx+1:]...)

	return os.RemoveAll(path)
}

func (f *fakeSubvolumes) indexOf(path string) int {
	info, err := os.Lstat(path)
	if err != nil {
		return -1
	}

	for idx, subvolume := range f.subvolumes {
		if os.SameFile(info, subvolume) {
			return idx
		}
	}

	return -1
}

func (f *fakeSubvolumes) IsSubvolume(path string) bool {
	return f.indexOf(path) != -1
}

// root-relative paths of the subvolumes under root, sorted
func (f *fakeSubvolumes) Under(t *testing.T, root string) []string {
	t.Helper()

	found := []string{}

	assert.Assert(t, filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() && f.IsSubvolume(path) {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}

			found = append(found, filepath.ToSlash(rel))
		}

		return nil
	}) == nil)

	sort.Strings(found)

	return found
}

// answers identity queries like a btrfs filesystem would for fakeSubvolumes
type fakeIdentities struct {
	subvolumes *fakeSubvolumes
}

func (f *fakeIdentities) Identity(path string) (subvtypes.Identity, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return subvtypes.Identity{}, err
	}

	if idx := f.subvolumes.indexOf(path); idx != -1 {
		return subvtypes.Identity{Device: uint64(1000 + idx), Inode: subvtypes.SubvolumeRootInode}, nil
	}

	// the real inode is not interesting, but it must not look like a subvolume root
	return subvtypes.Identity{Device: 1, Inode: uint64(len(info.Name())) + 300}, nil
}

func (f *fakeIdentities) IsExplicitlyMounted(path string) (bool, error) {
	return false, nil
}

// copies nothing, so that verification has something to catch
type lazyCopier struct{}

func (l *lazyCopier) CopyTree(_ context.Context, _ string, _ string, _ bool) (*treecopy.Result, error) {
	return &treecopy.Result{Skipped: []string{}}, nil
}

type failingCopier struct{}

func (f *failingCopier) CopyTree(_ context.Context, _ string, _ string, _ bool) (*treecopy.Result, error) {
	return nil, errors.New("disk full")
}

func records(t *testing.T, paths ...string) []subvtypes.SubvolumeRecord {
	t.Helper()

	recs := []subvtypes.SubvolumeRecord{}
	for _, path := range paths {
		rec, err := subvtypes.NewSubvolumeRecord(path)
		assert.Assert(t, err == nil)

		recs = append(recs, rec)
	}

	return recs
}

func descriptorOf(t *testing.T, paths ...string) subvtypes.BackupDescriptor {
	t.Helper()

	return subvtypes.BackupDescriptor{Subvolumes: records(t, paths...)}
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()

	assert.Assert(t, os.MkdirAll(filepath.Dir(path), 0755) == nil)
	assert.Assert(t, os.WriteFile(path, []byte(content), 0644) == nil)
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	content, err := os.ReadFile(path)
	assert.Assert(t, err == nil)

	return string(content)
}

func digestOf(t *testing.T, root string) string {
	t.Helper()

	digest, err := treecopy.Digest(context.Background(), root)
	assert.Assert(t, err == nil)

	return digest
}

// every entry under root (slash-separated, sorted)
func listTree(t *testing.T, root string) string {
	t.Helper()

	entries := []string{}

	assert.Assert(t, filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != root {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}

			entries = append(entries, filepath.ToSlash(rel))
		}

		return nil
	}) == nil)

	sort.Strings(entries)

	return strings.Join(entries, " ")
}
