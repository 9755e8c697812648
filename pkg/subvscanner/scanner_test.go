package subvscanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/subvbackup/pkg/fsmetadata"
	"github.com/function61/subvbackup/pkg/subvprobe"
	"github.com/function61/subvbackup/pkg/subvtypes"
)

func TestScan(t *testing.T) {
	root := t.TempDir()

	mkdirs(t, root, "a/b/inner", "c/d", "e/f/g", "mnt/sub", "plain")
	assert.Assert(t, os.Symlink(filepath.Join(root, "c"), filepath.Join(root, "link-to-c")) == nil)

	querier := newFakeQuerier(root)
	querier.subvolumes["a/b"] = true
	querier.subvolumes["c"] = true
	querier.subvolumes["e/f/g"] = true
	querier.subvolumes["e/f"] = true
	querier.subvolumes["mnt/sub"] = true
	querier.mounted["mnt"] = true

	res, err := New(subvprobe.InodeHeuristic(querier), nil, Config{Verbose: true}, nil).Scan(context.Background(), root)
	assert.Assert(t, err == nil)

	assert.EqualString(t, recordsAsString(res.Descriptor.Subvolumes), "c a/b e/f e/f/g")
	assert.EqualString(t, strings.Join(res.SkippedMounts, " "), "mnt")
	assert.Assert(t, !res.Partial())
	assert.Assert(t, res.Descriptor.FilesystemLabel == nil)
	assert.Assert(t, subvtypes.ValidateRecords(res.Descriptor.Subvolumes) == nil)

	// "mnt" must not be descended into
	assert.Assert(t, !querier.queried["mnt/sub"])
}

func TestScanThroughSymlinkedRoot(t *testing.T) {
	dir := t.TempDir()

	mkdirs(t, dir, "data/mnt/sub", "data/subv")

	link := filepath.Join(t.TempDir(), "link")
	assert.Assert(t, os.Symlink(filepath.Join(dir, "data"), link) == nil)

	// knows only real paths, like the mount table
	querier := newFakeQuerier(filepath.Join(dir, "data"))
	querier.subvolumes["subv"] = true
	querier.subvolumes["mnt/sub"] = true
	querier.mounted["mnt"] = true

	res, err := New(subvprobe.InodeHeuristic(querier), nil, Config{}, nil).Scan(context.Background(), link)
	assert.Assert(t, err == nil)

	assert.EqualString(t, res.Root, querier.root)
	assert.EqualString(t, recordsAsString(res.Descriptor.Subvolumes), "subv")
	assert.EqualString(t, strings.Join(res.SkippedMounts, " "), "mnt")
	assert.Assert(t, !querier.queried["mnt/sub"])
}

func TestScanSpecExample(t *testing.T) {
	root := t.TempDir()

	mkdirs(t, root, "a/b", "c")

	querier := newFakeQuerier(root)
	querier.subvolumes["a/b"] = true
	querier.subvolumes["c"] = true

	res, err := New(subvprobe.InodeHeuristic(querier), nil, Config{}, nil).Scan(context.Background(), root)
	assert.Assert(t, err == nil)

	assert.EqualString(t, recordsAsString(res.Descriptor.Subvolumes), "c a/b")
}

func TestScanUnreadableSubtreeIsWarning(t *testing.T) {
	root := t.TempDir()

	mkdirs(t, root, "ok/sub", "broken/sub")

	querier := newFakeQuerier(root)
	querier.subvolumes["ok/sub"] = true
	querier.subvolumes["broken/sub"] = true

	scanner := New(subvprobe.InodeHeuristic(querier), nil, Config{}, nil)
	scanner.readDir = func(path string) ([]os.DirEntry, error) {
		if path == filepath.Join(root, "broken") {
			return nil, os.ErrPermission
		}

		return os.ReadDir(path)
	}

	res, err := scanner.Scan(context.Background(), root)
	assert.Assert(t, err == nil)

	assert.EqualString(t, recordsAsString(res.Descriptor.Subvolumes), "ok/sub")
	assert.Assert(t, res.Partial())
	assert.Assert(t, len(res.Warnings) == 1)

	var ioErr *subvtypes.ScanIOError
	assert.Assert(t, errors.As(res.Warnings[0], &ioErr))
	assert.EqualString(t, ioErr.Path, filepath.Join(root, "broken"))
}

func TestScanClassificationFailureIsWarning(t *testing.T) {
	root := t.TempDir()

	mkdirs(t, root, "vanished/sub", "stays")

	querier := newFakeQuerier(root)
	querier.subvolumes["vanished/sub"] = true
	querier.subvolumes["stays"] = true
	querier.failing["vanished"] = true

	res, err := New(subvprobe.InodeHeuristic(querier), nil, Config{}, nil).Scan(context.Background(), root)
	assert.Assert(t, err == nil)

	assert.EqualString(t, recordsAsString(res.Descriptor.Subvolumes), "stays")

	var classificationErr *subvtypes.ClassificationError
	assert.Assert(t, len(res.Warnings) == 1)
	assert.Assert(t, errors.As(res.Warnings[0], &classificationErr))
}

func TestScanUnreadableRootIsFatal(t *testing.T) {
	root := t.TempDir()

	scanner := New(subvprobe.InodeHeuristic(newFakeQuerier(root)), nil, Config{}, nil)
	scanner.readDir = func(string) ([]os.DirEntry, error) {
		return nil, os.ErrPermission
	}

	_, err := scanner.Scan(context.Background(), root)
	assert.Assert(t, errors.Is(err, os.ErrPermission))
}

func TestScanCancellation(t *testing.T) {
	root := t.TempDir()

	mkdirs(t, root, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(subvprobe.InodeHeuristic(newFakeQuerier(root)), nil, Config{}, nil).Scan(ctx, root)
	assert.Assert(t, errors.Is(err, context.Canceled))
}

func TestScanAttachesMetadata(t *testing.T) {
	root := t.TempDir()

	label := "backup"

	res, err := New(
		subvprobe.InodeHeuristic(newFakeQuerier(root)),
		staticMetadata{fsmetadata.Metadata{Label: &label, Device: "/dev/sdb1"}},
		Config{},
		nil,
	).Scan(context.Background(), root)
	assert.Assert(t, err == nil)

	assert.EqualString(t, *res.Descriptor.FilesystemLabel, "backup")
	assert.Assert(t, res.Descriptor.FilesystemUuid == nil)
	assert.EqualString(t, res.Descriptor.Device, "/dev/sdb1")
	assert.Assert(t, len(res.Descriptor.Subvolumes) == 0)
}

// simulates btrfs: subvolume roots get inode 256 & their own device number
type fakeQuerier struct {
	root       string
	subvolumes map[string]bool
	mounted    map[string]bool
	failing    map[string]bool
	queried    map[string]bool
}

func newFakeQuerier(root string) *fakeQuerier {
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	return &fakeQuerier{
		root:       root,
		subvolumes: map[string]bool{},
		mounted:    map[string]bool{},
		failing:    map[string]bool{},
		queried:    map[string]bool{},
	}
}

func (f *fakeQuerier) Identity(path string) (subvtypes.Identity, error) {
	rel, err := filepath.Rel(f.root, path)
	if err != nil {
		return subvtypes.Identity{}, err
	}
	rel = filepath.ToSlash(rel)

	f.queried[rel] = true

	if f.failing[rel] {
		return subvtypes.Identity{}, errors.New("stat: no such file or directory")
	}

	if _, err := os.Lstat(path); err != nil {
		return subvtypes.Identity{}, err
	}

	if rel == "." {
		return subvtypes.Identity{Device: 1, Inode: subvtypes.SubvolumeRootInode}, nil
	}

	if f.subvolumes[rel] {
		return subvtypes.Identity{Device: uint64(100 + len(rel)), Inode: subvtypes.SubvolumeRootInode}, nil
	}

	return subvtypes.Identity{Device: 1, Inode: uint64(1000 + len(rel))}, nil
}

func (f *fakeQuerier) IsExplicitlyMounted(path string) (bool, error) {
	rel, err := filepath.Rel(f.root, path)
	if err != nil {
		return false, err
	}

	return f.mounted[filepath.ToSlash(rel)], nil
}

type staticMetadata struct {
	meta fsmetadata.Metadata
}

func (s staticMetadata) Probe(context.Context, string) fsmetadata.Metadata {
	return s.meta
}

func mkdirs(t *testing.T, root string, paths ...string) {
	t.Helper()

	for _, path := range paths {
		assert.Assert(t, os.MkdirAll(filepath.Join(root, path), 0755) == nil)
	}
}

func recordsAsString(records []subvtypes.SubvolumeRecord) string {
	strs := []string{}
	for _, rec := range records {
		strs = append(strs, rec.String())
	}

	return strings.Join(strs, " ")
}
