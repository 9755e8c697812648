package treecopy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/subvbackup/pkg/toolexec"
)

func TestFallbackCopy(t *testing.T) {
	src, dst := makeSampleTree(t), t.TempDir()

	res, err := New(nil, nil).CopyTree(context.Background(), src, dst, false)
	assert.Assert(t, err == nil)

	assert.Assert(t, !res.Reflinked)
	assert.Assert(t, res.Files == 3)
	assert.Assert(t, res.Dirs == 2)
	assert.Assert(t, res.Symlinks == 1)
	assert.Assert(t, res.Bytes == int64(len("hello")+len("world")+len("nested")))
	assert.Assert(t, len(res.Skipped) == 0)

	assert.EqualString(t, readFile(t, filepath.Join(dst, "docs/sub/deep.txt")), "nested")

	target, err := os.Readlink(filepath.Join(dst, "link"))
	assert.Assert(t, err == nil)
	assert.EqualString(t, target, "docs/world.txt")

	readOnly, err := os.Stat(filepath.Join(dst, "docs/world.txt"))
	assert.Assert(t, err == nil)
	assert.EqualString(t, readOnly.Mode().Perm().String(), "-r--r-----")
	assert.Assert(t, readOnly.ModTime().Equal(sampleModTime))

	docs, err := os.Stat(filepath.Join(dst, "docs"))
	assert.Assert(t, err == nil)
	assert.Assert(t, docs.ModTime().Equal(sampleModTime))

	assertSameDigest(t, src, dst)
}

// whether or not the temp dir's filesystem supports reflinks, the end result is the same
func TestCopyPreferringReflink(t *testing.T) {
	src, dst := makeSampleTree(t), t.TempDir()

	res, err := New(toolexec.New(nil, false), nil).CopyTree(context.Background(), src, dst, true)
	assert.Assert(t, err == nil)

	if !res.Reflinked {
		assert.Assert(t, res.Files == 3)
	}

	assertSameDigest(t, src, dst)
}

func TestCopyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(nil, nil).CopyTree(ctx, makeSampleTree(t), t.TempDir(), false)
	assert.Assert(t, err == context.Canceled)
}

func TestEmptyDir(t *testing.T) {
	dir := makeSampleTree(t)

	assert.Assert(t, emptyDir(dir) == nil)

	entries, err := os.ReadDir(dir)
	assert.Assert(t, err == nil)
	assert.Assert(t, len(entries) == 0)
}

func TestDigestDetectsDifferences(t *testing.T) {
	ctx := context.Background()

	tree := makeSampleTree(t)

	before, err := Digest(ctx, tree)
	assert.Assert(t, err == nil)

	// mode & time changes don't count
	assert.Assert(t, os.Chmod(filepath.Join(tree, "hello.txt"), 0600) == nil)

	same, err := Digest(ctx, tree)
	assert.Assert(t, err == nil)
	assert.EqualString(t, same, before)

	writeFile(t, filepath.Join(tree, "hello.txt"), "hellO")

	contentChanged, err := Digest(ctx, tree)
	assert.Assert(t, err == nil)
	assert.Assert(t, contentChanged != before)

	writeFile(t, filepath.Join(tree, "hello.txt"), "hello")
	assert.Assert(t, os.Rename(filepath.Join(tree, "docs/sub"), filepath.Join(tree, "docs/sub2")) == nil)

	renamed, err := Digest(ctx, tree)
	assert.Assert(t, err == nil)
	assert.Assert(t, renamed != before)
}

var sampleModTime = time.Date(2019, 3, 4, 5, 6, 7, 0, time.UTC)

// hello.txt, docs/world.txt (read-only), docs/sub/deep.txt, link -> docs/world.txt
func makeSampleTree(t *testing.T) string {
	t.Helper()

	root := t.TempDir()

	assert.Assert(t, os.MkdirAll(filepath.Join(root, "docs/sub"), 0755) == nil)

	writeFile(t, filepath.Join(root, "hello.txt"), "hello")
	writeFile(t, filepath.Join(root, "docs/world.txt"), "world")
	writeFile(t, filepath.Join(root, "docs/sub/deep.txt"), "nested")

	assert.Assert(t, os.Chmod(filepath.Join(root, "docs/world.txt"), 0440) == nil)
	assert.Assert(t, os.Symlink("docs/world.txt", filepath.Join(root, "link")) == nil)

	for _, path := range []string{"docs/world.txt", "docs/sub", "docs"} {
		assert.Assert(t, os.Chtimes(filepath.Join(root, path), sampleModTime, sampleModTime) == nil)
	}

	return root
}

func assertSameDigest(t *testing.T, a string, b string) {
	t.Helper()

	digestA, err := Digest(context.Background(), a)
	assert.Assert(t, err == nil)

	digestB, err := Digest(context.Background(), b)
	assert.Assert(t, err == nil)

	assert.EqualString(t, digestA, digestB)
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()

	assert.Assert(t, os.WriteFile(path, []byte(content), 0644) == nil)
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	content, err := os.ReadFile(path)
	assert.Assert(t, err == nil)

	return string(content)
}
