// Walks a directory tree and discovers its subvolume layout
package subvscanner

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/function61/gokit/logex"
	"github.com/function61/subvbackup/pkg/fsmetadata"
	"github.com/function61/subvbackup/pkg/subvprobe"
	"github.com/function61/subvbackup/pkg/subvtypes"
)

type Config struct {
	Verbose bool // log every classified directory
}

type Result struct {
	Root          string
	Descriptor    subvtypes.BackupDescriptor
	SkippedMounts []string // root-relative, slash-separated
	Warnings      []error  // *subvtypes.ClassificationError or *subvtypes.ScanIOError
}

// some subtree could not be scanned, so the descriptor may be missing subvolumes
func (r *Result) Partial() bool {
	return len(r.Warnings) > 0
}

type Scanner struct {
	probe    subvprobe.Probe
	metadata fsmetadata.Probe // nil => no label/UUID
	conf     Config
	logl     *logex.Leveled
	readDir  func(string) ([]os.DirEntry, error)
}

func New(probe subvprobe.Probe, metadata fsmetadata.Probe, conf Config, logger *log.Logger) *Scanner {
	return &Scanner{
		probe:    probe,
		metadata: metadata,
		conf:     conf,
		logl:     logex.Levels(logex.NonNil(logger)),
		readDir:  os.ReadDir,
	}
}

// read-only. the root itself is never recorded; per-directory failures become
// warnings, but failing to classify or list the root is an error.
func (s *Scanner) Scan(ctx context.Context, root string) (*Result, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	// the mount table has real paths. through a symlink no mount point would match.
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return nil, err
	}

	_, rootIdentity, err := s.probe.Classify(root, subvtypes.Identity{}, true)
	if err != nil {
		return nil, err
	}

	rootEntries, err := s.readDir(root)
	if err != nil {
		return nil, &subvtypes.ScanIOError{Path: root, Err: err}
	}

	res := &Result{
		Root:          root,
		SkippedMounts: []string{},
		Warnings:      []error{},
	}

	subvolumes := []subvtypes.SubvolumeRecord{}

	if err := s.walkEntries(ctx, root, nil, rootIdentity, rootEntries, res, &subvolumes); err != nil {
		return nil, err
	}

	subvtypes.SortRecords(subvolumes)

	res.Descriptor = subvtypes.BackupDescriptor{
		Subvolumes: subvolumes,
	}

	if s.metadata != nil {
		meta := s.metadata.Probe(ctx, root)

		res.Descriptor.FilesystemLabel = meta.Label
		res.Descriptor.FilesystemUuid = meta.Uuid
		res.Descriptor.Device = meta.Device
		res.Descriptor.Subvolume = meta.Subvolume
		res.Descriptor.SubvolumeId = meta.SubvolumeId
	}

	s.logl.Info.Printf(
		"scanned %s: %d subvolume(s), %d skipped mount(s), %d warning(s)",
		root,
		len(subvolumes),
		len(res.SkippedMounts),
		len(res.Warnings))

	return res, nil
}

func (s *Scanner) walkEntries(
	ctx context.Context,
	dir string,
	relative []string,
	dirIdentity subvtypes.Identity,
	entries []os.DirEntry,
	res *Result,
	subvolumes *[]subvtypes.SubvolumeRecord,
) error {
	for _, entry := range entries {
		if !entry.IsDir() { // symlinks to directories are not followed
			continue
		}

		if err := s.visit(
			ctx,
			filepath.Join(dir, entry.Name()),
			append(relative[:len(relative):len(relative)], entry.Name()),
			dirIdentity,
			res,
			subvolumes,
		); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scanner) visit(
	ctx context.Context,
	dir string,
	relative []string,
	parentIdentity subvtypes.Identity,
	res *Result,
	subvolumes *[]subvtypes.SubvolumeRecord,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	relativeStr := strings.Join(relative, "/")

	classification, identity, err := s.probe.Classify(dir, parentIdentity, false)
	if err != nil {
		s.warn(res, err)
		return nil
	}

	if s.conf.Verbose {
		s.logl.Debug.Printf("%s: %s", relativeStr, classification)
	}

	switch classification {
	case subvtypes.ClassificationExternalMount:
		s.logl.Info.Printf("not descending into mount point %s", relativeStr)

		res.SkippedMounts = append(res.SkippedMounts, relativeStr)
		return nil
	case subvtypes.ClassificationSubvolumeBoundary:
		*subvolumes = append(*subvolumes, subvtypes.SubvolumeRecord{Path: relative})
	}

	entries, err := s.readDir(dir)
	if err != nil {
		s.warn(res, &subvtypes.ScanIOError{Path: dir, Err: err})
		return nil
	}

	return s.walkEntries(ctx, dir, relative, identity, entries, res, subvolumes)
}

func (s *Scanner) warn(res *Result, err error) {
	s.logl.Error.Printf("skipping subtree: %v", err)

	res.Warnings = append(res.Warnings, err)
}
