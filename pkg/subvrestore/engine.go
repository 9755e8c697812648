// Recreates a descriptor's subvolume layout under a root, turning existing
// directories into subvolumes while keeping their data. All-or-nothing: a
// failure rolls back every subvolume the run created.
package subvrestore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/function61/gokit/cryptorandombytes"
	"github.com/function61/gokit/logex"
	"github.com/function61/subvbackup/pkg/subvolume"
	"github.com/function61/subvbackup/pkg/subvtypes"
	"github.com/function61/subvbackup/pkg/treecopy"
)

type Config struct {
	Verbose       bool
	PreferReflink bool
	Verify        bool // digest-compare migrated data before committing it
}

type TreeCopier interface {
	CopyTree(ctx context.Context, src string, dst string, preferReflink bool) (*treecopy.Result, error)
}

// lists mount points at or beneath a path. *mounttable.Table is one.
type MountChecker interface {
	MountPointsWithin(path string) []string
}

type Result struct {
	Root        string
	Created     []subvtypes.SubvolumeRecord // in creation order
	Populated   int                         // how many of Created got pre-existing data migrated in
	Reflinked   int                         // how many migrations used reflinks
	BytesCopied int64                       // fallback copies only
	Skipped     []string                    // special files not carried over, root-relative
	Leftovers   []string                    // parked originals that could not be purged
}

type Engine struct {
	subvolumes   subvolume.Manager
	copier       TreeCopier
	mounts       MountChecker // nil => nothing is mounted below the restore root
	conf         Config
	logl         *logex.Leveled
	randomSuffix func() string
	digest       func(ctx context.Context, root string) (string, error)
	beforeCommit func(item PlanItem) error // runs between stage & commit (for tests)
}

func New(
	subvolumes subvolume.Manager,
	copier TreeCopier,
	mounts MountChecker,
	conf Config,
	logger *log.Logger,
) *Engine {
	return &Engine{
		subvolumes: subvolumes,
		copier:     copier,
		mounts:     mounts,
		conf:       conf,
		logl:       logex.Levels(logex.NonNil(logger)),
		randomSuffix: func() string {
			return cryptorandombytes.Hex(4)
		},
		digest: treecopy.Digest,
	}
}

// conflicts are detected before anything is touched. on failure the error is
// *subvtypes.RestoreError (unless the descriptor or root were unusable to begin with).
func (e *Engine) Restore(ctx context.Context, desc subvtypes.BackupDescriptor, root string) (*Result, error) {
	plan, err := e.Plan(desc, root)
	if err != nil {
		return nil, err
	}

	if conflicts := plan.Conflicts(); len(conflicts) > 0 {
		for _, conflict := range conflicts {
			e.logl.Error.Printf("conflict at %s: %v", conflict.Record, conflict.Reason)
		}

		return nil, &subvtypes.RestoreError{
			Record: conflicts[0].Record,
			Cause:  conflicts[0].Reason,
		}
	}

	return e.execute(ctx, plan)
}

// turns an existing directory into a subvolume with the same contents
func (e *Engine) Convert(ctx context.Context, path string) (*Result, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	parent := filepath.Dir(path)
	if parent == path {
		return nil, fmt.Errorf("cannot convert filesystem root %s", path)
	}

	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, subvtypes.ErrNotADirectory)
	}

	record, err := subvtypes.NewSubvolumeRecord(filepath.Base(path))
	if err != nil {
		return nil, err
	}

	return e.Restore(ctx, subvtypes.BackupDescriptor{
		Subvolumes: []subvtypes.SubvolumeRecord{record},
	}, parent)
}

func (e *Engine) execute(ctx context.Context, plan *Plan) (*Result, error) {
	state := &restoreState{}

	res := &Result{
		Root:      plan.Root,
		Skipped:   []string{},
		Leftovers: []string{},
	}

	for _, item := range plan.Items {
		if err := e.restoreOne(ctx, plan.Root, item, state, res); err != nil {
			e.logl.Error.Printf(
				"restore aborted at %s: %v; rolling back %d subvolume(s)",
				item.Record,
				err,
				len(state.created))

			return nil, &subvtypes.RestoreError{
				Record:   item.Record,
				Cause:    err,
				Rollback: state.rollback(ctx, e.subvolumes, e.logl),
			}
		}
	}

	res.Created = state.records()
	res.Leftovers = state.purgeParked(e.logl)

	return res, nil
}

func (e *Engine) restoreOne(
	ctx context.Context,
	root string,
	item PlanItem,
	state *restoreState,
	res *Result,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// again, since the planned state is from before the previous records were restored
	action, reason := e.inspectTarget(root, item.Record)
	if action == ActionConflict {
		return reason
	}

	// scaffolding. inspectTarget() made sure there are no symlinks on the way
	if err := os.MkdirAll(filepath.Dir(item.Path), 0755); err != nil {
		return err
	}

	if action == ActionPopulate {
		return e.populate(ctx, item, state, res)
	}

	return e.create(ctx, item, state)
}

// fast path: target is absent or an empty placeholder, so no data to move
func (e *Engine) create(ctx context.Context, item PlanItem, state *restoreState) error {
	var placeholderMode *os.FileMode
	if info, err := os.Lstat(item.Path); err == nil {
		mode := info.Mode().Perm()
		placeholderMode = &mode

		if err := os.Remove(item.Path); err != nil { // fails if not empty
			return err
		}
	}

	if err := e.subvolumes.Create(ctx, item.Path); err != nil {
		if placeholderMode != nil {
			if err := os.Mkdir(item.Path, *placeholderMode); err != nil {
				e.logl.Error.Printf("recreating placeholder %s: %v", item.Path, err)
			}
		}

		return &subvtypes.SubvolumeCreateError{Path: item.Path, Err: err}
	}

	state.add(&createdSubvolume{
		record:          item.Record,
		target:          item.Path,
		current:         item.Path,
		placeholderMode: placeholderMode,
	})

	if placeholderMode != nil {
		if err := os.Chmod(item.Path, *placeholderMode); err != nil {
			return err
		}
	}

	e.logl.Info.Printf("created subvolume %s", item.Record)

	return nil
}

func (e *Engine) populate(ctx context.Context, item PlanItem, state *restoreState, res *Result) error {
	created, err := e.stage(ctx, item, state, res)
	if err != nil {
		return err
	}

	if e.beforeCommit != nil {
		if err := e.beforeCommit(item); err != nil {
			return err
		}
	}

	if err := commit(created); err != nil {
		return err
	}

	res.Populated++

	e.logl.Info.Printf("created subvolume %s from existing data", item.Record)

	return nil
}

// creates the new subvolume as a hidden sibling of the target and copies the
// target's data into it. the target itself is not modified.
func (e *Engine) stage(ctx context.Context, item PlanItem, state *restoreState, res *Result) (*createdSubvolume, error) {
	temp := filepath.Join(filepath.Dir(item.Path), "."+item.Record.Name()+"."+e.randomSuffix())

	if e.conf.Verbose {
		e.logl.Debug.Printf("staging %s in %s", item.Record, temp)
	}

	if err := e.subvolumes.Create(ctx, temp); err != nil {
		return nil, &subvtypes.SubvolumeCreateError{Path: temp, Err: err}
	}

	// recorded before migrating, so a failing copy still gets the subvolume deleted
	created := &createdSubvolume{
		record:  item.Record,
		target:  item.Path,
		current: temp,
	}
	state.add(created)

	copyResult, err := e.copier.CopyTree(ctx, item.Path, temp, e.conf.PreferReflink)
	if err != nil {
		return nil, &subvtypes.MigrationError{Path: item.Path, Err: err}
	}

	if copyResult.Reflinked {
		res.Reflinked++
	} else {
		res.BytesCopied += copyResult.Bytes
	}

	for _, skipped := range copyResult.Skipped {
		res.Skipped = append(res.Skipped, item.Record.String()+"/"+filepath.ToSlash(skipped))
	}

	if e.conf.Verbose {
		e.logl.Debug.Printf(
			"%s: reflinked=%v files=%d dirs=%d symlinks=%d bytes=%d",
			item.Record,
			copyResult.Reflinked,
			copyResult.Files,
			copyResult.Dirs,
			copyResult.Symlinks,
			copyResult.Bytes)
	}

	if e.conf.Verify {
		if err := e.verify(ctx, item.Path, temp); err != nil {
			return nil, &subvtypes.MigrationError{Path: item.Path, Err: err}
		}
	}

	return created, nil
}

// parks the original next to the target and moves the staged subvolume into
// its place. the original is purged only when the whole run succeeds.
func commit(created *createdSubvolume) error {
	parked := created.current + ".old"

	if err := os.Rename(created.target, parked); err != nil {
		return &subvtypes.MigrationError{Path: created.target, Err: fmt.Errorf("parking original: %w", err)}
	}
	created.parked = parked

	if err := os.Rename(created.current, created.target); err != nil {
		return &subvtypes.MigrationError{Path: created.target, Err: fmt.Errorf("moving subvolume into place: %w", err)}
	}
	created.current = created.target

	return nil
}

func (e *Engine) verify(ctx context.Context, original string, staged string) error {
	originalDigest, err := e.digest(ctx, original)
	if err != nil {
		return err
	}

	stagedDigest, err := e.digest(ctx, staged)
	if err != nil {
		return err
	}

	if originalDigest != stagedDigest {
		return fmt.Errorf("%w: %s != %s", subvtypes.ErrDigestMismatch, originalDigest, stagedDigest)
	}

	return nil
}
