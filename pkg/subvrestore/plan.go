package subvrestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/function61/subvbackup/pkg/subvtypes"
)

type Action int

const (
	ActionCreate   Action = iota // target absent or an empty directory: subvolume created in place
	ActionPopulate               // target is a directory with data: staged in a temp sibling, then swapped in
	ActionConflict               // something that is not a directory is in the way, or a mount below the target
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionPopulate:
		return "populate"
	case ActionConflict:
		return "conflict"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

type PlanItem struct {
	Record subvtypes.SubvolumeRecord
	Path   string // absolute
	Action Action
	Reason error // only for ActionConflict
}

type Plan struct {
	Root  string
	Items []PlanItem
}

func (p *Plan) Conflicts() []PlanItem {
	conflicts := []PlanItem{}
	for _, item := range p.Items {
		if item.Action == ActionConflict {
			conflicts = append(conflicts, item)
		}
	}
	return conflicts
}

// read-only. records are ordered parent-before-child and validated, so the
// descriptor can come from anywhere (hand-edited, legacy) as long as it decodes.
func (e *Engine) Plan(desc subvtypes.BackupDescriptor, root string) (*Plan, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	// mount points are compared against real paths
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("restore root: %w", err)
	}

	rootInfo, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("restore root: %w", err)
	}
	if !rootInfo.IsDir() {
		return nil, fmt.Errorf("restore root %s: %w", root, subvtypes.ErrNotADirectory)
	}

	records := append([]subvtypes.SubvolumeRecord{}, desc.Subvolumes...)
	subvtypes.SortRecords(records)
	if err := subvtypes.ValidateRecords(records); err != nil {
		return nil, err
	}

	plan := &Plan{
		Root:  root,
		Items: []PlanItem{},
	}

	for _, record := range records {
		path := filepath.Join(append([]string{root}, record.Path...)...)

		action, reason := e.inspectTarget(root, record)

		plan.Items = append(plan.Items, PlanItem{
			Record: record,
			Path:   path,
			Action: action,
			Reason: reason,
		})
	}

	return plan, nil
}

func ExplainPlan(plan *Plan, out io.Writer) {
	for _, item := range plan.Items {
		if item.Action == ActionConflict {
			fmt.Fprintf(out, "%-8s %s (%v)\n", item.Action, item.Record, item.Reason)
		} else {
			fmt.Fprintf(out, "%-8s %s\n", item.Action, item.Record)
		}
	}

	if len(plan.Items) == 0 {
		fmt.Fprintf(out, "nothing to restore under %s\n", plan.Root)
	}
}

// decides what restoring record under root would do, with the filesystem in
// its current state. a non-nil error means ActionConflict.
func (e *Engine) inspectTarget(root string, record subvtypes.SubvolumeRecord) (Action, error) {
	current := root

	// intermediate directories either don't exist yet (created as scaffolding)
	// or must be real directories. a symlink could lead outside root.
	for _, segment := range record.Parent() {
		current = filepath.Join(current, segment)

		info, err := os.Lstat(current)
		switch {
		case os.IsNotExist(err):
			return ActionCreate, nil // nothing further down can exist either
		case err != nil:
			return ActionConflict, err
		case info.Mode()&os.ModeSymlink != 0:
			return ActionConflict, fmt.Errorf("%s is a symlink: %w", current, subvtypes.ErrOutsideRoot)
		case !info.IsDir():
			return ActionConflict, fmt.Errorf("%s: %w", current, subvtypes.ErrNotADirectory)
		}
	}

	target := filepath.Join(current, record.Name())

	info, err := os.Lstat(target)
	switch {
	case os.IsNotExist(err):
		return ActionCreate, nil
	case err != nil:
		return ActionConflict, err
	case !info.IsDir(): // includes symlinks
		return ActionConflict, fmt.Errorf("%s: %w", target, subvtypes.ErrNotADirectory)
	}

	// copying would pull in the mounted filesystem and purging the original
	// would then delete its files
	if e.mounts != nil {
		if mountPoints := e.mounts.MountPointsWithin(target); len(mountPoints) > 0 {
			return ActionConflict, fmt.Errorf("%s: %w", mountPoints[0], subvtypes.ErrMountBelowTarget)
		}
	}

	empty, err := isEmptyDir(target)
	if err != nil {
		return ActionConflict, err
	}

	if empty {
		return ActionCreate, nil
	}

	return ActionPopulate, nil
}

func isEmptyDir(path string) (bool, error) {
	dir, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer dir.Close()

	_, err = dir.Readdirnames(1)
	switch {
	case err == io.EOF:
		return true, nil
	case err != nil:
		return false, err
	default:
		return false, nil
	}
}
