// Snapshot of the live mount table
package mounttable

import (
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/samber/lo"
)

type Mount struct {
	Device     string
	MountPoint string
	FsType     string
	Options    map[string]string // per-mount and superblock options merged. nil if unknown
}

type Table struct {
	mounts       []Mount
	byMountPoint map[string]*Mount
}

// reads /proc/self/mountinfo, or /proc/self/mountstats (which lacks options) if
// the former does not parse. a later mount on the same mount point shadows earlier ones.
func Load() (*Table, error) {
	procSelf, err := procfs.Self()
	if err != nil {
		return nil, err
	}

	mounts, err := fromMountInfo(procSelf)
	if err != nil { // procfs rejects mountinfo entries that have no optional fields
		mounts, err = fromMountStats(procSelf)
		if err != nil {
			return nil, err
		}
	}

	return New(mounts), nil
}

func fromMountInfo(procSelf procfs.Proc) ([]Mount, error) {
	procMounts, err := procSelf.MountInfo()
	if err != nil {
		return nil, err
	}

	mounts := []Mount{}
	for _, procMount := range procMounts {
		mounts = append(mounts, Mount{
			Device:     procMount.Source,
			MountPoint: unescapeMountPoint(procMount.MountPoint),
			FsType:     procMount.FSType,
			// superblock options carry the fs-specific ones, e.g. btrfs "subvol="
			Options: lo.Assign(procMount.Options, procMount.SuperOptions),
		})
	}

	return mounts, nil
}

func fromMountStats(procSelf procfs.Proc) ([]Mount, error) {
	procMounts, err := procSelf.MountStats()
	if err != nil {
		return nil, err
	}

	mounts := []Mount{}
	for _, procMount := range procMounts {
		mounts = append(mounts, Mount{
			Device:     procMount.Device,
			MountPoint: unescapeMountPoint(procMount.Mount),
			FsType:     procMount.Type,
		})
	}

	return mounts, nil
}

func New(mounts []Mount) *Table {
	t := &Table{
		mounts:       make([]Mount, 0, len(mounts)),
		byMountPoint: map[string]*Mount{},
	}

	for _, mount := range mounts {
		mount.MountPoint = filepath.Clean(mount.MountPoint)

		t.mounts = append(t.mounts, mount)
	}

	for i := range t.mounts {
		t.byMountPoint[t.mounts[i].MountPoint] = &t.mounts[i]
	}

	return t
}

// whether something is explicitly mounted on exactly this path. btrfs subvolumes
// that are merely reachable through their parent are not in the table.
func (t *Table) IsMountPoint(path string) bool {
	_, found := t.byMountPoint[filepath.Clean(path)]
	return found
}

// the mount that contains path (= longest mount point that is a prefix of path).
// returns nil if path is not absolute or nothing matches.
func (t *Table) MountForPath(path string) *Mount {
	path = filepath.Clean(path)

	var longestMatchingMount *Mount

	for i := range t.mounts {
		mount := &t.mounts[i]

		if !isWithin(path, mount.MountPoint) {
			continue
		}

		// ">=" so the last of stacked mounts wins
		if longestMatchingMount == nil || len(mount.MountPoint) >= len(longestMatchingMount.MountPoint) {
			longestMatchingMount = mount
		}
	}

	return longestMatchingMount
}

// mount points at path or anywhere beneath it
func (t *Table) MountPointsWithin(path string) []string {
	path = filepath.Clean(path)

	within := []string{}
	for _, mount := range t.mounts {
		if isWithin(mount.MountPoint, path) {
			within = append(within, mount.MountPoint)
		}
	}

	return lo.Uniq(within)
}

func isWithin(path string, mountPoint string) bool {
	if mountPoint == "/" {
		return strings.HasPrefix(path, "/")
	}

	return path == mountPoint || strings.HasPrefix(path, mountPoint+"/")
}

// the kernel octal-escapes whitespace and backslashes in mount points
var mountPointEscapes = strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)

func unescapeMountPoint(mountPoint string) string {
	return mountPointEscapes.Replace(mountPoint)
}
