//go:build linux

package subvprobe

import (
	"github.com/function61/subvbackup/pkg/mounttable"
	"github.com/function61/subvbackup/pkg/subvtypes"
	"golang.org/x/sys/unix"
)

// queries the live filesystem. mount table is snapshotted once, at construction.
func HostQuerier() (IdentityQuerier, error) {
	table, err := mounttable.Load()
	if err != nil {
		return nil, err
	}

	return &hostQuerier{table}, nil
}

type hostQuerier struct {
	mounts *mounttable.Table
}

func (h *hostQuerier) Identity(path string) (subvtypes.Identity, error) {
	stat := unix.Stat_t{}
	if err := unix.Lstat(path, &stat); err != nil {
		return subvtypes.Identity{}, err
	}

	return subvtypes.Identity{
		Device: uint64(stat.Dev), //nolint:unconvert // not uint64 on every arch
		Inode:  uint64(stat.Ino), //nolint:unconvert
	}, nil
}

func (h *hostQuerier) IsExplicitlyMounted(path string) (bool, error) {
	return h.mounts.IsMountPoint(path), nil
}
