// Subvolume create/delete primitive. The only operations that need privileges
// and filesystem-specific tooling.
package subvolume

import (
	"context"
	"fmt"
	"os"

	"github.com/function61/subvbackup/pkg/subvtypes"
	"github.com/function61/subvbackup/pkg/toolexec"
)

type Manager interface {
	// fails with subvtypes.ErrSubvolumeExists if anything exists at path
	Create(ctx context.Context, path string) error
	// fails if path is not a subvolume or it still contains nested subvolumes
	Delete(ctx context.Context, path string) error
}

// drives btrfs-progs' `$ btrfs subvolume ...`
func BtrfsProgs(runner *toolexec.Runner) Manager {
	return &btrfsProgs{runner}
}

type btrfsProgs struct {
	runner *toolexec.Runner
}

func (b *btrfsProgs) Create(ctx context.Context, path string) error {
	if err := ensureAbsent(path); err != nil {
		return err
	}

	_, err := b.runner.Run(ctx, "btrfs", "subvolume", "create", path)
	return err
}

func (b *btrfsProgs) Delete(ctx context.Context, path string) error {
	_, err := b.runner.Run(ctx, "btrfs", "subvolume", "delete", path)
	return err
}

func ensureAbsent(path string) error {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", subvtypes.ErrSubvolumeExists, path)
	case os.IsNotExist(err):
		return nil
	default:
		return err
	}
}
