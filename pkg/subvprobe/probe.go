// Decides whether a directory is the root of a subvolume, without privileges.
//
// A subvolume's root directory always has inode number 256 and, because each
// subvolume has its own anonymous device, a different st_dev than its parent.
// Explicitly mounted filesystems are recognized from the mount table and are
// never reported as subvolumes (nor descended into).
//
// Limitation: explicitly mounted subvolumes are indistinguishable from other
// mounts and are therefore never discovered.
package subvprobe

import (
	"github.com/function61/subvbackup/pkg/subvtypes"
)

// identity & mount-table collaborator
type IdentityQuerier interface {
	// does not follow symlinks
	Identity(path string) (subvtypes.Identity, error)
	IsExplicitlyMounted(path string) (bool, error)
}

type Probe interface {
	// parent is ignored when isRoot. errors are always *subvtypes.ClassificationError
	Classify(dir string, parent subvtypes.Identity, isRoot bool) (subvtypes.Classification, subvtypes.Identity, error)
}

func InodeHeuristic(querier IdentityQuerier) Probe {
	return &inodeHeuristic{querier}
}

type inodeHeuristic struct {
	querier IdentityQuerier
}

func (i *inodeHeuristic) Classify(
	dir string,
	parent subvtypes.Identity,
	isRoot bool,
) (subvtypes.Classification, subvtypes.Identity, error) {
	identity, err := i.querier.Identity(dir)
	if err != nil {
		return subvtypes.ClassificationOrdinary, identity, &subvtypes.ClassificationError{Path: dir, Err: err}
	}

	if !isRoot {
		mounted, err := i.querier.IsExplicitlyMounted(dir)
		if err != nil {
			return subvtypes.ClassificationOrdinary, identity, &subvtypes.ClassificationError{Path: dir, Err: err}
		}

		if mounted {
			return subvtypes.ClassificationExternalMount, identity, nil
		}
	}

	return classifyIdentity(identity, parent, isRoot), identity, nil
}

func classifyIdentity(identity subvtypes.Identity, parent subvtypes.Identity, isRoot bool) subvtypes.Classification {
	if identity.Inode != subvtypes.SubvolumeRootInode {
		return subvtypes.ClassificationOrdinary
	}

	if isRoot || identity.Device != parent.Device {
		return subvtypes.ClassificationSubvolumeBoundary
	}

	return subvtypes.ClassificationOrdinary
}
