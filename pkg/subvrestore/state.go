package subvrestore

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/subvbackup/pkg/subvolume"
	"github.com/function61/subvbackup/pkg/subvtypes"
)

// rollback keeps going after the run's own context is cancelled, within limits
const rollbackTimeout = 2 * time.Minute

// a subvolume this run created, and how to undo it
type createdSubvolume struct {
	record  subvtypes.SubvolumeRecord
	target  string // final location
	current string // where the subvolume is now. differs from target until committed
	parked  string // original directory moved aside by commit ("" if none)
	// empty placeholder directory that was removed to make way (nil if none)
	placeholderMode *os.FileMode
}

func (c *createdSubvolume) committed() bool {
	return c.current == c.target
}

// subvolumes created in this run, in creation order
type restoreState struct {
	created []*createdSubvolume
}

func (s *restoreState) add(created *createdSubvolume) {
	s.created = append(s.created, created)
}

func (s *restoreState) records() []subvtypes.SubvolumeRecord {
	records := make([]subvtypes.SubvolumeRecord, 0, len(s.created))
	for _, created := range s.created {
		records = append(records, created.record)
	}
	return records
}

// undoes everything in reverse creation order, so nested subvolumes go before
// their parents. returns *subvtypes.RollbackIncompleteError if some step failed.
func (s *restoreState) rollback(
	ctx context.Context,
	subvolumes subvolume.Manager,
	logl *logex.Leveled,
) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	failures := []error{}

	for i := len(s.created) - 1; i >= 0; i-- {
		created := s.created[i]

		logl.Info.Printf("rollback: deleting subvolume %s", created.current)

		deleteErr := subvolumes.Delete(ctx, created.current)
		if deleteErr != nil {
			failures = append(failures, &subvtypes.SubvolumeDeleteError{Path: created.current, Err: deleteErr})
		}

		if created.parked != "" {
			if deleteErr != nil && created.committed() {
				failures = append(failures, fmt.Errorf(
					"original data of %s left at %s",
					created.target,
					created.parked))
			} else if err := os.Rename(created.parked, created.target); err != nil {
				failures = append(failures, fmt.Errorf("restoring original of %s: %w", created.target, err))
			}
		}

		if created.placeholderMode != nil && deleteErr == nil {
			if err := os.Mkdir(created.target, *created.placeholderMode); err != nil {
				failures = append(failures, fmt.Errorf("recreating placeholder %s: %w", created.target, err))
			}
		}
	}

	if len(failures) > 0 {
		return &subvtypes.RollbackIncompleteError{Failures: failures}
	}

	return nil
}

// removes originals parked by commits. only done once the whole run succeeded.
// returns the ones that could not be removed.
func (s *restoreState) purgeParked(logl *logex.Leveled) []string {
	leftovers := []string{}

	for i := len(s.created) - 1; i >= 0; i-- {
		parked := s.created[i].parked
		if parked == "" {
			continue
		}

		if err := os.RemoveAll(parked); err != nil {
			logl.Error.Printf("purging original %s: %v", parked, err)
			leftovers = append(leftovers, parked)
		}
	}

	return leftovers
}
