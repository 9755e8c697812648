// Reads & writes the descriptor file that records a tree's subvolume layout
package subvdescriptor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/subvbackup/pkg/subvtypes"
)

// lives at the root of the scanned tree, so file-based backups pick it up
const Filename = ".btrfs-subv-backup.json"

func PathFor(root string) string {
	return filepath.Join(root, Filename)
}

func ExistsFor(root string) (bool, error) {
	return fileexists.Exists(PathFor(root))
}

func Write(path string, desc subvtypes.BackupDescriptor) error {
	return atomicfilewrite.Write(path, func(sink io.Writer) error {
		return Encode(sink, desc)
	})
}

func Encode(sink io.Writer, desc subvtypes.BackupDescriptor) error {
	// don't mutate caller's slice
	sorted := append([]subvtypes.SubvolumeRecord{}, desc.Subvolumes...)
	subvtypes.SortRecords(sorted)

	if err := subvtypes.ValidateRecords(sorted); err != nil {
		return err
	}

	desc.Subvolumes = sorted

	enc := json.NewEncoder(sink)
	enc.SetIndent("", "    ")
	return enc.Encode(desc)
}

func Read(path string) (*subvtypes.BackupDescriptor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	desc, err := Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return desc, nil
}

// descriptorJson also understands the keys written by btrfs-subv-backup.py
type descriptorJson struct {
	subvtypes.BackupDescriptor
	LegacyLabel *string `json:"label"`
	LegacyUuid  *string `json:"uuid"`
}

// the returned descriptor is validated and sorted parent-before-child
func Decode(source io.Reader) (*subvtypes.BackupDescriptor, error) {
	raw := &descriptorJson{}
	// unknown keys are ignored: btrfs-subv-backup.py wrote several more
	if err := json.NewDecoder(source).Decode(raw); err != nil {
		return nil, err
	}

	desc := raw.BackupDescriptor

	if desc.FilesystemLabel == nil {
		desc.FilesystemLabel = nonEmpty(raw.LegacyLabel)
	}

	if desc.FilesystemUuid == nil {
		desc.FilesystemUuid = nonEmpty(raw.LegacyUuid)
	}

	if desc.Subvolumes == nil {
		desc.Subvolumes = []subvtypes.SubvolumeRecord{}
	}

	subvtypes.SortRecords(desc.Subvolumes)

	if err := subvtypes.ValidateRecords(desc.Subvolumes); err != nil {
		return nil, err
	}

	return &desc, nil
}

func nonEmpty(val *string) *string {
	if val == nil || *val == "" {
		return nil
	}

	return val
}
