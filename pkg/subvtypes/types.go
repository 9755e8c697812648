// Data model shared by scanning, the descriptor codec and restoring
package subvtypes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// every subvolume's root directory has this inode number
const SubvolumeRootInode = 256

// one subvolume, addressed relative to the scan/restore root
type SubvolumeRecord struct {
	Path []string // path segments, never empty & never contain the separator
}

// parses "a/b/c" style relative path
func NewSubvolumeRecord(relativePath string) (SubvolumeRecord, error) {
	if relativePath == "" {
		return SubvolumeRecord{}, fmt.Errorf("%w: empty path", ErrInvalidDescriptor)
	}

	segments := strings.Split(relativePath, "/")
	if err := validateSegments(segments); err != nil {
		return SubvolumeRecord{}, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, relativePath, err)
	}

	return SubvolumeRecord{Path: segments}, nil
}

// canonical, slash-separated form (also the persisted form)
func (s SubvolumeRecord) String() string {
	return strings.Join(s.Path, "/")
}

func (s SubvolumeRecord) Depth() int {
	return len(s.Path)
}

// name of the subvolume directory itself
func (s SubvolumeRecord) Name() string {
	return s.Path[len(s.Path)-1]
}

// segments of the containing directory (empty for top-level records)
func (s SubvolumeRecord) Parent() []string {
	return s.Path[:len(s.Path)-1]
}

// reports whether s is a proper path prefix of other
func (s SubvolumeRecord) IsAncestorOf(other SubvolumeRecord) bool {
	if len(s.Path) >= len(other.Path) {
		return false
	}

	for i, segment := range s.Path {
		if other.Path[i] != segment {
			return false
		}
	}

	return true
}

type subvolumeRecordJson struct {
	Path string `json:"path"`
}

func (s SubvolumeRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(subvolumeRecordJson{Path: s.String()})
}

// accepts both {"path": "a/b"} and the legacy bare-string form "a/b"
func (s *SubvolumeRecord) UnmarshalJSON(data []byte) error {
	var relativePath string

	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &relativePath); err != nil {
			return err
		}
	} else {
		obj := subvolumeRecordJson{}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}

		relativePath = obj.Path
	}

	rec, err := NewSubvolumeRecord(relativePath)
	if err != nil {
		return err
	}

	*s = rec

	return nil
}

// the persisted unit. label & UUID are nil when the metadata probe failed.
// device & the mounted subvolume are informational only.
type BackupDescriptor struct {
	FilesystemLabel *string           `json:"filesystem_label"`
	FilesystemUuid  *string           `json:"filesystem_uuid"`
	Device          string            `json:"device,omitempty"`
	Subvolume       string            `json:"subvolume,omitempty"`
	SubvolumeId     *uint64           `json:"subvolid,omitempty"`
	Subvolumes      []SubvolumeRecord `json:"subvolumes"`
}

// depth ascending, then lexicographic. this puts every ancestor before its descendants.
func SortRecords(records []SubvolumeRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]

		if a.Depth() != b.Depth() {
			return a.Depth() < b.Depth()
		}

		return a.String() < b.String()
	})
}

// checks the invariants a descriptor must hold before it can drive a restore
func ValidateRecords(records []SubvolumeRecord) error {
	seen := map[string]bool{}

	for idx, rec := range records {
		if err := validateSegments(rec.Path); err != nil {
			return fmt.Errorf("%w: record #%d: %v", ErrInvalidDescriptor, idx, err)
		}

		key := rec.String()
		if seen[key] {
			return fmt.Errorf("%w: duplicate path %s", ErrInvalidDescriptor, key)
		}
		seen[key] = true
	}

	for idx, rec := range records {
		for _, later := range records[idx+1:] {
			if later.IsAncestorOf(rec) {
				return fmt.Errorf("%w: %s listed before its parent %s", ErrInvalidDescriptor, rec, later)
			}
		}
	}

	return nil
}

func validateSegments(segments []string) error {
	if len(segments) == 0 {
		return fmt.Errorf("no path segments")
	}

	for _, segment := range segments {
		switch {
		case segment == "":
			return fmt.Errorf("empty path segment")
		case segment == "." || segment == "..":
			return fmt.Errorf("relative path segment %q", segment)
		case strings.ContainsAny(segment, "/\x00"):
			return fmt.Errorf("path segment %q contains separator", segment)
		}
	}

	return nil
}
