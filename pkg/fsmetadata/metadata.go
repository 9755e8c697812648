// Best-effort lookup of the label & UUID of the filesystem containing a path.
// Nothing here is fatal: a missing value is simply left nil.
package fsmetadata

import (
	"context"
	"log"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/function61/gokit/logex"
	"github.com/function61/subvbackup/pkg/mounttable"
)

type Metadata struct {
	Label       *string
	Uuid        *string
	Device      string  // "" if unknown
	Subvolume   string  // btrfs subvolume mounted at the mount point, "" if unknown
	SubvolumeId *uint64 // nil if unknown
}

type Probe interface {
	Probe(ctx context.Context, path string) Metadata
}

// asks the value of a blkid tag ("LABEL", "UUID") for a device
type TagReader func(ctx context.Context, device string, tag string) (string, error)

// resolves the device from the mount table and asks blkid for its label & UUID
func Blkid(loadMounts func() (*mounttable.Table, error), readTag TagReader, logger *log.Logger) Probe {
	return &blkidProbe{
		loadMounts: loadMounts,
		readTag:    readTag,
		logl:       logex.Levels(logex.NonNil(logger)),
	}
}

type blkidProbe struct {
	loadMounts func() (*mounttable.Table, error)
	readTag    TagReader
	logl       *logex.Leveled
}

func (b *blkidProbe) Probe(ctx context.Context, path string) Metadata {
	meta := Metadata{}

	absPath, err := filepath.Abs(path)
	if err != nil {
		b.logl.Error.Printf("filesystem metadata unavailable: %v", err)
		return meta
	}

	// mount points in the table are real paths
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = resolved
	}

	mounts, err := b.loadMounts()
	if err != nil {
		b.logl.Error.Printf("filesystem metadata unavailable: mount table: %v", err)
		return meta
	}

	mount := mounts.MountForPath(absPath)
	if mount == nil {
		b.logl.Error.Printf("filesystem metadata unavailable: no mount contains %s", absPath)
		return meta
	}

	meta.Device = mount.Device
	meta.Subvolume = mount.Options["subvol"]
	if subvolid, err := strconv.ParseUint(mount.Options["subvolid"], 10, 64); err == nil {
		meta.SubvolumeId = &subvolid
	}

	if !strings.HasPrefix(mount.Device, "/dev/") {
		b.logl.Info.Printf("filesystem metadata unavailable: %s is not backed by a block device", absPath)
		return meta
	}

	meta.Label = b.tag(ctx, mount.Device, "LABEL")
	meta.Uuid = b.tag(ctx, mount.Device, "UUID")

	return meta
}

func (b *blkidProbe) tag(ctx context.Context, device string, tag string) *string {
	value, err := b.readTag(ctx, device, tag)
	if err != nil {
		b.logl.Error.Printf("filesystem %s unavailable: %v", strings.ToLower(tag), err)
		return nil
	}

	value = strings.TrimSpace(value)
	if value == "" { // e.g. unlabeled filesystem
		return nil
	}

	return &value
}
