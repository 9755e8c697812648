package fsmetadata

import (
	"context"

	"github.com/function61/subvbackup/pkg/toolexec"
)

// `$ blkid -o value -s <tag> <device>`
func BlkidTagReader(runner *toolexec.Runner) TagReader {
	return func(ctx context.Context, device string, tag string) (string, error) {
		return runner.Run(ctx, "blkid", "-o", "value", "-s", tag, device)
	}
}
