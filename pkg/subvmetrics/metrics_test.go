package subvmetrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveScan("/srv", 3, 1, 0, 1500*time.Millisecond)
	m.ObserveRestore(OperationRestore, "/mnt", 2, true, 2*time.Second)

	path := filepath.Join(t.TempDir(), "subvbackup.prom")
	assert.Assert(t, m.WriteTextfile(path) == nil)

	content, err := os.ReadFile(path)
	assert.Assert(t, err == nil)

	lines := map[string]bool{}
	for _, line := range strings.Split(string(content), "\n") {
		lines[line] = true
	}

	for _, expected := range []string{
		`subvbackup_subvolumes{operation="scan",root="/srv"} 3`,
		`subvbackup_skipped_mounts{operation="scan",root="/srv"} 1`,
		`subvbackup_scan_warnings{operation="scan",root="/srv"} 0`,
		`subvbackup_run_duration_seconds{operation="scan",root="/srv"} 1.5`,
		`subvbackup_restore_created{operation="restore",root="/mnt"} 2`,
		`subvbackup_restore_failed{operation="restore",root="/mnt"} 1`,
		`subvbackup_run_duration_seconds{operation="restore",root="/mnt"} 2`,
	} {
		assert.Assert(t, lines[expected])
	}

	assert.Assert(t, strings.Contains(string(content), `subvbackup_last_run_timestamp_seconds{operation="restore",root="/mnt"} `))
}
