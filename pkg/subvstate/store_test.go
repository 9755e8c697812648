package subvstate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := Open(path)
	assert.Assert(t, err == nil)

	missing, err := store.LastRun("/srv")
	assert.Assert(t, err == nil)
	assert.Assert(t, missing == nil)

	started := time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC)

	assert.Assert(t, store.SaveLastRun(Run{Root: "/srv", Started: started, Subvolumes: 1}) == nil)
	assert.Assert(t, store.SaveLastRun(Run{Root: "/home", Started: started, Error: "permission denied"}) == nil)
	assert.Assert(t, store.SaveLastRun(Run{Root: "/srv", Started: started, Subvolumes: 4, Warnings: 2}) == nil)

	assert.Assert(t, store.Close() == nil)

	// survives reopening
	store, err = Open(path)
	assert.Assert(t, err == nil)
	defer store.Close()

	srv, err := store.LastRun("/srv")
	assert.Assert(t, err == nil)
	assert.Assert(t, srv.Subvolumes == 4)
	assert.Assert(t, srv.Warnings == 2)
	assert.Assert(t, srv.Started.Equal(started))

	runs, err := store.LastRuns()
	assert.Assert(t, err == nil)
	assert.Assert(t, len(runs) == 2)
	assert.EqualString(t, runs[0].Root, "/home")
	assert.EqualString(t, runs[0].Error, "permission denied")
	assert.EqualString(t, runs[1].Root, "/srv")
}
