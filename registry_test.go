package colstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSharesStore(t *testing.T) {
	dir := t.TempDir()

	h1, err := Open("reg_shared", pointsSchema(), WithDir(dir), WithRedoLogLimit("64k"))
	require.NoError(t, err)
	h2, err := Open("reg_shared", pointsSchema(), WithDir(dir), WithRedoLogLimit("64k"))
	require.NoError(t, err)

	assert.Same(t, h1.Store(), h2.Store())

	mustInsert(t, h1.Store(), 1, "alpha", 0.5)
	assert.Len(t, scanAll(t, h2.Store()), 1)

	require.NoError(t, h1.Close())

	// The store stays open while a reference remains.
	assert.Len(t, scanAll(t, h2.Store()), 1)
	require.NoError(t, h2.Close())
}

func TestHandleLastCloseReleasesFiles(t *testing.T) {
	dir := t.TempDir()

	h, err := Open("reg_release", pointsSchema(), WithDir(dir), WithRedoLogLimit("64k"))
	require.NoError(t, err)
	mustInsert(t, h.Store(), 1, "alpha", 0.5)
	require.NoError(t, h.Close())

	// A fresh open maps a new Store over the same files.
	h2, err := Open("reg_release", pointsSchema(), WithDir(dir), WithRedoLogLimit("64k"))
	require.NoError(t, err)
	defer h2.Close()
	assert.NotSame(t, h.Store(), h2.Store())
	assert.Len(t, scanAll(t, h2.Store()), 1)
}

func TestHandleDoubleCloseNoop(t *testing.T) {
	dir := t.TempDir()

	h1, err := Open("reg_double", pointsSchema(), WithDir(dir), WithRedoLogLimit("64k"))
	require.NoError(t, err)
	h2, err := Open("reg_double", pointsSchema(), WithDir(dir), WithRedoLogLimit("64k"))
	require.NoError(t, err)

	require.NoError(t, h1.Close())
	require.NoError(t, h1.Close())

	// The double close must not have stolen h2's reference.
	mustInsert(t, h2.Store(), 1, "alpha", 0.5)
	require.NoError(t, h2.Close())
}

func TestOpenRejectsEmptyIdentity(t *testing.T) {
	_, err := Open("", pointsSchema(), WithDir(t.TempDir()))
	assert.ErrorIs(t, err, ErrConfiguration)
}
