package colstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"128", 128},
		{"64k", 64 << 10},
		{"2K", 2 << 10},
		{"64m", 64 << 20},
		{"512mb", 512 << 20},
		{"1g", 1 << 30},
		{"1gb", 1 << 30},
		{"2t", 2 << 40},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "64q", "1.5g", "m", "9999999999999g"} {
		_, err := ParseSize(in)
		assert.ErrorIs(t, err, ErrConfiguration, in)
	}
}

func TestOptionsValidate(t *testing.T) {
	o := DefaultOptions()
	o.Dir = t.TempDir()
	require.NoError(t, o.validate())

	bad := o
	bad.Capacity = 0
	assert.ErrorIs(t, bad.validate(), ErrConfiguration)

	bad = o
	bad.RedoLogLimit = "nope"
	assert.ErrorIs(t, bad.validate(), ErrConfiguration)

	bad = o
	bad.Compression = Compression("brotli")
	assert.ErrorIs(t, bad.validate(), ErrConfiguration)
}

func TestFunctionalOptions(t *testing.T) {
	o := DefaultOptions()
	for _, opt := range []Option{
		WithDir("/tmp/x"),
		WithCapacity(42),
		WithHashSlots(99),
		WithRedoLogLimit("128k"),
		WithSyncOnCommit(false),
		WithBackupDir("/tmp/y"),
		WithCompression(CompressionLZ4),
		WithVacuumRate(7),
	} {
		opt(&o)
	}
	assert.Equal(t, "/tmp/x", o.Dir)
	assert.EqualValues(t, 42, o.Capacity)
	assert.EqualValues(t, 99, o.HashSlots)
	assert.Equal(t, "128k", o.RedoLogLimit)
	assert.False(t, o.SyncOnCommit)
	assert.Equal(t, "/tmp/y", o.BackupDir)
	assert.Equal(t, CompressionLZ4, o.Compression)
	assert.EqualValues(t, 7, o.VacuumRowsPerSec)
}
