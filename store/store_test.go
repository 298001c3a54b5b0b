package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadRecoveryFileRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "recovery.json")

	require.NoError(t, WriteRecoveryFile(path, []string{"sandbox-1", "sandbox-2"}))

	rf, ok, err := ReadRecoveryFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"sandbox-1", "sandbox-2"}, rf.OpenInstances)
	assert.False(t, rf.WrittenAt.IsZero())
}

func TestReadRecoveryFileMissingIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")

	rf, ok, err := ReadRecoveryFile(path)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, rf.OpenInstances)
}

func TestRemoveRecoveryFileIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.json")
	require.NoError(t, WriteRecoveryFile(path, []string{"sandbox-1"}))

	require.NoError(t, RemoveRecoveryFile(path))
	require.NoError(t, RemoveRecoveryFile(path))

	_, ok, err := ReadRecoveryFile(path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteRecoveryFileOverwritesPriorContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.json")
	require.NoError(t, WriteRecoveryFile(path, []string{"sandbox-1", "sandbox-2"}))
	require.NoError(t, WriteRecoveryFile(path, []string{"sandbox-3"}))

	rf, ok, err := ReadRecoveryFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"sandbox-3"}, rf.OpenInstances)
}
