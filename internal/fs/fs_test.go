package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultyFS_FailAfterBytes(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.AddRule("KD_TREE", Fault{FailAfterBytes: 10})

	name := filepath.Join(t.TempDir(), "x-KD_TREE.db")
	f, err := ffs.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write(make([]byte, 8))
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 8))
	assert.ErrorIs(t, err, ErrInjected)
}

func TestFaultyFS_SyncAndClose(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.AddRule("TOKEN", Fault{FailOnSync: true, FailOnClose: true})

	name := filepath.Join(t.TempDir(), "x-TOKEN_VALUES.db")
	f, err := ffs.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Sync(), ErrInjected)
	assert.ErrorIs(t, f.Close(), ErrInjected)
}

func TestFaultyFS_UnmatchedFilesUnaffected(t *testing.T) {
	ffs := NewFaultyFS(nil)
	ffs.AddRule("KD_TREE", Fault{FailAfterBytes: 0})

	name := filepath.Join(t.TempDir(), "x-TERMS_DATA.db")
	f, err := ffs.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(make([]byte, 1024))
	assert.NoError(t, err)
}
