package device

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPosixDeviceReadWriteTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "data.db")
	d, err := Open(path, true)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Truncate(64))
	size, err := d.Size()
	require.NoError(t, err)
	require.EqualValues(t, 64, size)

	payload := []byte("hello redbtree")
	n, err := d.Pwrite(payload, 8)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = d.Pread(buf, 8)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)

	require.NoError(t, d.Sync())
}

func TestOpenWithoutCreateFailsOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(path, false)
	require.Error(t, err)
}

func TestReadFullAcrossPosixDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	d, err := Open(path, true)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Truncate(32))
	_, err = d.Pwrite([]byte{1, 2, 3, 4}, 10)
	require.NoError(t, err)

	buf := make([]byte, 4)
	require.NoError(t, ReadFull(d, buf, 10))
	require.Equal(t, []byte{1, 2, 3, 4}, buf)
}
