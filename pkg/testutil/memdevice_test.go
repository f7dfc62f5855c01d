package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDeviceGrowsOnWrite(t *testing.T) {
	d := NewMemDevice()

	n, err := d.Pwrite([]byte("hello"), 10)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	size, err := d.Size()
	require.NoError(t, err)
	require.EqualValues(t, 15, size)

	buf := make([]byte, 5)
	_, err = d.Pread(buf, 10)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestMemDeviceSnapshotIsIndependent(t *testing.T) {
	d := NewMemDevice()
	_, err := d.Pwrite([]byte{1, 2, 3}, 0)
	require.NoError(t, err)

	snap := d.Snapshot()
	_, err = d.Pwrite([]byte{9}, 0)
	require.NoError(t, err)

	require.Equal(t, byte(1), snap[0])
}

func TestBarrierRecordingDeviceCapturesSnapshotsAtSync(t *testing.T) {
	d := NewBarrierRecordingDevice()
	_, err := d.Pwrite([]byte{1}, 0)
	require.NoError(t, err)
	require.NoError(t, d.Sync())

	_, err = d.Pwrite([]byte{2}, 1)
	require.NoError(t, err)
	require.NoError(t, d.Sync())

	require.Len(t, d.Snapshots, 2)
	require.Equal(t, []byte{1}, d.Snapshots[0])
	require.Equal(t, []byte{1, 2}, d.Snapshots[1])
}
