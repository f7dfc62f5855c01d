package testutil

// BarrierRecordingDevice wraps a MemDevice and snapshots the buffer at every
// Sync call, letting crash-safety tests reopen a Tree from any barrier
// boundary and check that the durable state was always valid at that
// point: a torn write or untimely crash must never corrupt data that
// was already durable.
type BarrierRecordingDevice struct {
	*MemDevice
	Snapshots [][]byte
}

// NewBarrierRecordingDevice wraps a fresh MemDevice.
func NewBarrierRecordingDevice() *BarrierRecordingDevice {
	return &BarrierRecordingDevice{MemDevice: NewMemDevice()}
}

func (d *BarrierRecordingDevice) Sync() error {
	if err := d.MemDevice.Sync(); err != nil {
		return err
	}
	d.Snapshots = append(d.Snapshots, d.MemDevice.Snapshot())
	return nil
}
