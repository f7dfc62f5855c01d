package device

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PosixDevice is the default operating-system file backend. It issues raw
// Pread/Pwrite/Fsync/Ftruncate syscalls through golang.org/x/sys/unix
// instead of going through os.File.ReadAt/WriteAt. A single os.File is
// kept open purely to own the lifetime of the fd and to satisfy
// os.Stat-style introspection; all I/O goes through the fd obtained
// from it.
type PosixDevice struct {
	file *os.File
	fd   int

	// mu serializes the fd across the single reader/writer session the
	// engine assumes; it guards against accidental concurrent use from
	// within a process, not against multi-writer semantics across
	// processes.
	mu sync.Mutex
}

// Open opens or creates path for read-write positioned I/O. create, when
// true, creates the file if it does not already exist.
func Open(path string, create bool) (*PosixDevice, error) {
	flags := os.O_RDWR
	if create {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "device: create parent directory")
		}
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "device: open")
	}

	return &PosixDevice{file: f, fd: int(f.Fd())}, nil
}

// Pread implements Device.
func (d *PosixDevice) Pread(p []byte, offset int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for total < len(p) {
		n, err := unix.Pread(d.fd, p[total:], offset+int64(total))
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, errors.Wrap(err, "device: pread")
		}
		if n == 0 {
			return total, errors.Wrap(io.ErrUnexpectedEOF, "device: pread")
		}
	}
	return total, nil
}

// Pwrite implements Device.
func (d *PosixDevice) Pwrite(p []byte, offset int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for total < len(p) {
		n, err := unix.Pwrite(d.fd, p[total:], offset+int64(total))
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, errors.Wrap(err, "device: pwrite")
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// Truncate implements Device.
func (d *PosixDevice) Truncate(newLength int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := unix.Ftruncate(d.fd, newLength); err != nil {
		return errors.Wrap(err, "device: ftruncate")
	}
	return nil
}

// Size implements Device.
func (d *PosixDevice) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var st unix.Stat_t
	if err := unix.Fstat(d.fd, &st); err != nil {
		return 0, errors.Wrap(err, "device: fstat")
	}
	return st.Size, nil
}

// Sync implements Device as the durability barrier.
func (d *PosixDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := unix.Fsync(d.fd); err != nil {
		return errors.Wrap(err, "device: fsync")
	}
	return nil
}

// Close implements Device.
func (d *PosixDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.file.Close()
}
