//go:build linux

package msm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("msm: mmap: %w", err)
	}
	return data, nil
}

func unmapFile(data []byte) error {
	if data == nil {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("msm: munmap: %w", err)
	}
	return nil
}

// tableMutex guards the whole entry table with a single whole-file
// advisory lock (spec.md §5: "the multicast sender PID map is a small
// shared-memory segment guarded by one mutex"), unlike the queue's
// per-region OFD locks which need independent lock identities per slot.
type tableMutex struct {
	fd int
}

func (m tableMutex) lock() error   { return unix.Flock(m.fd, unix.LOCK_EX) }
func (m tableMutex) unlock() error { return unix.Flock(m.fd, unix.LOCK_UN) }

// kill0 implements the liveness check of spec.md §4.6: "kill(pid, 0) == 0
// ⇒ running".
func kill0(pid int32) bool {
	return unix.Kill(int(pid), 0) == nil
}
