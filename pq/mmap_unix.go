//go:build linux

package pq

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile mmaps the whole of f (already sized to size) shared, read-write
// unless readOnly is set, the same PROT_READ|PROT_WRITE/MAP_SHARED combination the
// pack's shared-memory ring buffers use (AlephTX-aleph-tx/feeder/shm,
// ehrlich-b-go-ublk) so every process that opens the queue sees the same
// bytes.
func mapFile(f *os.File, size int, readOnly bool) ([]byte, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if readOnly {
		prot = unix.PROT_READ
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pq: mmap: %w", err)
	}
	return data, nil
}

func unmapFile(data []byte) error {
	if data == nil {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("pq: munmap: %w", err)
	}
	return nil
}

// Linux's F_OFD_* commands are not yet named in every golang.org/x/sys/unix
// release; the numeric values match linux/fcntl.h and are stable ABI.
const (
	fOFDGetLk  = 36
	fOFDSetLk  = 37
	fOFDSetLkw = 38
)

// lockManager implements the per-region and header advisory locking
// described in spec.md §5: "advisory byte-range locks on the queue file
// ... tied to the open file description so that process death releases
// them." Each logical lock index maps to a one-byte range in the file's
// POSIX byte-range lock space, which is independent of the mmap'd
// region. Open File Description (OFD) locks are used rather than classic
// fcntl locks because OFD locks are scoped to the open file description
// (and therefore to the process that holds it) rather than merged across
// every fd a process happens to have open on the same inode -- exactly
// the "conveys a shared read reference to one region" semantics spec.md
// §3 describes for a lock, and the only way two Queue handles in the same
// test process can exercise genuine lock conflict (spec.md §8 S5).
type lockManager struct {
	fd int
	// lockAreaOffset is the first byte offset, beyond the mapped region,
	// reserved purely for fcntl byte-range locking; it need not (and
	// does not) correspond to real file content.
	lockAreaOffset int64
}

// headerLockIndex and regionLockIndex(n) select disjoint byte ranges so
// the header lock and per-slot locks never collide.
const headerLockIndex = -1

func (lm *lockManager) rangeFor(index int) (start int64, length int64) {
	// index == headerLockIndex uses byte 0 of the lock area; region
	// locks use 1-based byte offsets so they never alias the header.
	return lm.lockAreaOffset + int64(index+1), 1
}

func (lm *lockManager) lockExclusive(index int) error {
	start, length := lm.rangeFor(index)
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: start, Len: length}
	return unix.FcntlFlock(uintptr(lm.fd), fOFDSetLkw, &flock)
}

func (lm *lockManager) lockShared(index int) error {
	start, length := lm.rangeFor(index)
	flock := unix.Flock_t{Type: unix.F_RDLCK, Whence: 0, Start: start, Len: length}
	return unix.FcntlFlock(uintptr(lm.fd), fOFDSetLkw, &flock)
}

func (lm *lockManager) unlock(index int) error {
	start, length := lm.rangeFor(index)
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: start, Len: length}
	return unix.FcntlFlock(uintptr(lm.fd), fOFDSetLk, &flock)
}

// tryLockShared attempts a non-blocking shared lock, returning ok=false
// (rather than an error) if it is already exclusively held by another
// open file description.
func (lm *lockManager) tryLockShared(index int) (ok bool, err error) {
	start, length := lm.rangeFor(index)
	flock := unix.Flock_t{Type: unix.F_RDLCK, Whence: 0, Start: start, Len: length}
	if err := unix.FcntlFlock(uintptr(lm.fd), fOFDSetLk, &flock); err != nil {
		if err == unix.EACCES || err == unix.EAGAIN {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// tryLockExclusive attempts a non-blocking exclusive lock, used by the
// eviction path and delete-by-signature to detect whether any reader
// (shared lock) is pinning the region -- an exclusive request conflicts
// with both shared and exclusive locks held by other open file
// descriptions, unlike a second shared request, which would succeed even
// while a reader holds the region pinned.
func (lm *lockManager) tryLockExclusive(index int) (ok bool, err error) {
	start, length := lm.rangeFor(index)
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: start, Len: length}
	if err := unix.FcntlFlock(uintptr(lm.fd), fOFDSetLk, &flock); err != nil {
		if err == unix.EACCES || err == unix.EAGAIN {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
