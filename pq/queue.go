// Package pq implements the Local Data Manager's Product Queue: the
// on-disk queue format (C1, spec.md §4.1), the reserve/commit/discard
// insertion engine (C2, spec.md §4.2), and the cursor-driven sequencer
// (C3, spec.md §4.3). The three are combined in one package because they
// all reach into the same mapped file and header lock, the way the
// teacher's diskqueue package folds allocation, the writer loop, and
// position bookkeeping into one cohesive unit rather than three.
package pq

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/elastic/elastic-agent-libs/logp"
	"go.elastic.co/apm/v2"

	"github.com/ldmgo/ldm/internal/ldmerr"
)

// OpenFlags controls Open/Create behavior (spec.md §4.1).
type OpenFlags uint32

const (
	// FlagClobber allows Create to overwrite an existing queue file.
	FlagClobber OpenFlags = 1 << iota
	// FlagNoGrow is accepted but not checked: Create always sizes the
	// file to its full capacity, and the file never grows afterwards.
	FlagNoGrow
	// FlagSparse leaves unwritten blocks unallocated on filesystems that
	// support sparse files.
	FlagSparse
	// FlagReadOnly opens the queue without write access.
	FlagReadOnly
	// FlagThreadsafe is recorded on the handle. The handle's internal
	// mutex is taken by the operations that change or scan the queue
	// whether or not this flag is set.
	FlagThreadsafe
	// FlagNoLock is accepted but has no effect: the kernel advisory
	// header and region locks are always taken.
	FlagNoLock
	// FlagMapRegions is accepted for interface compatibility with
	// spec.md §4.1 (region-at-a-time mapping for queues larger than the
	// process address space); LDM-Go always maps the whole file, which
	// is sufficient for the capacities this port targets.
	FlagMapRegions
	// FlagPrivate is accepted but has no effect: the file is always
	// mapped shared, so writes through the mapping reach the file.
	FlagPrivate
)

// Stats mirrors spec.md §4.1's stats() contract.
type Stats struct {
	Products        int
	FreeRegions     int
	EmptySlots      int
	BytesUsed       uint64
	MaxProducts     int
	MaxFreeRegions  int
	MinEmptySlots   int
	MaxBytesUsed    uint64
	AgeOfOldest     time.Duration
	LargestFreeExtent uint64
}

// Queue is an open handle on a Product Queue file.
type Queue struct {
	logger   *logp.Logger
	observer Observer

	path     string
	file     *os.File
	flags    OpenFlags
	readOnly bool

	data []byte // the whole mapped file
	lm   *lockManager

	slotCapacity int
	sigCap       int

	slotRingOff int
	sigIndexOff int
	dataOff     int

	sig *sigIndex

	mu sync.Mutex // guards Go-level bookkeeping; taken regardless of FlagThreadsafe

	cursorIdx   *cursorIndex
	lastSeenSeq uint64

	// Per-handle high/low-water marks reported by Stats and updated on
	// each Stats call; they are not stored in the header and start over
	// at every Open.
	maxProducts    int
	maxFreeRegions int
	minEmptySlots  int

	closed bool

	tracer *apm.Tracer // optional; transactions are only started when set
}

// SetTracer attaches an APM tracer used to wrap insert/sequence
// operations in transactions, the way pipeline/module.go threads an
// optional Monitors.Tracer through pipeline construction. A nil tracer
// disables tracing, which is also the default.
func (q *Queue) SetTracer(tracer *apm.Tracer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracer = tracer
}

// trace starts a transaction named name if a tracer is configured, and
// returns a function that ends it; the returned function is always safe
// to call and to defer.
func (q *Queue) trace(name string) func() {
	if q.tracer == nil {
		return func() {}
	}
	tx := q.tracer.StartTransaction(name, "pq")
	return tx.End
}

// layout captures the byte offsets/sizes derived from slot/sig capacity.
type layout struct {
	slotCapacity int
	sigCap       int
	slotRingOff  int
	slotRingLen  int
	sigIndexOff  int
	sigIndexLen  int
	dataOff      int
	totalSize    int64
}

func pageAlign(n int) int {
	const pageSize = 4096
	if rem := n % pageSize; rem != 0 {
		n += pageSize - rem
	}
	return n
}

func computeLayout(byteCapacity, slotCapacity uint64) layout {
	l := layout{slotCapacity: int(slotCapacity)}
	l.sigCap = sigIndexCapacityFor(slotCapacity)
	l.slotRingOff = headerSize
	l.slotRingLen = l.slotCapacity * slotRecordSize
	l.sigIndexOff = l.slotRingOff + l.slotRingLen
	l.sigIndexLen = l.sigCap * sigIndexEntrySize
	l.dataOff = pageAlign(l.sigIndexOff + l.sigIndexLen)
	l.totalSize = int64(l.dataOff) + int64(byteCapacity)
	return l
}

// Create makes a new queue file at path with the given byte and slot
// capacity (spec.md §4.1). It fails with ldmerr.Inval-wrapped EEXIST
// unless FlagClobber is set.
func Create(logger *logp.Logger, path string, byteCapacity, slotCapacity uint64, mode os.FileMode, flags OpenFlags) (*Queue, error) {
	if logger == nil {
		logger = logp.NewLogger("pq")
	}
	if byteCapacity == 0 || slotCapacity == 0 {
		return nil, ldmerr.New("pq.Create", ldmerr.Inval)
	}

	openFlags := os.O_RDWR | os.O_CREATE
	if flags&FlagClobber != 0 {
		openFlags |= os.O_TRUNC
	} else {
		openFlags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, openFlags, mode)
	if err != nil {
		if os.IsExist(err) {
			return nil, ldmerr.Wrap("pq.Create", ldmerr.Inval, fmt.Errorf("%s: %w", path, os.ErrExist))
		}
		return nil, ldmerr.Wrap("pq.Create", ldmerr.Sys, err)
	}

	l := computeLayout(byteCapacity, slotCapacity)
	if flags&FlagSparse != 0 {
		err = f.Truncate(l.totalSize)
	} else {
		err = allocateFile(f, l.totalSize)
	}
	if err != nil {
		f.Close()
		return nil, ldmerr.Wrap("pq.Create", ldmerr.Sys, err)
	}

	data, err := mapFile(f, int(l.totalSize), false)
	if err != nil {
		f.Close()
		return nil, ldmerr.Wrap("pq.Create", ldmerr.Sys, err)
	}

	h := header{
		version:      formatVersion,
		byteCapacity: byteCapacity,
		slotCapacity: slotCapacity,
		writerCount:  1, // the creating handle is open for writing
	}
	h.marshal(data[:headerSize])

	q := newQueueHandle(logger, path, f, data, l, flags, false)

	// Seed a single free-region slot spanning the whole data area.
	q.putSlot(0, slot{offset: 0, extent: byteCapacity, state: slotFree})
	for i := 1; i < l.slotCapacity; i++ {
		q.putSlot(i, slot{state: slotEmpty})
	}
	q.sig.reset()

	q.writeHeader()
	q.logger.Infof("created queue at %s (byteCapacity=%d slotCapacity=%d)", path, byteCapacity, slotCapacity)
	return q, nil
}

// allocateFile extends f to size, actually writing zero bytes so the
// on-disk layout is fully backed (the non-FlagSparse path).
func allocateFile(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return err
	}
	zeros := make([]byte, 64*1024)
	for off := int64(0); off < size; off += int64(len(zeros)) {
		n := size - off
		if n > int64(len(zeros)) {
			n = int64(len(zeros))
		}
		if _, err := f.WriteAt(zeros[:n], off); err != nil {
			return err
		}
	}
	return nil
}

func newQueueHandle(logger *logp.Logger, path string, f *os.File, data []byte, l layout, flags OpenFlags, readOnly bool) *Queue {
	q := &Queue{
		logger:       logger,
		observer:     NewObserver(nil),
		path:         path,
		file:         f,
		flags:        flags,
		readOnly:     readOnly,
		data:         data,
		lm:           &lockManager{fd: int(f.Fd()), lockAreaOffset: l.totalSize},
		slotCapacity: l.slotCapacity,
		sigCap:       l.sigCap,
		slotRingOff:  l.slotRingOff,
		sigIndexOff:  l.sigIndexOff,
		dataOff:      l.dataOff,
	}
	q.sig = newSigIndex(data[l.sigIndexOff:l.sigIndexOff+l.sigIndexLen], l.sigCap)
	q.cursorIdx = newCursorIndex()
	return q
}

// Open opens an existing queue file (spec.md §4.1).
func Open(logger *logp.Logger, path string, flags OpenFlags) (*Queue, error) {
	if logger == nil {
		logger = logp.NewLogger("pq")
	}
	readOnly := flags&FlagReadOnly != 0
	openFlag := os.O_RDWR
	if readOnly {
		openFlag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, openFlag, 0)
	if err != nil {
		return nil, ldmerr.Wrap("pq.Open", ldmerr.Sys, err)
	}

	hdrBuf := make([]byte, headerSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, ldmerr.Wrap("pq.Open", ldmerr.Corrupt, err)
	}
	h, err := unmarshalHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, ldmerr.Wrap("pq.Open", ldmerr.Corrupt, err)
	}

	l := computeLayout(h.byteCapacity, h.slotCapacity)
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ldmerr.Wrap("pq.Open", ldmerr.Sys, err)
	}
	if fi.Size() < l.totalSize {
		f.Close()
		return nil, ldmerr.New("pq.Open", ldmerr.Corrupt)
	}

	data, err := mapFile(f, int(l.totalSize), readOnly)
	if err != nil {
		f.Close()
		return nil, ldmerr.Wrap("pq.Open", ldmerr.Sys, err)
	}

	q := newQueueHandle(logger, path, f, data, l, flags, readOnly)
	if !readOnly {
		q.mu.Lock()
		h.writerCount++
		q.writeHeaderLocked(h)
		q.mu.Unlock()
	}

	if err := q.recoverReservations(); err != nil {
		unmapFile(data)
		f.Close()
		return nil, err
	}
	q.rebuildCursorIndex()
	restoredBytes := 0
	for i := 0; i < q.slotCapacity; i++ {
		if s := q.getSlot(i); s.state == slotLive {
			restoredBytes += int(s.extent)
		}
	}
	q.observer.Restore(q.cursorIdx.len(), restoredBytes)
	q.logger.Infof("opened queue at %s (products=%d)", path, q.cursorIdx.len())
	return q, nil
}

// recoverReservations implements the crash-consistency contract of
// spec.md §7: any slot left in the RESERVED state by an abnormal
// termination is released back to FREE and its tentative signature
// binding is dropped.
func (q *Queue) recoverReservations() error {
	for i := 0; i < q.slotCapacity; i++ {
		s := q.getSlot(i)
		if s.state == slotReserved {
			q.logger.Warnf("reclaiming abandoned reservation in slot %d", i)
			q.sig.remove(s.signature)
			s.state = slotFree
			q.putSlot(i, s)
		}
	}
	return nil
}

func (q *Queue) getSlot(i int) slot {
	off := q.slotRingOff + i*slotRecordSize
	return unmarshalSlot(q.data[off : off+slotRecordSize])
}

func (q *Queue) putSlot(i int, s slot) {
	off := q.slotRingOff + i*slotRecordSize
	copy(q.data[off:off+slotRecordSize], s.marshal())
}

func (q *Queue) readHeader() header {
	h, err := unmarshalHeader(q.data[:headerSize])
	if err != nil {
		// The header was validated at Open; a failure here indicates
		// concurrent corruption.
		panic(ldmerr.Wrap("pq.readHeader", ldmerr.Corrupt, err))
	}
	return h
}

func (q *Queue) writeHeader() {
	h := q.readHeader()
	h.marshal(q.data[:headerSize])
}

func (q *Queue) writeHeaderLocked(h header) {
	h.marshal(q.data[:headerSize])
}

// Close decrements the writer count (if opened writable) and unmaps the
// file (spec.md §4.1). Returns an ldmerr.Corrupt error if the writer
// count was already zero on entry; the count is then left at zero.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	var err error
	if !q.readOnly {
		h := q.readHeader()
		if h.writerCount == 0 {
			err = ldmerr.New("pq.Close", ldmerr.Corrupt)
		} else {
			h.writerCount--
			q.writeHeaderLocked(h)
		}
	}
	if uerr := unmapFile(q.data); uerr != nil && err == nil {
		err = uerr
	}
	if cerr := q.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	q.closed = true
	return err
}

// Path returns the queue file's path.
func (q *Queue) Path() string { return q.path }

// PageSize returns the fixed 4096-byte page size used to align the data
// area; it is not queried from the host.
func (q *Queue) PageSize() int { return pageAlign(1) }

// DataSize returns the data area capacity in bytes.
func (q *Queue) DataSize() uint64 { return q.readHeader().byteCapacity }

// SlotCount returns the configured slot capacity.
func (q *Queue) SlotCount() int { return q.slotCapacity }

// Highwater returns the maximum bytes-used and slots-used ever observed.
func (q *Queue) Highwater() (bytes uint64, slots uint64) {
	h := q.readHeader()
	return h.highwaterBytes, h.highwaterSlots
}

// WriterCount returns the current writer-count header field.
func (q *Queue) WriterCount() uint32 {
	return q.readHeader().writerCount
}

// ForceResetWriterCount implements the operator "force" contract of
// spec.md §4.8: unconditionally sets writer-count to zero. Callers are
// responsible for having verified no process actually holds the queue
// open for writing.
func (q *Queue) ForceResetWriterCount() {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := q.readHeader()
	h.writerCount = 0
	q.writeHeaderLocked(h)
}

// ClearMinVRT resets the minimum-virtual-residence-time metric to
// "unset" (spec.md §4.1).
func (q *Queue) ClearMinVRT() {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := q.readHeader()
	h.mvrtSet = false
	h.mvrtSeconds = 0
	h.mvrtSize = 0
	h.mvrtSlots = 0
	q.writeHeaderLocked(h)
}

// MinVRT returns the current minimum-virtual-residence-time metric and
// whether it has been set since creation or the last ClearMinVRT.
func (q *Queue) MinVRT() (vrt time.Duration, size uint64, slots uint64, set bool) {
	h := q.readHeader()
	return time.Duration(h.mvrtSeconds) * time.Second, h.mvrtSize, h.mvrtSlots, h.mvrtSet
}

// Stat returns the stats() snapshot from spec.md §4.1.
func (q *Queue) Stat() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	h := q.readHeader()
	var st Stats
	var oldestInsertion time.Time
	haveOldest := false
	emptySlots := 0
	for i := 0; i < q.slotCapacity; i++ {
		s := q.getSlot(i)
		switch s.state {
		case slotEmpty:
			emptySlots++
		case slotFree:
			st.FreeRegions++
			if s.extent > st.LargestFreeExtent {
				st.LargestFreeExtent = s.extent
			}
		case slotLive:
			st.Products++
			st.BytesUsed += s.extent
			t := time.Unix(s.insertionSec, int64(s.insertionUsec)*1000)
			if !haveOldest || t.Before(oldestInsertion) {
				oldestInsertion = t
				haveOldest = true
			}
		}
	}
	st.EmptySlots = emptySlots
	st.MaxBytesUsed = h.highwaterBytes
	if st.BytesUsed > st.MaxBytesUsed {
		st.MaxBytesUsed = st.BytesUsed
	}
	if st.Products > q.maxProducts {
		q.maxProducts = st.Products
	}
	st.MaxProducts = q.maxProducts
	if st.FreeRegions > q.maxFreeRegions {
		q.maxFreeRegions = st.FreeRegions
	}
	st.MaxFreeRegions = q.maxFreeRegions
	if q.minEmptySlots == 0 || emptySlots < q.minEmptySlots {
		q.minEmptySlots = emptySlots
	}
	st.MinEmptySlots = q.minEmptySlots
	if haveOldest {
		st.AgeOfOldest = time.Since(oldestInsertion)
	}
	return st
}

// withLock serializes access for FlagThreadsafe queues; for queues
// opened without it, callers (a single goroutine per process, per
// spec.md §5) are responsible for their own serialization, matching the
// teacher's optional internal mutex around memqueue operations.
func (q *Queue) withLock(fn func()) {
	if q.flags&FlagThreadsafe != 0 {
		q.mu.Lock()
		defer q.mu.Unlock()
	}
	fn()
}

// lockCritical acquires q.mu (intra-process serialization) followed by
// the file-description-scoped exclusive header lock (spec.md §4.2 steps
// 1/5/7/8, §5's "exclusive header lock"). q.mu alone only serializes
// goroutines sharing this one *Queue; the header lock is what makes the
// allocator, slot ring, free list, and signature index mutations safe
// across the separate open file descriptions of two writer processes, or
// two *Queue handles opened independently within one process, the way
// msm.Manager's tableMutex guards its own shared table.
func (q *Queue) lockCritical() error {
	q.mu.Lock()
	if err := q.lm.lockExclusive(headerLockIndex); err != nil {
		q.mu.Unlock()
		return err
	}
	return nil
}

// unlockCritical releases the locks taken by lockCritical, in reverse
// order.
func (q *Queue) unlockCritical() {
	if err := q.lm.unlock(headerLockIndex); err != nil {
		q.logger.Warnf("failed to release header lock: %v", err)
	}
	q.mu.Unlock()
}
