package supervise

import (
	"github.com/ldmgo/ldm/pq"
)

// CheckWriterCount implements the operator `force`-reset contract of
// spec.md §4.8 and §6 (CLI exit code 3, "writer-counter non-zero"): it
// reports whether the queue's writer-count is already zero, so a caller
// can refuse to force-reset a queue that genuinely still has a writer.
func CheckWriterCount(q *pq.Queue) (count uint32, clean bool) {
	count = q.WriterCount()
	return count, count == 0
}

// ForceReset unconditionally zeroes the writer-count, the last-resort
// operator action after CheckWriterCount has been used to confirm (by
// some out-of-band means, e.g. no process holding the file open) that no
// writer is actually live.
func ForceReset(q *pq.Queue) error {
	if _, clean := CheckWriterCount(q); clean {
		return nil
	}
	q.ForceResetWriterCount()
	return nil
}
