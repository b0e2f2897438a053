// Package downstream implements the Downstream Coordinator (DLDM, C5,
// spec.md §4.5): the multicast receiver, backstop requester, and backlog
// requester sub-tasks that keep one feed subscription's queue contents
// in sync with its upstream.
package downstream

import (
	"time"

	"github.com/ldmgo/ldm/internal/xdr"
)

// FMTPReceiver is the external FMTP reliability-layer collaborator
// (spec.md §4.5, out of scope to implement here): the multicast sender
// and its wire protocol are a separate system component. DLDM only
// implements the three callbacks it drives.
type FMTPReceiver interface {
	// BeginOfProduct is called when a new product's header has arrived
	// over multicast. The coordinator reserves room and returns a write
	// pointer, or indicates the product is a duplicate.
	BeginOfProduct(size uint32, signature xdr.Signature) (writePointer []byte, dup bool, err error)
	// EndOfProduct is called once the product's bytes have all arrived.
	EndOfProduct(index uint64, duration time.Duration, retransmitted bool) error
	// MissedProduct is called when FMTP detects a gap in the sequence.
	MissedProduct(index uint64) error
}
