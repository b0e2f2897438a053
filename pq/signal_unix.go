//go:build linux

package pq

import (
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
)

// signalGroup raises SIGCONT across the caller's process group, the
// producer-side half of the wakeup contract in spec.md §4.2 step 8 and
// §4.3 ("suspend"): committing a product wakes every suspended reader in
// the group with no further coordination required.
func signalGroup() error {
	return unix.Kill(0, unix.SIGCONT)
}

// suspendForSignal is the consumer-side half: block until SIGCONT arrives
// or timeout elapses, whichever comes first. A zero timeout blocks
// indefinitely. Per spec.md §5, a return here is not a promise that new
// data exists; callers must re-run their sequence and loop.
func suspendForSignal(timeout time.Duration) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGCONT)
	defer signal.Stop(ch)

	if timeout <= 0 {
		<-ch
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
	return nil
}
