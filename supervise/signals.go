// Package supervise implements the process-wide signal contract and
// fork/privilege-drop helper shared by every LDM-Go daemon (C8, spec.md
// §4.8), grounded on the teacher's cmd/instance process lifecycle
// (service.BeforeRun/service.Cleanup) extended with the richer
// multi-signal dispatch spec.md §4.8 asks for beyond the teacher's
// single stop-signal pattern.
package supervise

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/elastic/elastic-agent-libs/logp"
	"golang.org/x/sys/unix"
)

// Handlers groups the callbacks a daemon supplies for each signal in the
// contract. Any nil field is treated as a no-op.
type Handlers struct {
	// Reload is invoked on SIGHUP (re-open log destination, re-read
	// config/action tables).
	Reload func()
	// RotateLogs is invoked on SIGUSR1.
	RotateLogs func()
	// StepVerbosity is invoked on SIGUSR2 (wraps back to the base level).
	StepVerbosity func()
	// Reap is invoked on SIGCHLD with the reaped pid and wait status.
	Reap func(pid int, status unix.WaitStatus)
}

// Skeleton wires os/signal against the spec.md §4.8 contract: SIGTERM and
// SIGINT set a termination flag observable via Done/Terminating; SIGHUP,
// SIGUSR1, SIGUSR2 invoke the matching Handlers callback; SIGCONT is a
// pure wakeup (pq.suspendForSignal) and needs no handler here; SIGPIPE is
// ignored; SIGALRM is reserved for future deadline support and ignored
// for now; SIGCHLD reaps via Handlers.Reap.
type Skeleton struct {
	logger *logp.Logger
	h      Handlers

	terminating atomic.Bool
	done        chan struct{}
	doneOnce    sync.Once

	sigCh chan os.Signal
	stop  chan struct{}
}

// New builds a Skeleton and starts its signal-dispatch goroutine.
func New(logger *logp.Logger, h Handlers) *Skeleton {
	if logger == nil {
		logger = logp.NewLogger("supervise")
	}
	s := &Skeleton{
		logger: logger,
		h:      h,
		done:   make(chan struct{}),
		sigCh:  make(chan os.Signal, 16),
		stop:   make(chan struct{}),
	}
	signal.Notify(s.sigCh,
		unix.SIGTERM, unix.SIGINT,
		unix.SIGHUP, unix.SIGUSR1, unix.SIGUSR2,
		unix.SIGPIPE, unix.SIGALRM, unix.SIGCHLD,
	)
	go s.loop()
	return s
}

func (s *Skeleton) loop() {
	for {
		select {
		case sig := <-s.sigCh:
			s.dispatch(sig)
		case <-s.stop:
			signal.Stop(s.sigCh)
			return
		}
	}
}

func (s *Skeleton) dispatch(sig os.Signal) {
	switch sig {
	case unix.SIGTERM, unix.SIGINT:
		s.logger.Infof("received %s, finishing current work and shutting down", sig)
		s.terminate()
	case unix.SIGHUP:
		s.logger.Infof("received SIGHUP, reloading")
		if s.h.Reload != nil {
			s.h.Reload()
		}
	case unix.SIGUSR1:
		s.logger.Infof("received SIGUSR1, rotating logs")
		if s.h.RotateLogs != nil {
			s.h.RotateLogs()
		}
	case unix.SIGUSR2:
		if s.h.StepVerbosity != nil {
			s.h.StepVerbosity()
		}
	case unix.SIGPIPE:
		// Ignored: a broken RPC/multicast pipe surfaces as a normal
		// write error on the socket, not a fatal signal.
	case unix.SIGALRM:
		// Reserved for a future deadline/alarm primitive; no-op today.
	case unix.SIGCHLD:
		s.reapChildren()
	}
}

func (s *Skeleton) reapChildren() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		if s.h.Reap != nil {
			s.h.Reap(pid, status)
		}
	}
}

// Terminating reports whether SIGTERM/SIGINT has been received.
func (s *Skeleton) Terminating() bool { return s.terminating.Load() }

// Done returns a channel closed once termination has been requested.
func (s *Skeleton) Done() <-chan struct{} { return s.done }

func (s *Skeleton) terminate() {
	s.terminating.Store(true)
	s.doneOnce.Do(func() { close(s.done) })
}

// Close stops the signal-dispatch goroutine. It does not itself terminate
// the process; callers drain Done() and exit their own loops.
func (s *Skeleton) Close() {
	close(s.stop)
}
