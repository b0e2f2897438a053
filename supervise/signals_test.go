package supervise

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSkeletonTerminatesOnSIGTERM(t *testing.T) {
	s := New(nil, Handlers{})
	defer s.Close()

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGTERM))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Skeleton did not observe SIGTERM")
	}
	require.True(t, s.Terminating())
}

func TestSkeletonInvokesReloadOnSIGHUP(t *testing.T) {
	reloaded := make(chan struct{}, 1)
	s := New(nil, Handlers{Reload: func() { reloaded <- struct{}{} }})
	defer s.Close()

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGHUP))

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("Reload was not invoked on SIGHUP")
	}
}

func TestSkeletonStepsVerbosityOnSIGUSR2(t *testing.T) {
	steps := make(chan struct{}, 1)
	s := New(nil, Handlers{StepVerbosity: func() { steps <- struct{}{} }})
	defer s.Close()

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR2))

	select {
	case <-steps:
	case <-time.After(2 * time.Second):
		t.Fatal("StepVerbosity was not invoked on SIGUSR2")
	}
}
