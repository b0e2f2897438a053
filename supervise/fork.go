package supervise

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// ForkExecOptions configures ForkExec's child process.
type ForkExecOptions struct {
	// Path is the program to exec.
	Path string
	// Args are passed to the program, not including argv[0].
	Args []string
	// ExtraFiles are inherited by the child beyond stdin/stdout/stderr,
	// used to hand the already-open queue file descriptor across the
	// fork/exec boundary (spec.md §4.8: "inherits the queue mapping").
	ExtraFiles []*os.File
	// RunAsUID/RunAsGID drop privilege in the child when the current
	// process is effectively root and RunAsUID is non-zero (spec.md §4.8).
	RunAsUID, RunAsGID int
}

// ForkExec starts a child process per the spec.md §4.8 fork helper
// contract: the child gets default signal dispositions (Go's exec.Cmd
// already execs into a process with reset handlers, since signal
// dispositions are a per-program construct, not inherited across exec),
// switches to RunAsUID/RunAsGID when the parent is running as root and
// RunAsUID is non-zero (otherwise it keeps the parent's credentials), and
// inherits ExtraFiles by fd number starting at 3. It does not block; the
// caller reaps the child via SIGCHLD (Skeleton.Handlers.Reap).
func ForkExec(opts ForkExecOptions) (*os.Process, error) {
	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = opts.ExtraFiles

	if os.Geteuid() == 0 && opts.RunAsUID != 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{
				Uid: uint32(opts.RunAsUID),
				Gid: uint32(opts.RunAsGID),
			},
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervise: fork/exec %s: %w", opts.Path, err)
	}
	return cmd.Process, nil
}

// FDEnv formats the fd number an ExtraFiles entry will appear at in the
// child (os/exec always places ExtraFiles starting at fd 3), for passing
// to the child via argv or environment so it knows which fd to re-mmap.
func FDEnv(extraFilesIndex int) string {
	return strconv.Itoa(3 + extraFilesIndex)
}
