package msm

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/elastic/elastic-agent-libs/logp"

	"github.com/ldmgo/ldm/internal/ldmerr"
	"github.com/ldmgo/ldm/supervise"
)

// Result is AddPotential's outcome (spec.md §4.6: "OK / DUP / SYS").
type Result int

const (
	// OK indicates the entry was registered cleanly.
	OK Result = iota
	// DUP indicates an existing entry conflicts with the proposed one.
	DUP
	// SYS indicates a system-level failure (table full, I/O error).
	SYS
)

// Spawner describes how to fork/exec the multicast sender child process
// for one feedtype (spec.md §4.6). portFD is the fd number (relative to
// the child) it must write its bound TCP port to as a little-endian
// uint16 before it starts serving.
type Spawner func(portFD int) (path string, args []string)

// Manager owns the shared-memory potential-sender table (spec.md §4.6,
// §5: "kept in shared memory so that all supervisors observe the same
// set").
type Manager struct {
	logger *logp.Logger
	file   *os.File
	data   []byte
	mu     tableMutex
	cap    int
}

// Open maps (creating if absent) the shared entry table at path, sized
// for capacity feedtypes.
func Open(logger *logp.Logger, path string, capacity int) (*Manager, error) {
	if logger == nil {
		logger = logp.NewLogger("msm")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("msm: open %s: %w", path, err)
	}
	size := capacity * entrySize
	if st, statErr := f.Stat(); statErr == nil && st.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("msm: truncate %s: %w", path, err)
		}
	}
	data, err := mapFile(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Manager{logger: logger, file: f, data: data, mu: tableMutex{fd: int(f.Fd())}, cap: capacity}, nil
}

// Close unmaps and closes the table file.
func (m *Manager) Close() error {
	if err := unmapFile(m.data); err != nil {
		return err
	}
	return m.file.Close()
}

func (m *Manager) entryAt(i int) Entry {
	return unmarshalEntry(m.data[i*entrySize : (i+1)*entrySize])
}

func (m *Manager) putEntryAt(i int, e Entry) {
	copy(m.data[i*entrySize:(i+1)*entrySize], e.marshal())
}

// AddPotential registers a potential sender (spec.md §4.6). Callers hold
// no other lock; AddPotential takes the table mutex itself.
func (m *Manager) AddPotential(e Entry) (Result, error) {
	if err := m.mu.lock(); err != nil {
		return SYS, fmt.Errorf("msm: lock: %w", err)
	}
	defer m.mu.unlock()

	free := -1
	for i := 0; i < m.cap; i++ {
		existing := m.entryAt(i)
		if existing.state == entryEmpty {
			if free == -1 {
				free = i
			}
			continue
		}
		if conflicts(existing, e) {
			return DUP, nil
		}
	}
	if free == -1 {
		return SYS, ldmerr.New("msm.AddPotential", ldmerr.NoRoom)
	}
	e.state = entryLive
	m.putEntryAt(free, e)
	return OK, nil
}

// EnsureRunning implements spec.md §4.6's ensure_running: if no live
// sender for feedtype exists, it spawns one via spawner, reads its
// TCP port back over a pipe, and records (feedtype → pid) under the
// table's exclusive lock. Nothing is recorded until the port has been
// read; if it cannot be read, the child is sent SIGTERM and an error is
// returned.
func (m *Manager) EnsureRunning(feedtype uint32, spawner Spawner) (Entry, error) {
	if err := m.mu.lock(); err != nil {
		return Entry{}, fmt.Errorf("msm: lock: %w", err)
	}

	for i := 0; i < m.cap; i++ {
		existing := m.entryAt(i)
		if existing.state != entryLive || existing.Feedtype&feedtype == 0 {
			continue
		}
		if kill0(existing.PID) {
			m.mu.unlock()
			return existing, nil
		}
		// Stale: the recorded sender is no longer alive.
		m.putEntryAt(i, Entry{})
	}

	free := -1
	for i := 0; i < m.cap; i++ {
		if m.entryAt(i).state == entryEmpty {
			free = i
			break
		}
	}
	if free == -1 {
		m.mu.unlock()
		return Entry{}, ldmerr.New("msm.EnsureRunning", ldmerr.NoRoom)
	}
	m.mu.unlock()

	pid, port, err := m.spawn(spawner)
	if err != nil {
		return Entry{}, fmt.Errorf("msm: spawn: %w", err)
	}

	if err := m.mu.lock(); err != nil {
		return Entry{}, fmt.Errorf("msm: lock: %w", err)
	}
	defer m.mu.unlock()

	entry := Entry{Feedtype: feedtype, Port: port, PID: pid, state: entryLive}
	m.putEntryAt(free, entry)
	m.logger.Infof("registered multicast sender pid=%d feedtype=%#x port=%d", pid, feedtype, port)
	return entry, nil
}

// spawn forks the sender, reading its bound port back over a pipe.
func (m *Manager) spawn(spawner Spawner) (pid int32, port uint16, err error) {
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return 0, 0, err
	}
	defer readEnd.Close()

	childFD := 3 // os/exec.ExtraFiles always starts the child's inherited fds at 3
	path, args := spawner(childFD)
	proc, err := supervise.ForkExec(supervise.ForkExecOptions{
		Path:       path,
		Args:       args,
		ExtraFiles: []*os.File{writeEnd},
	})
	writeEnd.Close()
	if err != nil {
		return 0, 0, err
	}

	portBuf := make([]byte, 2)
	readEnd.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := readEnd.Read(portBuf); err != nil {
		_ = proc.Signal(syscall.SIGTERM)
		return 0, 0, fmt.Errorf("msm: reading port from sender: %w", err)
	}
	return int32(proc.Pid), binary.LittleEndian.Uint16(portBuf), nil
}

// Terminated implements spec.md §4.6: the top-level supervisor calls this
// on SIGCHLD, removing pid's entry.
func (m *Manager) Terminated(pid int32) error {
	if err := m.mu.lock(); err != nil {
		return fmt.Errorf("msm: lock: %w", err)
	}
	defer m.mu.unlock()

	for i := 0; i < m.cap; i++ {
		if e := m.entryAt(i); e.state == entryLive && e.PID == pid {
			m.putEntryAt(i, Entry{})
			return nil
		}
	}
	return nil
}

// List returns every live entry, pruning stale ones whose pid is no
// longer alive.
func (m *Manager) List() ([]Entry, error) {
	if err := m.mu.lock(); err != nil {
		return nil, fmt.Errorf("msm: lock: %w", err)
	}
	defer m.mu.unlock()

	var out []Entry
	for i := 0; i < m.cap; i++ {
		e := m.entryAt(i)
		if e.state != entryLive {
			continue
		}
		if !kill0(e.PID) {
			m.putEntryAt(i, Entry{})
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
