package clients

import (
	"io"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"manifold/core"
	"manifold/core/log"
)

const (
	defaultPtyCols = 80
	defaultPtyRows = 24
)

// PtyHandle identifies a spawned pseudo-terminal process.
type PtyHandle struct {
	ID  string
	PID int
}

// PtySpawnOptions describes a process to run inside a new pseudo-terminal.
type PtySpawnOptions struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
	Cols    uint16
	Rows    uint16
}

// DataListener receives raw terminal output chunks for a PTY.
type DataListener func(data []byte)

// ExitListener is notified when a PTY's process exits.
type ExitListener func(exitCode int)

type poolEntry struct {
	id            string
	cmd           *exec.Cmd
	file          io.ReadWriteCloser
	resize        func(cols, rows uint16) error
	killed        bool
	nextSubID     int
	dataListeners map[int]DataListener
	exitListeners map[int]ExitListener
}

// PtyPool owns the set of running pseudo-terminal processes and provides
// identity-based access to them. All methods are safe for concurrent use.
type PtyPool struct {
	mu   sync.RWMutex
	ptys map[string]*poolEntry
}

func NewPtyPool() *PtyPool {
	return &PtyPool{
		ptys: make(map[string]*poolEntry),
	}
}

// Spawn starts a process attached to a new pseudo-terminal and registers it
// in the pool. The terminal defaults to 80x24 and TERM=xterm-256color unless
// the caller's env overrides it.
func (p *PtyPool) Spawn(opts PtySpawnOptions) (PtyHandle, error) {
	cols := opts.Cols
	rows := opts.Rows
	if cols == 0 {
		cols = defaultPtyCols
	}
	if rows == 0 {
		rows = defaultPtyRows
	}

	env := make(map[string]string, len(opts.Env)+1)
	env["TERM"] = "xterm-256color"
	for k, v := range opts.Env {
		env[k] = v
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = BuildAgentEnv(env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return PtyHandle{}, err
	}

	id := uuid.NewString()
	entry := &poolEntry{
		id:   id,
		cmd:  cmd,
		file: ptmx,
		resize: func(cols, rows uint16) error {
			return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
		},
		dataListeners: make(map[int]DataListener),
		exitListeners: make(map[int]ExitListener),
	}

	p.mu.Lock()
	p.ptys[id] = entry
	p.mu.Unlock()

	log.Info("📋 Spawned PTY %s: %s (cwd=%s, %dx%d)", id, opts.Command, opts.Cwd, cols, rows)

	go p.readLoop(entry)

	return PtyHandle{ID: id, PID: cmd.Process.Pid}, nil
}

// readLoop drains terminal output, fanning chunks out to data listeners,
// then reaps the process and notifies exit listeners. Exit listeners fire
// before the entry is removed from the pool.
func (p *PtyPool) readLoop(entry *poolEntry) {
	buf := make([]byte, 4096)
	for {
		n, err := entry.file.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			for _, l := range p.snapshotDataListeners(entry.id) {
				l(chunk)
			}
		}
		if err != nil {
			// EIO is the normal end-of-stream signal when the child
			// closes its side of the terminal.
			break
		}
	}

	exitCode := 0
	if err := entry.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	_ = entry.file.Close()

	log.Info("📋 PTY %s exited with code %d", entry.id, exitCode)

	for _, l := range p.snapshotExitListeners(entry.id) {
		l(exitCode)
	}

	p.mu.Lock()
	delete(p.ptys, entry.id)
	p.mu.Unlock()
}

func (p *PtyPool) snapshotDataListeners(ptyID string) []DataListener {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.ptys[ptyID]
	if !ok {
		return nil
	}
	listeners := make([]DataListener, 0, len(entry.dataListeners))
	for _, l := range entry.dataListeners {
		listeners = append(listeners, l)
	}
	return listeners
}

func (p *PtyPool) snapshotExitListeners(ptyID string) []ExitListener {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.ptys[ptyID]
	if !ok {
		return nil
	}
	listeners := make([]ExitListener, 0, len(entry.exitListeners))
	for _, l := range entry.exitListeners {
		listeners = append(listeners, l)
	}
	return listeners
}

// OnData subscribes to terminal output from one PTY. Multiple listeners per
// PTY are supported. Returns an unsubscribe function.
func (p *PtyPool) OnData(ptyID string, listener DataListener) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.ptys[ptyID]
	if !ok {
		return nil, core.ErrPtyNotFound
	}
	subID := entry.nextSubID
	entry.nextSubID++
	entry.dataListeners[subID] = listener
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if e, ok := p.ptys[ptyID]; ok {
			delete(e.dataListeners, subID)
		}
	}, nil
}

// OnExit subscribes to the PTY's process exit. Listeners fire before the
// PTY is removed from the active set.
func (p *PtyPool) OnExit(ptyID string, listener ExitListener) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.ptys[ptyID]
	if !ok {
		return nil, core.ErrPtyNotFound
	}
	subID := entry.nextSubID
	entry.nextSubID++
	entry.exitListeners[subID] = listener
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if e, ok := p.ptys[ptyID]; ok {
			delete(e.exitListeners, subID)
		}
	}, nil
}

// Write sends input to the PTY's stdin.
func (p *PtyPool) Write(ptyID string, data []byte) error {
	p.mu.RLock()
	entry, ok := p.ptys[ptyID]
	p.mu.RUnlock()
	if !ok {
		return core.ErrPtyNotFound
	}
	_, err := entry.file.Write(data)
	return err
}

// Resize changes the PTY's terminal dimensions.
func (p *PtyPool) Resize(ptyID string, cols, rows uint16) error {
	p.mu.RLock()
	entry, ok := p.ptys[ptyID]
	p.mu.RUnlock()
	if !ok {
		return core.ErrPtyNotFound
	}
	return entry.resize(cols, rows)
}

// Kill terminates the PTY's process. Killing an unknown or already-exited
// PTY is a no-op; exit listeners fire through the normal read-loop path.
func (p *PtyPool) Kill(ptyID string) {
	p.mu.Lock()
	entry, ok := p.ptys[ptyID]
	if ok && !entry.killed {
		entry.killed = true
	} else {
		ok = false
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if entry.cmd.Process != nil {
		if err := entry.cmd.Process.Kill(); err != nil {
			log.Warn("⚠️ Failed to kill PTY %s process: %v", ptyID, err)
		}
	}
}

// GetActivePtyIDs lists the IDs of PTYs whose processes have not exited.
func (p *PtyPool) GetActivePtyIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.ptys))
	for id := range p.ptys {
		ids = append(ids, id)
	}
	return ids
}

// KillAll terminates every PTY in the pool. Used during shutdown.
func (p *PtyPool) KillAll() {
	for _, id := range p.GetActivePtyIDs() {
		p.Kill(id)
	}
}
