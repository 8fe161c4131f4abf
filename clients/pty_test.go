package clients

import (
	"errors"
	"strings"
	"testing"
	"time"

	"manifold/core"
)

func TestUnknownPtyIDFailures(t *testing.T) {
	pool := NewPtyPool()

	if err := pool.Write("no-such-id", []byte("x")); !errors.Is(err, core.ErrPtyNotFound) {
		t.Errorf("Write on unknown id: expected ErrPtyNotFound, got %v", err)
	}
	if err := pool.Resize("no-such-id", 100, 40); !errors.Is(err, core.ErrPtyNotFound) {
		t.Errorf("Resize on unknown id: expected ErrPtyNotFound, got %v", err)
	}
	if _, err := pool.OnData("no-such-id", func([]byte) {}); !errors.Is(err, core.ErrPtyNotFound) {
		t.Errorf("OnData on unknown id: expected ErrPtyNotFound, got %v", err)
	}
	if _, err := pool.OnExit("no-such-id", func(int) {}); !errors.Is(err, core.ErrPtyNotFound) {
		t.Errorf("OnExit on unknown id: expected ErrPtyNotFound, got %v", err)
	}

	// Kill treats unknown ids as a successful no-op.
	pool.Kill("no-such-id")
}

func TestSpawnAndKillLifecycle(t *testing.T) {
	pool := NewPtyPool()

	handle, err := pool.Spawn(PtySpawnOptions{
		Command: "cat",
		Cwd:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if handle.PID <= 0 {
		t.Errorf("Expected a real PID, got %d", handle.PID)
	}

	found := false
	for _, id := range pool.GetActivePtyIDs() {
		if id == handle.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("Spawned id %s not in active set", handle.ID)
	}

	exited := make(chan int, 1)
	if _, err := pool.OnExit(handle.ID, func(code int) {
		exited <- code
	}); err != nil {
		t.Fatalf("OnExit failed: %v", err)
	}

	pool.Kill(handle.ID)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("Exit listener never fired after Kill")
	}

	// Removal happens right after exit listeners run.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(pool.GetActivePtyIDs()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("PTY %s still tracked after exit", handle.ID)
}

func TestPtyDataRoundTrip(t *testing.T) {
	pool := NewPtyPool()

	handle, err := pool.Spawn(PtySpawnOptions{
		Command: "cat",
		Cwd:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer pool.Kill(handle.ID)

	received := make(chan string, 16)
	if _, err := pool.OnData(handle.ID, func(data []byte) {
		received <- string(data)
	}); err != nil {
		t.Fatalf("OnData failed: %v", err)
	}

	if err := pool.Write(handle.ID, []byte("ping\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var collected strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk := <-received:
			collected.WriteString(chunk)
			if strings.Contains(collected.String(), "ping") {
				return
			}
		case <-deadline:
			t.Fatalf("Never received echoed data, got %q", collected.String())
		}
	}
}

func TestWriteAfterExitFails(t *testing.T) {
	pool := NewPtyPool()

	handle, err := pool.Spawn(PtySpawnOptions{
		Command: "true",
		Cwd:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(pool.GetActivePtyIDs()) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := pool.Write(handle.ID, []byte("x")); !errors.Is(err, core.ErrPtyNotFound) {
		t.Errorf("Write after exit: expected ErrPtyNotFound, got %v", err)
	}
}

func TestKillAll(t *testing.T) {
	pool := NewPtyPool()

	for i := 0; i < 3; i++ {
		if _, err := pool.Spawn(PtySpawnOptions{Command: "cat", Cwd: t.TempDir()}); err != nil {
			t.Fatalf("Spawn %d failed: %v", i, err)
		}
	}

	pool.KillAll()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(pool.GetActivePtyIDs()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("PTYs still tracked after KillAll: %v", pool.GetActivePtyIDs())
}
