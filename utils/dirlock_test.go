package utils

import (
	"testing"
)

func TestDirLockAcquireRelease(t *testing.T) {
	dir := t.TempDir()

	lock := NewDirLock(dir)
	locked, err := lock.TryLock()
	if err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	if !locked {
		t.Fatal("Expected to acquire the lock")
	}

	// A second lock on the same directory must be refused while held.
	other := NewDirLock(dir)
	locked, err = other.TryLock()
	if err != nil {
		t.Fatalf("Second TryLock errored: %v", err)
	}
	if locked {
		t.Fatal("Second lock acquired while first still held")
	}

	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	locked, err = other.TryLock()
	if err != nil {
		t.Fatalf("TryLock after release errored: %v", err)
	}
	if !locked {
		t.Fatal("Expected to acquire the lock after release")
	}
	if err := other.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
}

func TestDirLocksForDifferentDirsAreIndependent(t *testing.T) {
	lockA := NewDirLock(t.TempDir())
	lockB := NewDirLock(t.TempDir())

	lockedA, err := lockA.TryLock()
	if err != nil || !lockedA {
		t.Fatalf("Lock A: locked=%v err=%v", lockedA, err)
	}
	defer lockA.Unlock()

	lockedB, err := lockB.TryLock()
	if err != nil || !lockedB {
		t.Fatalf("Lock B: locked=%v err=%v", lockedB, err)
	}
	defer lockB.Unlock()
}
