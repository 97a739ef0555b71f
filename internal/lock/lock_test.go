package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

func TestMutexMapSerializesPerKey(t *testing.T) {
	m := NewMutexMap()

	var mu sync.Mutex
	order := []int{}
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Lock("task:1")
			defer m.Unlock("task:1")
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(order) != 10 {
		t.Errorf("got %d entries, want 10", len(order))
	}
}

func TestMutexMapIndependentKeys(t *testing.T) {
	m := NewMutexMap()

	m.Lock("a")
	// A different key must not block.
	done := make(chan struct{})
	go func() {
		m.Lock("b")
		m.Unlock("b")
		close(done)
	}()
	<-done
	m.Unlock("a")
}

func TestFileLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	fl := NewFileLock(path)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	// Lock file records our PID.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid != os.Getpid() {
		t.Errorf("lock file pid = %q, want %d", data, os.Getpid())
	}

	if err := fl.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be removed after unlock")
	}

	// Reacquire after release.
	if err := fl.TryLock(); err != nil {
		t.Fatalf("second TryLock: %v", err)
	}
	fl.Unlock()
}

func TestFileLockUnlockWithoutLock(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "daemon.lock"))
	if err := fl.Unlock(); err != nil {
		t.Errorf("Unlock without lock should be a no-op, got %v", err)
	}
}
