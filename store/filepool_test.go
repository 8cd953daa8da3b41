package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHandlePoolWriter(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "handlepool-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	pool := newWriterPool(3)
	defer pool.closeAll()

	path := filepath.Join(tmpDir, "file1.dat")
	f, err := pool.acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	again, err := pool.acquire(path)
	if err != nil {
		t.Fatalf("acquire again: %v", err)
	}
	if again != f {
		t.Error("second acquire should return the cached handle")
	}
	if _, err := again.Write([]byte(" world")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if pool.size() != 1 {
		t.Errorf("size = %d, want 1", pool.size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("file contents = %q", data)
	}
}

func TestHandlePoolEviction(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "handlepool-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	pool := newWriterPool(2)
	defer pool.closeAll()

	paths := make([]string, 3)
	for i := 0; i < 3; i++ {
		paths[i] = filepath.Join(tmpDir, "file"+string(rune('a'+i))+".dat")
		if _, err := pool.acquire(paths[i]); err != nil {
			t.Fatalf("acquire %s: %v", paths[i], err)
		}
	}

	if pool.size() != 2 {
		t.Errorf("size = %d after eviction, want 2", pool.size())
	}

	pool.mu.Lock()
	_, firstExists := pool.entries[paths[0]]
	pool.mu.Unlock()
	if firstExists {
		t.Error("least recently used handle should have been evicted")
	}

	// An evicted path reopens on demand; O_APPEND keeps its writes at
	// the end regardless of the reopen.
	f, err := pool.acquire(paths[0])
	if err != nil {
		t.Fatalf("re-acquire evicted path: %v", err)
	}
	if _, err := f.Write([]byte("back")); err != nil {
		t.Fatalf("Write after re-acquire: %v", err)
	}
}

func TestHandlePoolLRUOrder(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "handlepool-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	pool := newWriterPool(2)
	defer pool.closeAll()

	a := filepath.Join(tmpDir, "a.dat")
	b := filepath.Join(tmpDir, "b.dat")
	c := filepath.Join(tmpDir, "c.dat")

	for _, p := range []string{a, b} {
		if _, err := pool.acquire(p); err != nil {
			t.Fatalf("acquire %s: %v", p, err)
		}
	}
	// Touch a so b becomes the eviction candidate.
	if _, err := pool.acquire(a); err != nil {
		t.Fatalf("re-acquire a: %v", err)
	}
	if _, err := pool.acquire(c); err != nil {
		t.Fatalf("acquire c: %v", err)
	}

	pool.mu.Lock()
	_, aExists := pool.entries[a]
	_, bExists := pool.entries[b]
	pool.mu.Unlock()
	if !aExists {
		t.Error("recently touched handle was evicted")
	}
	if bExists {
		t.Error("stale handle survived eviction")
	}
}

func TestHandlePoolRemove(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "handlepool-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	pool := newWriterPool(10)
	defer pool.closeAll()

	path := filepath.Join(tmpDir, "remove-test.dat")
	if _, err := pool.acquire(path); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if pool.size() != 1 {
		t.Error("size should be 1 before remove")
	}

	if err := pool.remove(path); err != nil {
		t.Errorf("remove: %v", err)
	}
	if pool.size() != 0 {
		t.Error("size should be 0 after remove")
	}

	if err := pool.remove("/nonexistent"); err != nil {
		t.Errorf("remove of an unpooled path should not error: %v", err)
	}
}

func TestHandlePoolReader(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "handlepool-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "test.dat")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	pool := newReaderPool(10)
	defer pool.closeAll()

	f, err := pool.acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Pooled readers are shared, so all reads go through ReadAt.
	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, 6); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("ReadAt = %q", buf)
	}

	f2, err := pool.acquire(path)
	if err != nil {
		t.Fatalf("acquire again: %v", err)
	}
	if f2 != f {
		t.Error("second acquire should return the cached handle")
	}

	if _, err := pool.acquire(filepath.Join(tmpDir, "missing.dat")); err == nil {
		t.Error("reader pool should fail on a missing file")
	}
}
