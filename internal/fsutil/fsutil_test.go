package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListImagesFiltersAndSorts(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"b.jpg", "a.fits", "notes.txt", "sub/c.PNG"} {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := ListImages(root)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{
		filepath.Join(root, "a.fits"),
		filepath.Join(root, "b.jpg"),
		filepath.Join(root, "sub", "c.PNG"),
	}
	if len(files) != len(want) {
		t.Fatalf("got %v want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("index %d: got %s want %s", i, files[i], want[i])
		}
	}

	raw, processed := SeparateRawAndProcessed(files)
	if len(raw) != 1 || len(processed) != 2 {
		t.Fatalf("unexpected split raw=%v processed=%v", raw, processed)
	}
}

func TestAtomicWriteReplacesAndSetsMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.bin")
	if err := AtomicWrite(path, []byte("one"), 0600); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := AtomicWrite(path, []byte("two"), 0644); err != nil {
		t.Fatalf("second write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "two" {
		t.Fatalf("read back %q err=%v", data, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0644 {
		t.Fatalf("mode %v", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestDiskFreePercent(t *testing.T) {
	pct, err := DiskFreePercent(t.TempDir())
	if err != nil {
		t.Fatalf("statfs: %v", err)
	}
	if pct < 0 || pct > 100 {
		t.Fatalf("percent out of range: %f", pct)
	}
}
