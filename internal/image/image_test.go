package image

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackedImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minildr.img")
	want := []byte("hello boot firmware payload")
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	img := NewFromPath(path)
	if err := img.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Name() != "minildr.img" {
		t.Errorf("Name() = %q, want minildr.img", img.Name())
	}
	if img.Size() != uint32(len(want)) {
		t.Errorf("Size() = %d, want %d", img.Size(), len(want))
	}

	buf := make([]byte, 8)
	var got []byte
	for {
		n, err := img.GetDataBlock(buf)
		if err != nil {
			t.Fatalf("GetDataBlock: %v", err)
		}
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != string(want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if err := img.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestSyntheticImage(t *testing.T) {
	img := NewSynthetic("06_IMAGE", []byte("1-2.3"))
	if err := img.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	buf := make([]byte, 16)
	n, err := img.GetDataBlock(buf)
	if err != nil {
		t.Fatalf("GetDataBlock: %v", err)
	}
	if string(buf[:n]) != "1-2.3" {
		t.Errorf("got %q, want 1-2.3", buf[:n])
	}
	n, err = img.GetDataBlock(buf)
	if err != nil {
		t.Fatalf("GetDataBlock second read: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 bytes after exhaustion, got %d", n)
	}
}
