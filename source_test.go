package regionview

import (
	"archive/zip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeTestZip(t *testing.T, entries map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pages.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if data != nil {
			w.Write(data)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestArchiveSources(t *testing.T) {
	page2 := testPNG(t, 4, 4)
	path := writeTestZip(t, map[string][]byte{
		"page10.png":    testPNG(t, 2, 2),
		"page2.png":     page2,
		"notes.txt":     []byte("hello"),
		"dir/":          nil,
		"dir/page1.png": testPNG(t, 1, 1),
	})

	names, err := ListArchiveImages(path)
	if err != nil {
		t.Fatalf("ListArchiveImages failed: %v", err)
	}
	if want := []string{"dir/page1.png", "page2.png", "page10.png"}; !reflect.DeepEqual(names, want) {
		t.Errorf("Expected %v, got %v", want, names)
	}

	location := path + ":page2.png"
	src, err := OpenSource(location, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("OpenSource failed: %v", err)
	}
	defer src.Close()
	if src.Name() != location {
		t.Errorf("Expected name %q, got %q", location, src.Name())
	}
	got, err := io.ReadAll(src)
	if err != nil || !reflect.DeepEqual(got, page2) {
		t.Errorf("Entry content mismatch (%v)", err)
	}

	if _, err := OpenSource(path+":missing.png", nil, DefaultConfig()); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Expected ErrEntryNotFound, got %v", err)
	}
}

func TestOpenSourceLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.png")
	data := testPNG(t, 3, 3)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenSource(path, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("OpenSource failed: %v", err)
	}
	defer src.Close()
	if src.Name() != path {
		t.Errorf("Expected name %q, got %q", path, src.Name())
	}

	if _, err := OpenSource(filepath.Join(t.TempDir(), "nope.png"), nil, DefaultConfig()); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func TestUnsupportedArchive(t *testing.T) {
	if _, err := ListArchiveImages("pages.tar"); err == nil {
		t.Error("Expected error for an unsupported archive")
	}
}

func TestSplitArchivePath(t *testing.T) {
	tests := []struct {
		in      string
		archive string
		entry   string
		ok      bool
	}{
		{"book.zip:001.png", "book.zip", "001.png", true},
		{"a/B.ZIP:dir/x.png", "a/B.ZIP", "dir/x.png", true},
		{"set.7z:a.jpg", "set.7z", "a.jpg", true},
		{"scan.rar:y.gif", "scan.rar", "y.gif", true},
		{"book.zip", "", "", false},
		{"book.zip:", "", "", false},
		{"c:/pics/a.png", "", "", false},
	}
	for _, tt := range tests {
		archive, entry, ok := SplitArchivePath(tt.in)
		if archive != tt.archive || entry != tt.entry || ok != tt.ok {
			t.Errorf("SplitArchivePath(%q) = %q, %q, %v; want %q, %q, %v",
				tt.in, archive, entry, ok, tt.archive, tt.entry, tt.ok)
		}
	}
}

func TestFileKinds(t *testing.T) {
	for name, want := range map[string]bool{"a.ZIP": true, "a.7z": true, "a.rar": true, "a.cbz": false, "a.png": false} {
		if got := IsArchive(name); got != want {
			t.Errorf("IsArchive(%q) = %v", name, got)
		}
	}
	for name, want := range map[string]bool{"a.TIFF": true, "a.jpeg": true, "a.webp": true, "a.txt": false, "a": false} {
		if got := IsSupportedImage(name); got != want {
			t.Errorf("IsSupportedImage(%q) = %v", name, got)
		}
	}
}
