package regionview

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/maruel/natural"
	"github.com/nwaples/rardecode"
	"github.com/valyala/fasthttp"
)

// Source is a seekable image byte stream with a display name.
type Source interface {
	io.ReadSeekCloser
	Name() string
}

var (
	supportedImageExts = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
		".bmp": true, ".webp": true, ".tif": true, ".tiff": true,
	}
	archiveExts = []string{".zip", ".rar", ".7z"}
)

// ErrEntryNotFound is returned when an archive has no entry with the
// requested name.
var ErrEntryNotFound = errors.New("regionview: archive entry not found")

type memSource struct {
	*bytes.Reader
	name string
}

func (m memSource) Name() string { return m.name }
func (m memSource) Close() error { return nil }

type httpSource struct {
	*HTTPRangeReader
}

func (h httpSource) Name() string { return h.url }

// NewMemorySource wraps in-memory bytes as a Source.
func NewMemorySource(name string, data []byte) Source {
	return memSource{Reader: bytes.NewReader(data), name: name}
}

// OpenSource opens a local path, an http(s) URL, or an archive entry written
// as "archive.zip:dir/page.png" (zip, rar and 7z). Remote files are read with
// range requests; archive entries are buffered in memory.
func OpenSource(location string, client *fasthttp.Client, cfg Config) (Source, error) {
	cfg = cfg.withDefaults()

	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		rr, err := NewHTTPRangeReader(location, client, cfg.ReadAheadKB*1024)
		if err != nil {
			return nil, err
		}
		return httpSource{rr}, nil
	}

	if archivePath, entry, ok := SplitArchivePath(location); ok {
		data, err := readArchiveEntry(archivePath, entry)
		if err != nil {
			return nil, err
		}
		return NewMemorySource(location, data), nil
	}

	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", location, err)
	}
	return f, nil
}

// SplitArchivePath splits "book.cbz.zip:001.png" style locations. ok is false
// when location does not name an entry inside a supported archive.
func SplitArchivePath(location string) (archivePath, entry string, ok bool) {
	lower := strings.ToLower(location)
	for _, ext := range archiveExts {
		if i := strings.Index(lower, ext+":"); i >= 0 {
			cut := i + len(ext)
			if entry = location[cut+1:]; entry != "" {
				return location[:cut], entry, true
			}
		}
	}
	return "", "", false
}

// IsArchive reports whether path has a supported archive extension.
func IsArchive(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, a := range archiveExts {
		if ext == a {
			return true
		}
	}
	return false
}

// IsSupportedImage reports whether name has an image extension we can open.
func IsSupportedImage(name string) bool {
	return supportedImageExts[strings.ToLower(filepath.Ext(name))]
}

// ListArchiveImages lists the image entries of an archive in natural order
// ("page2" before "page10").
func ListArchiveImages(archivePath string) ([]string, error) {
	var names []string
	err := walkArchive(archivePath, func(name string, isDir bool, _ func() ([]byte, error)) (bool, error) {
		if !isDir && IsSupportedImage(name) {
			names = append(names, name)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(names, func(i, j int) bool { return natural.Less(names[i], names[j]) })
	return names, nil
}

func readArchiveEntry(archivePath, entry string) ([]byte, error) {
	var data []byte
	err := walkArchive(archivePath, func(name string, _ bool, read func() ([]byte, error)) (bool, error) {
		if name != entry {
			return false, nil
		}
		var err error
		data, err = read()
		return true, err
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrEntryNotFound, entry, archivePath)
	}
	return data, nil
}

// walkArchive calls visit for every entry until it returns stop. read loads
// the entry's bytes and is only valid during the call.
func walkArchive(archivePath string, visit func(name string, isDir bool, read func() ([]byte, error)) (stop bool, err error)) error {
	switch ext := strings.ToLower(filepath.Ext(archivePath)); ext {
	case ".zip":
		r, err := zip.OpenReader(archivePath)
		if err != nil {
			return fmt.Errorf("failed to open zip %s: %w", archivePath, err)
		}
		defer r.Close()
		for _, f := range r.File {
			stop, err := visit(f.Name, f.FileInfo().IsDir(), func() ([]byte, error) {
				return readAllFrom(f.Open)
			})
			if err != nil || stop {
				return err
			}
		}
		return nil

	case ".7z":
		r, err := sevenzip.OpenReader(archivePath)
		if err != nil {
			return fmt.Errorf("failed to open 7z %s: %w", archivePath, err)
		}
		defer r.Close()
		for _, f := range r.File {
			stop, err := visit(f.Name, f.FileInfo().IsDir(), func() ([]byte, error) {
				return readAllFrom(f.Open)
			})
			if err != nil || stop {
				return err
			}
		}
		return nil

	case ".rar":
		f, err := os.Open(archivePath)
		if err != nil {
			return fmt.Errorf("failed to open rar %s: %w", archivePath, err)
		}
		defer f.Close()
		r, err := rardecode.NewReader(f, "")
		if err != nil {
			return fmt.Errorf("failed to read rar %s: %w", archivePath, err)
		}
		for {
			header, err := r.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read rar %s: %w", archivePath, err)
			}
			stop, err := visit(header.Name, header.IsDir, func() ([]byte, error) {
				return io.ReadAll(r)
			})
			if err != nil || stop {
				return err
			}
		}

	default:
		return fmt.Errorf("unsupported archive format: %s", ext)
	}
}

func readAllFrom(open func() (io.ReadCloser, error)) ([]byte, error) {
	rc, err := open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
