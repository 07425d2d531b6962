package download

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aluiziolira/go-scrape-products/config"
)

// Folder is the per-product output directory. It is created on the first
// write and never removed. Names are compared case-insensitively by stem
// so "a.jpg" and "A.png" never coexist.
type Folder struct {
	Path string

	mu       sync.Mutex
	existing map[string]string
	reserved map[string]struct{}
	created  bool
}

// OpenFolder indexes the files already present in parent/name.
func OpenFolder(parent, name string) (*Folder, error) {
	f := &Folder{
		Path:     filepath.Join(parent, name),
		existing: make(map[string]string),
		reserved: make(map[string]struct{}),
	}
	entries, err := os.ReadDir(f.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("scan product folder: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f.existing[stemKey(entry.Name())] = entry.Name()
	}
	f.created = err == nil
	return f, nil
}

func stemKey(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
}

// Reserve claims a stem for one reference. Candidates are stem, stem_1,
// stem_2 and so on; the first one not yet claimed in this run is examined.
// Under the skip policy a candidate already on disk is claimed and
// reported through existing with ok false. Otherwise on-disk names are
// passed over.
func (f *Folder) Reserve(stem, policy string) (reserved, existing string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for n := 0; ; n++ {
		candidate := stem
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d", stem, n)
		}
		key := strings.ToLower(candidate)
		if _, taken := f.reserved[key]; taken {
			continue
		}
		if name, onDisk := f.existing[key]; onDisk {
			if policy == config.ExistingSkip {
				f.reserved[key] = struct{}{}
				return "", filepath.Join(f.Path, name), false
			}
			continue
		}
		f.reserved[key] = struct{}{}
		return candidate, "", true
	}
}

func (f *Folder) ensure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created {
		return nil
	}
	if err := os.MkdirAll(f.Path, 0o755); err != nil {
		return err
	}
	f.created = true
	return nil
}

// Save writes r to stem+ext. The file is created exclusively and removed
// again if the copy fails. Storage failures are *DownloadError of kind
// KindDisk; read failures are returned unchanged.
func (f *Folder) Save(stem, ext string, r io.Reader) (string, int64, error) {
	if err := f.ensure(); err != nil {
		return "", 0, &DownloadError{Kind: KindDisk, Err: err}
	}
	path := filepath.Join(f.Path, stem+ext)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, &DownloadError{Kind: KindDisk, Err: err}
	}

	n, err := io.Copy(diskWriter{file}, r)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = &DownloadError{Kind: KindDisk, Err: closeErr}
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}
	return path, n, nil
}

type diskWriter struct {
	w io.Writer
}

func (d diskWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if err != nil {
		err = &DownloadError{Kind: KindDisk, Err: err}
	}
	return n, err
}
