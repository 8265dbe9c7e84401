package export

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Archive is a zip file under construction. Entries are written to
// <path>.tmp, which is renamed to path on Close, so a reader never sees a
// partial archive.
type Archive struct {
	path    string
	tmpPath string
	file    *os.File
	zw      *zip.Writer
	entries int
}

// CreateArchive starts a new archive at path, creating parent directories
// as needed.
func CreateArchive(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &ArchiveError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, &ArchiveError{Op: "create", Path: tmpPath, Err: err}
	}

	return &Archive{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		zw:      zip.NewWriter(file),
	}, nil
}

// Path is where the finished archive lives.
func (a *Archive) Path() string {
	return a.path
}

// Entries is the number of entries added so far.
func (a *Archive) Entries() int {
	return a.entries
}

// AddFile copies the file at src into the archive as name.
func (a *Archive) AddFile(name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return &ArchiveError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()

	w, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return &ArchiveError{Op: "add", Path: name, Err: err}
	}
	if _, err := io.Copy(w, in); err != nil {
		return &ArchiveError{Op: "write", Path: name, Err: err}
	}

	a.entries++
	return nil
}

// Close finishes the archive, moves it into place and returns its size in
// bytes.
func (a *Archive) Close() (int64, error) {
	if err := a.zw.Close(); err != nil {
		a.file.Close()
		return 0, &ArchiveError{Op: "finish", Path: a.tmpPath, Err: err}
	}
	if err := a.file.Close(); err != nil {
		return 0, &ArchiveError{Op: "close", Path: a.tmpPath, Err: err}
	}
	if err := os.Rename(a.tmpPath, a.path); err != nil {
		return 0, &ArchiveError{Op: "rename", Path: a.path, Err: err}
	}

	info, err := os.Stat(a.path)
	if err != nil {
		return 0, &ArchiveError{Op: "stat", Path: a.path, Err: err}
	}
	return info.Size(), nil
}

// Discard abandons the archive and removes whatever was written.
func (a *Archive) Discard() error {
	a.zw.Close()
	a.file.Close()

	for _, p := range []string{a.tmpPath, a.path} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return &ArchiveError{Op: "remove", Path: p, Err: err}
		}
	}
	return nil
}
