package syncer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SpoolMode selects where remote bytes are held while they are compared
// against an existing local file.
type SpoolMode string

const (
	SpoolMemory SpoolMode = "memory"
	SpoolDisk   SpoolMode = "disk"
)

// ParseSpoolMode validates a spool mode; empty means memory.
func ParseSpoolMode(s string) (SpoolMode, error) {
	switch SpoolMode(s) {
	case "", SpoolMemory:
		return SpoolMemory, nil
	case SpoolDisk:
		return SpoolDisk, nil
	}
	return "", fmt.Errorf("invalid spool mode %q: use memory or disk", s)
}

// spool receives the remote stream during comparison. Exactly one of
// Commit or Discard must be called.
type spool interface {
	io.Writer
	Commit(target string) (int64, error)
	Discard()
}

func newSpool(mode SpoolMode, target string) (spool, error) {
	if mode == SpoolDisk {
		f, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.part")
		if err != nil {
			return nil, fmt.Errorf("create spool file: %w", err)
		}
		return &diskSpool{f: f}, nil
	}
	return &memorySpool{}, nil
}

type memorySpool struct {
	buf bytes.Buffer
}

func (s *memorySpool) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *memorySpool) Commit(target string) (int64, error) {
	return writeFileAtomic(target, &s.buf)
}

func (s *memorySpool) Discard() {
	s.buf.Reset()
}

type diskSpool struct {
	f *os.File
	n int64
}

func (s *diskSpool) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.n += int64(n)
	return n, err
}

func (s *diskSpool) Commit(target string) (int64, error) {
	tempPath := s.f.Name()
	if err := s.f.Sync(); err != nil {
		s.Discard()
		return 0, fmt.Errorf("sync spool file: %w", err)
	}
	if err := s.f.Close(); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("close spool file: %w", err)
	}
	if err := os.Chmod(tempPath, fileMode(target)); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("chmod spool file: %w", err)
	}
	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("rename spool file: %w", err)
	}
	return s.n, nil
}

func (s *diskSpool) Discard() {
	s.f.Close()
	os.Remove(s.f.Name())
}

// fileMode keeps the mode of an existing target, 0644 otherwise.
func fileMode(target string) os.FileMode {
	if info, err := os.Stat(target); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}

// writeFileAtomic streams r into target through a temp file in the same
// directory, so readers never observe a partially written file.
func writeFileAtomic(target string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tmp.Name()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("write content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return 0, fmt.Errorf("sync content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, fileMode(target)); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("chmod temp file: %w", err)
	}

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("rename temp file: %w", err)
	}
	return written, nil
}
