package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extension is the file extension of rendered diagrams.
const Extension = ".png"

// Store owns the directory rendered diagrams and transcripts are kept in.
type Store struct {
	dir string
}

// NewStore creates the artifact directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("artifact directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute artifact directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the path of the rendered diagram for name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name)+Extension)
}

// Promote moves a rendered file into the store under name and returns its
// final path. The file is staged next to the destination and renamed so
// readers never observe a partial diagram.
func (s *Store) Promote(src, name string) (string, error) {
	dst := s.Path(name)

	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}

	// Cross-device: copy into a temp file in the store, then rename.
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening rendered file: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(s.dir, ".promote-*")
	if err != nil {
		return "", fmt.Errorf("staging artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return "", fmt.Errorf("copying artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing staged artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("publishing artifact: %w", err)
	}
	return dst, nil
}

// Write stores data as the rendered diagram for name.
func (s *Store) Write(name string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(s.dir, ".write-*")
	if err != nil {
		return "", fmt.Errorf("staging artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing staged artifact: %w", err)
	}

	dst := s.Path(name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("publishing artifact: %w", err)
	}
	return dst, nil
}

// Remove deletes every file belonging to name. Missing files are ignored.
func (s *Store) Remove(name string) error {
	base := filepath.Base(name)
	var errs []error
	for _, p := range []string{s.Path(base), s.TranscriptPath(base)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Contains reports whether path lies inside the store directory.
func (s *Store) Contains(path string) bool {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}
