package tempstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var ErrClosed = errors.New("tempstore: store already removed")

// Root owns the directory under which every job gets its own scratch space.
type Root struct {
	dir string
}

func NewRoot(base string) (*Root, error) {
	dir := filepath.Join(base, "lipsync-jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tempstore: create root: %w", err)
	}
	return &Root{dir: dir}, nil
}

func (r *Root) Dir() string { return r.dir }

// Open creates the scratch directory of one job.
func (r *Root) Open(jobID string) (*Store, error) {
	dir := filepath.Join(r.dir, jobID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tempstore: open %s: %w", jobID, err)
	}
	return &Store{dir: dir}, nil
}

// Active lists the job ids that still own a scratch directory.
func (r *Root) Active() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Sweep removes scratch directories not modified for longer than maxAge.
// Leftovers only exist after a crash; live jobs always clean up after themselves.
func (r *Root) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !e.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.dir, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Store is a single job's scratch directory.
type Store struct {
	mu     sync.Mutex
	dir    string
	closed bool
	spools []*Spool
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// WriteFile stores data under name and returns the full path.
func (s *Store) WriteFile(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	path := s.Path(name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Create opens a new file under name for writing.
func (s *Store) Create(name string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return os.Create(s.Path(name))
}

// Remove deletes the directory and everything in it. Safe to call more than once.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, sp := range s.spools {
		_ = sp.Close()
	}
	s.spools = nil
	if err := os.RemoveAll(s.dir); err != nil {
		return err
	}
	s.closed = true
	return nil
}
