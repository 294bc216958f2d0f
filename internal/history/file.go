package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"

	"github.com/comigor/ollamachat/internal/logger"
)

const fileExt = ".json"

// FileStore keeps one JSON file per key inside a directory. Writes are atomic
// (temp file, fsync, rename), so readers in other processes never see a torn value.
type FileStore struct {
	dir string

	mu       sync.Mutex
	written  map[string][]byte // last value this process wrote, to skip our own watch events
	watchers []*fsnotify.Watcher
	closed   bool
}

// OpenFileStore creates dir if needed.
func OpenFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir, written: make(map[string][]byte)}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+fileExt)
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := atomicWriteFile(s.path(key), value, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	s.mu.Lock()
	s.written[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.mu.Lock()
	delete(s.written, key)
	s.mu.Unlock()
	return nil
}

// Watch calls fn with the key of every value changed by another writer until ctx is done.
func (s *FileStore) Watch(ctx context.Context, fn func(key string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file store watch: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("file store watch %s: %w", s.dir, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		w.Close()
		return ErrClosed
	}
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".tmp-") || !strings.HasSuffix(name, fileExt) {
				continue
			}
			key := strings.TrimSuffix(name, fileExt)
			if s.ownWrite(key) {
				continue
			}
			logger.L.Debug("store changed externally", "key", key, "op", ev.Op.String())
			fn(key)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.L.Warn("file store watch error", logger.Err(err))
		}
	}
}

// ownWrite reports whether the file on disk still holds what this process last wrote.
func (s *FileStore) ownWrite(key string) bool {
	s.mu.Lock()
	last, ok := s.written[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	current, err := os.ReadFile(s.path(key))
	if err != nil {
		return false
	}
	return bytes.Equal(current, last)
}

func (s *FileStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var result error
	for _, w := range s.watchers {
		if err := w.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.watchers = nil
	return result
}

// atomicWriteFile writes to a temp file in the same directory, syncs it and renames it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	ok = true
	return nil
}
