package bastion

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// FileStore persists entries under a directory, sharded by the first two
// key characters to keep directories small. Writes go to a temp file and
// rename into place so readers never observe a torn entry; leftover
// *.tmp files from crashed writers are ignored and swept on eviction.
// Entries that fail to decode are treated as misses and removed.
type FileStore struct {
	dir     string
	opts    MemoryStoreOptions
	metrics *Collector

	mu sync.Mutex
}

// NewFileStore creates the root directory if needed. The same budget
// options as MemoryStore apply, enforced by modification-time eviction.
func NewFileStore(dir string, opts MemoryStoreOptions) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bastion: create cache dir: %w", err)
	}
	return &FileStore{dir: dir, opts: opts}, nil
}

// WithMetrics attaches a collector for eviction counting.
func (s *FileStore) WithMetrics(c *Collector) *FileStore {
	s.metrics = c
	return s
}

func (s *FileStore) path(key string) string {
	shard := "__"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(s.dir, shard, key)
}

// Get returns the entry for key or (nil, nil) on a miss. A file that
// exists but does not decode is removed and reported as a miss.
func (s *FileStore) Get(key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		_ = os.Remove(s.path(key))
		return nil, nil
	}
	return &entry, nil
}

// Set atomically writes entry to its shard.
func (s *FileStore) Set(entry *Entry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.path(entry.Key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), entry.Key+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	s.evictLocked()
	return nil
}

// Delete removes the entry file for key if present.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DeletePrefix removes every entry whose key starts with prefix.
func (s *FileStore) DeletePrefix(prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	err := s.walk(func(path, key string, _ os.FileInfo) error {
		if strings.HasPrefix(key, prefix) {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Clear removes every entry file and shard directory.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	shards, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, shard.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Len counts the entry files on disk.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	_ = s.walk(func(string, string, os.FileInfo) error {
		n++
		return nil
	})
	return n
}

// Bytes sums the entry file sizes on disk.
func (s *FileStore) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	_ = s.walk(func(_, _ string, info os.FileInfo) error {
		total += info.Size()
		return nil
	})
	return total
}

// walk visits every entry file, skipping temp files from in-progress or
// crashed writes. Callers hold s.mu.
func (s *FileStore) walk(fn func(path, key string, info os.FileInfo) error) error {
	shards, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dir, shard.Name()))
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.IsDir() || strings.HasSuffix(f.Name(), ".tmp") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			if err := fn(filepath.Join(s.dir, shard.Name(), f.Name()), f.Name(), info); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *FileStore) evictLocked() {
	if s.opts.MaxEntries <= 0 && s.opts.MaxBytes <= 0 {
		return
	}
	type fileEntry struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []fileEntry
	var total int64
	_ = s.walk(func(path, _ string, info os.FileInfo) error {
		files = append(files, fileEntry{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
		return nil
	})
	over := func() bool {
		if s.opts.MaxEntries > 0 && len(files) > s.opts.MaxEntries {
			return true
		}
		if s.opts.MaxBytes > 0 && total > s.opts.MaxBytes {
			return true
		}
		return false
	}
	for over() && len(files) > 0 {
		oldest := 0
		for i := range files {
			if files[i].modTime.Before(files[oldest].modTime) {
				oldest = i
			}
		}
		if err := os.Remove(files[oldest].path); err == nil {
			s.metrics.RecordCacheEviction("file")
		}
		total -= files[oldest].size
		files = append(files[:oldest], files[oldest+1:]...)
	}
}
