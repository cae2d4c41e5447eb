package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps the working set in a MemoryStore and writes a JSON snapshot
// to disk after every mutation, so counters and token markers survive a
// restart of a single-node deployment.
type FileStore struct {
	filePath string
	mem      *MemoryStore

	// writeMu serialises snapshot writes.
	writeMu sync.Mutex
}

var (
	_ Store   = (*FileStore)(nil)
	_ Claimer = (*FileStore)(nil)
)

// fileData is the on-disk layout of a FileStore snapshot.
type fileData struct {
	Entries     map[string]fileEntry `json:"entries"`
	LastUpdated time.Time            `json:"last_updated"`
}

type fileEntry struct {
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewFileStore opens (or creates) the snapshot file at config.Path.
func NewFileStore(config Config) (*FileStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required for file store")
	}

	fs := &FileStore{
		filePath: config.Path,
		mem:      NewMemoryStore(config),
	}

	if err := fs.ensureFileExists(); err != nil {
		fs.mem.Close()
		return nil, fmt.Errorf("failed to ensure file exists: %w", err)
	}

	if err := fs.load(); err != nil {
		fs.mem.Close()
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	return fs, nil
}

func (f *FileStore) ensureFileExists() error {
	if _, err := os.Stat(f.filePath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(f.filePath), 0700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		return f.persist()
	}
	return nil
}

func (f *FileStore) load() error {
	raw, err := os.ReadFile(f.filePath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	entries := make(map[string]memoryEntry, len(data.Entries))
	for k, e := range data.Entries {
		entry := memoryEntry{value: e.Value}
		if e.ExpiresAt != nil {
			entry.expiresAt = *e.ExpiresAt
		}
		entries[k] = entry
	}
	f.mem.restore(entries)
	return nil
}

// persist writes the current snapshot through a temporary file and rename.
func (f *FileStore) persist() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	snapshot := f.mem.snapshot()
	data := fileData{
		Entries:     make(map[string]fileEntry, len(snapshot)),
		LastUpdated: time.Now(),
	}
	for k, e := range snapshot {
		fe := fileEntry{Value: e.value}
		if !e.expiresAt.IsZero() {
			exp := e.expiresAt
			fe.ExpiresAt = &exp
		}
		data.Entries[k] = fe
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmp := f.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, f.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	return f.mem.Get(ctx, key)
}

func (f *FileStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.mem.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return f.persist()
}

func (f *FileStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	created, err := f.mem.SetIfAbsent(ctx, key, value, ttl)
	if err != nil || !created {
		return created, err
	}
	return true, f.persist()
}

func (f *FileStore) Delete(ctx context.Context, key string) (bool, error) {
	existed, err := f.mem.Delete(ctx, key)
	if err != nil || !existed {
		return existed, err
	}
	return true, f.persist()
}

func (f *FileStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return f.mem.Keys(ctx, pattern)
}

func (f *FileStore) Ping(ctx context.Context) error {
	if err := f.mem.Ping(ctx); err != nil {
		return err
	}
	if _, err := os.Stat(f.filePath); err != nil {
		return fmt.Errorf("snapshot file unavailable: %w", err)
	}
	return nil
}

// Close writes a final snapshot and stops the in-memory sweeper.
func (f *FileStore) Close() error {
	err := f.persist()
	f.mem.Close()
	return err
}
