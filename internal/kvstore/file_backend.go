package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileBackend persists every entry into a single JSON snapshot, rewritten
// atomically on each mutation.
type FileBackend struct {
	path     string
	maxBytes int64
	mu       sync.Mutex
	items    map[string]string
}

type fileBackendState struct {
	Items map[string]string `json:"items"`
}

func NewFileBackend(path string, maxBytes int64) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if maxBytes < 0 {
		maxBytes = 0
	}
	b := &FileBackend{
		path:     path,
		maxBytes: maxBytes,
		items:    map[string]string{},
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) Get(key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (b *FileBackend) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	previous, existed := b.items[key]
	b.items[key] = value
	if err := b.saveLocked(); err != nil {
		if existed {
			b.items[key] = previous
		} else {
			delete(b.items, key)
		}
		return err
	}
	return nil
}

func (b *FileBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	previous, existed := b.items[key]
	if !existed {
		return nil
	}
	delete(b.items, key)
	if err := b.saveLocked(); err != nil {
		b.items[key] = previous
		return err
	}
	return nil
}

func (b *FileBackend) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.items))
	for key := range b.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FileBackend) Close() error {
	return nil
}

// load reads the snapshot. An undecodable snapshot is moved aside and the
// backend starts empty rather than refusing to open.
func (b *FileBackend) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var snapshot fileBackendState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", b.path, time.Now().UnixNano())
		if renameErr := os.Rename(b.path, aside); renameErr != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, renameErr)
		}
		return nil
	}
	if snapshot.Items != nil {
		b.items = snapshot.Items
	}
	return nil
}

func (b *FileBackend) saveLocked() error {
	data, err := json.Marshal(fileBackendState{Items: b.items})
	if err != nil {
		return err
	}
	if b.maxBytes > 0 && int64(len(data)) > b.maxBytes {
		return ErrQuotaExceeded
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return classifyWriteError(err)
		}
	}
	return classifyWriteError(writeFileAtomic(b.path, data, 0o644))
}

func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	if isQuotaError(err) {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
