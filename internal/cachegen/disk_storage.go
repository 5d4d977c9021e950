package cachegen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiskStorage keeps one directory per cache generation under root. Entry
// files are named by the SHA-256 of the request key.
type DiskStorage struct {
	root string
}

type diskEntry struct {
	Key string `json:"key"`
	Entry
}

func NewDiskStorage(root string) (*DiskStorage, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidCacheName
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DiskStorage{root: root}, nil
}

// Available reports whether root is still a usable directory.
func (s *DiskStorage) Available() bool {
	if s == nil {
		return false
	}
	info, err := os.Stat(s.root)
	return err == nil && info.IsDir()
}

func (s *DiskStorage) Open(_ context.Context, name string) (Cache, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}
	if !s.Available() {
		return nil, ErrStorageUnavailable
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &diskCache{dir: dir}, nil
}

func (s *DiskStorage) Names(context.Context) ([]string, error) {
	if !s.Available() {
		return nil, ErrStorageUnavailable
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *DiskStorage) Delete(_ context.Context, name string) (bool, error) {
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}
	if !s.Available() {
		return false, ErrStorageUnavailable
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *DiskStorage) cacheDir(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCacheName, name)
	}
	return filepath.Join(s.root, name), nil
}

type diskCache struct {
	dir string
}

func (c *diskCache) Put(_ context.Context, key string, entry Entry) error {
	data, err := json.Marshal(diskEntry{Key: key, Entry: entry})
	if err != nil {
		return err
	}
	return writeFileAtomic(c.entryPath(key), data, 0o644)
}

func (c *diskCache) Match(_ context.Context, key string) (Entry, bool, error) {
	data, err := os.ReadFile(c.entryPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var stored diskEntry
	if err := json.Unmarshal(data, &stored); err != nil || stored.Key != key {
		_ = os.Remove(c.entryPath(key))
		return Entry{}, false, nil
	}
	return stored.Entry, true, nil
}

func (c *diskCache) Keys(context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			continue
		}
		var stored diskEntry
		if err := json.Unmarshal(data, &stored); err != nil {
			continue
		}
		keys = append(keys, stored.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *diskCache) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
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
