package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// FileStore persists sessions to a single JSON document. It backs the CLI,
// where there is one user and no server-side session.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store at path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultFilePath returns the per-user session file location.
func DefaultFilePath() string {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, _ := os.UserHomeDir()
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "imageinf", "session.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "imageinf", "session.json")
}

func (f *FileStore) Get(_ context.Context, id, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := all[id][key]
	return v, ok, nil
}

func (f *FileStore) Set(_ context.Context, id, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.load()
	if err != nil {
		return err
	}
	if all[id] == nil {
		all[id] = make(map[string]string)
	}
	all[id][key] = value
	return f.save(all)
}

func (f *FileStore) Delete(_ context.Context, id string, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.load()
	if err != nil {
		return err
	}
	if all[id] == nil {
		return nil
	}
	for _, k := range keys {
		delete(all[id], k)
	}
	return f.save(all)
}

func (f *FileStore) Clear(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := all[id]; !ok {
		return nil
	}
	delete(all, id)
	if len(all) == 0 {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return f.save(all)
}

func (f *FileStore) load() (map[string]map[string]string, error) {
	all := make(map[string]map[string]string)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return all, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	if all == nil {
		all = make(map[string]map[string]string)
	}
	return all, nil
}

func (f *FileStore) save(all map[string]map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
