package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"agentdesk/internal/domain"
)

// Hooks for tests to force error paths.
var (
	fileMarshalIndent = json.MarshalIndent
	fileWriteFile     = os.WriteFile
	fileRename        = os.Rename
	fileMkdirAll      = os.MkdirAll
)

// codec transforms the serialized document on its way to and from disk.
type codec interface {
	seal(plain []byte) ([]byte, error)
	open(data []byte) ([]byte, error)
}

type plainCodec struct{}

func (plainCodec) seal(p []byte) ([]byte, error) { return p, nil }
func (plainCodec) open(d []byte) ([]byte, error) { return d, nil }

// FileStore keeps all provider records in one JSON document:
//
//	{"gemini": {"apiKeys": [...], "activeKeyIndex": 0, "keyManagerState": {...}}}
//
// The file is re-read on every Get so edits made by other processes are seen.
// Writes go to a temp file in the same directory followed by a rename.
type FileStore struct {
	path  string
	codec codec
	perm  os.FileMode
	mu    sync.Mutex
}

// NewFileStore returns a store backed by a plain JSON file at path. The file
// is created on first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, codec: plainCodec{}, perm: 0600}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Get implements domain.ProviderStore.
func (s *FileStore) Get(ctx context.Context, namespace string) (domain.ProviderRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProviderRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return domain.ProviderRecord{}, err
	}
	rec, ok := doc[namespace]
	if !ok {
		return domain.ProviderRecord{}, fmt.Errorf("%w: %s", ErrNotFound, namespace)
	}
	return rec, nil
}

// Set implements domain.ProviderStore.
func (s *FileStore) Set(ctx context.Context, namespace string, record domain.ProviderRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	doc[namespace] = record
	return s.save(doc)
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) (map[string]domain.ProviderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Close implements Store. FileStore holds no open handles.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() (map[string]domain.ProviderRecord, error) {
	doc := make(map[string]domain.ProviderRecord)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("store read: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	plain, err := s.codec.open(data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plain, &doc); err != nil {
		return nil, fmt.Errorf("store parse: %w", err)
	}
	return doc, nil
}

func (s *FileStore) save(doc map[string]domain.ProviderRecord) error {
	dir := filepath.Dir(s.path)
	if err := fileMkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("store mkdir: %w", err)
	}
	plain, err := fileMarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store marshal: %w", err)
	}
	data, err := s.codec.seal(plain)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := fileWriteFile(tmp, data, s.perm); err != nil {
		return fmt.Errorf("store write: %w", err)
	}
	if err := fileRename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store rename: %w", err)
	}
	return nil
}

// Compile-time check that FileStore implements Store.
var _ Store = (*FileStore)(nil)
