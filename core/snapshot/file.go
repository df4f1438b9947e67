package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileStore keeps every record in one JSON document. Writes go to a
// temporary file that is renamed over the old one.
type FileStore struct {
	mu   sync.Mutex
	path string
}

type fileDocument struct {
	Records map[string]Record `json:"records"`
}

// NewFileStore returns a store backed by the JSON file at path, creating
// parent directories as needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) read() (*fileDocument, error) {
	doc := &fileDocument{Records: map[string]Record{}}
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if doc.Records == nil {
		doc.Records = map[string]Record{}
	}
	return doc, nil
}

func (f *FileStore) write(doc *fileDocument) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (f *FileStore) Save(ctx context.Context, key string, value []byte) (Record, error) {
	if err := checkKey(key); err != nil {
		return Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   doc.Records[key].Version + 1,
		UpdatedAt: time.Now().UTC(),
	}
	doc.Records[key] = rec
	if err := f.write(doc); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (f *FileStore) Load(ctx context.Context, key string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return Record{}, err
	}
	rec, ok := doc.Records[key]
	if !ok {
		return Record{}, notFound(key)
	}
	return rec, nil
}

func (f *FileStore) Keys(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc.Records))
	for k := range doc.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileStore) Close() error { return nil }
