package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/carebill/carebill/internal/platform/apperr"
)

// FileStore persists documents under a directory on disk, content at <ref>
// and metadata at <ref>.json, so claim attachments survive a restart. An
// object-storage backend can replace it behind the same Store interface.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create document directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Put stores the document under a fresh reference.
func (s *FileStore) Put(_ context.Context, meta DocumentMeta, content io.Reader) (*DocumentMeta, error) {
	data, err := ingest(&meta, content)
	if err != nil {
		return nil, err
	}

	contentPath, metaPath := s.paths(meta.Ref)
	if err := os.WriteFile(contentPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write document content: %w", err)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		os.Remove(contentPath)
		return nil, fmt.Errorf("encode document metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		os.Remove(contentPath)
		return nil, fmt.Errorf("write document metadata: %w", err)
	}

	out := meta
	return &out, nil
}

// Get returns the document content and metadata.
func (s *FileStore) Get(ctx context.Context, ref string) (io.ReadCloser, *DocumentMeta, error) {
	meta, err := s.Stat(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	contentPath, _ := s.paths(ref)
	f, err := os.Open(contentPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, apperr.NotFoundf("document %s not found", ref)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open document content: %w", err)
	}
	return f, meta, nil
}

// Stat returns document metadata without content.
func (s *FileStore) Stat(_ context.Context, ref string) (*DocumentMeta, error) {
	// Refs are always UUIDs; anything else is unknown and, left unchecked,
	// could escape the store directory.
	if _, err := uuid.Parse(ref); err != nil {
		return nil, apperr.NotFoundf("document %s not found", ref)
	}
	_, metaPath := s.paths(ref)
	raw, err := os.ReadFile(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFoundf("document %s not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read document metadata: %w", err)
	}
	meta := &DocumentMeta{}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("decode document metadata: %w", err)
	}
	return meta, nil
}

// Delete removes a document by reference.
func (s *FileStore) Delete(ctx context.Context, ref string) error {
	if _, err := s.Stat(ctx, ref); err != nil {
		return err
	}
	contentPath, metaPath := s.paths(ref)
	if err := os.Remove(metaPath); err != nil {
		return fmt.Errorf("remove document metadata: %w", err)
	}
	if err := os.Remove(contentPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove document content: %w", err)
	}
	return nil
}

func (s *FileStore) paths(ref string) (string, string) {
	return filepath.Join(s.dir, ref), filepath.Join(s.dir, ref+".json")
}
