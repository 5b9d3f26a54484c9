// Package docstore stores claim supporting documents (discharge summaries,
// pre-authorization letters, itemized bills) and hands back opaque references
// that the claim record carries. Content is hashed on write so a stored
// document can be verified against what the TPA received.
package docstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebill/carebill/internal/platform/apperr"
)

// MaxDocumentSize is the maximum allowed document size in bytes (25 MB).
const MaxDocumentSize = 25 * 1024 * 1024

// AllowedContentTypes lists the MIME types accepted for claim documents.
var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"text/plain":      true,
}

// DocumentMeta describes a stored document.
type DocumentMeta struct {
	Ref         string    `json:"ref"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	UploadedBy  string    `json:"uploaded_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the contract for document storage backends.
type Store interface {
	Put(ctx context.Context, meta DocumentMeta, content io.Reader) (*DocumentMeta, error)
	Get(ctx context.Context, ref string) (io.ReadCloser, *DocumentMeta, error)
	Stat(ctx context.Context, ref string) (*DocumentMeta, error)
	Delete(ctx context.Context, ref string) error
}

type storedDoc struct {
	meta    DocumentMeta
	content []byte
}

// MemoryStore is a thread-safe in-memory Store for testing and development.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*storedDoc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*storedDoc)}
}

// ingest validates the document, reads its content and fills in the
// reference, size, hash and timestamp. Shared by every Store backend.
func ingest(meta *DocumentMeta, content io.Reader) ([]byte, error) {
	if meta.FileName == "" {
		return nil, apperr.Validationf("document file name is required")
	}
	if !AllowedContentTypes[meta.ContentType] {
		return nil, apperr.Validationf("content type %q is not allowed", meta.ContentType)
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading document content: %w", err)
	}
	if int64(len(data)) > MaxDocumentSize {
		return nil, apperr.Validationf("document exceeds maximum size of %d bytes", MaxDocumentSize)
	}

	h := sha256.Sum256(data)
	meta.Ref = uuid.New().String()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()
	return data, nil
}

// Put stores the document under a fresh reference.
func (s *MemoryStore) Put(_ context.Context, meta DocumentMeta, content io.Reader) (*DocumentMeta, error) {
	data, err := ingest(&meta, content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.docs[meta.Ref] = &storedDoc{meta: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

// Get returns the document content and metadata.
func (s *MemoryStore) Get(_ context.Context, ref string) (io.ReadCloser, *DocumentMeta, error) {
	s.mu.RLock()
	doc, ok := s.docs[ref]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, apperr.NotFoundf("document %s not found", ref)
	}
	meta := doc.meta
	return io.NopCloser(bytes.NewReader(doc.content)), &meta, nil
}

// Stat returns document metadata without content.
func (s *MemoryStore) Stat(_ context.Context, ref string) (*DocumentMeta, error) {
	s.mu.RLock()
	doc, ok := s.docs[ref]
	s.mu.RUnlock()

	if !ok {
		return nil, apperr.NotFoundf("document %s not found", ref)
	}
	meta := doc.meta
	return &meta, nil
}

// Delete removes a document by reference.
func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[ref]; !ok {
		return apperr.NotFoundf("document %s not found", ref)
	}
	delete(s.docs, ref)
	return nil
}
