package docstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/carebill/carebill/internal/platform/apperr"
)

func TestPutAndGet(t *testing.T) {
	s := NewMemoryStore()
	content := []byte("discharge summary for admission 42")

	meta, err := s.Put(context.Background(), DocumentMeta{
		FileName:    "discharge-summary.pdf",
		ContentType: "application/pdf",
		UploadedBy:  "user-1",
	}, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if meta.Ref == "" {
		t.Fatal("expected a non-empty ref")
	}
	if meta.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", meta.Size, len(content))
	}
	if meta.Hash == "" {
		t.Error("expected a content hash")
	}

	rc, got, err := s.Get(context.Background(), meta.Ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()

	data, _ := io.ReadAll(rc)
	if !bytes.Equal(data, content) {
		t.Error("round-tripped content does not match")
	}
	if got.FileName != "discharge-summary.pdf" {
		t.Errorf("file name = %q", got.FileName)
	}
}

func TestPutValidation(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Put(context.Background(), DocumentMeta{ContentType: "application/pdf"}, strings.NewReader("x"))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("missing file name: err = %v, want validation error", err)
	}

	_, err = s.Put(context.Background(), DocumentMeta{FileName: "a.exe", ContentType: "application/x-msdownload"}, strings.NewReader("x"))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("disallowed content type: err = %v, want validation error", err)
	}
}

func TestStatAndDelete(t *testing.T) {
	s := NewMemoryStore()
	meta, err := s.Put(context.Background(), DocumentMeta{
		FileName:    "pre-auth.pdf",
		ContentType: "application/pdf",
	}, strings.NewReader("pre-authorization letter"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := s.Stat(context.Background(), meta.Ref); err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if err := s.Delete(context.Background(), meta.Ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Stat(context.Background(), meta.Ref); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("stat after delete: err = %v, want not found", err)
	}
	if err := s.Delete(context.Background(), meta.Ref); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("double delete: err = %v, want not found", err)
	}
}

func TestGetUnknownRef(t *testing.T) {
	s := NewMemoryStore()
	if _, _, err := s.Get(context.Background(), "no-such-ref"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}
