package db

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"clipsync/pkg/domain"

	"github.com/pkg/errors"
)

type itemStore interface {
	List(ctx context.Context, owner string) ([]*domain.Item, error)
	Put(ctx context.Context, it *domain.Item, content io.Reader, size int64) error
	Open(ctx context.Context, owner, id string) (*domain.Item, io.ReadCloser, error)
	Delete(ctx context.Context, owner, id string) error
	Ping(ctx context.Context) error
}

const (
	textID = "0123456789abcdef0123456789abcdef"
	fileID = "fedcba9876543210fedcba9876543210"
)

func textItem(owner string, at time.Time) *domain.Item {
	return &domain.Item{
		ID:              textID,
		OwnerID:         owner,
		Kind:            domain.KindText,
		Title:           "groceries",
		MarkdownContent: "# milk\n- eggs",
		ContentType:     domain.MarkdownContentType,
		CreatedAt:       at,
	}
}

func fileItem(owner string, at time.Time, size int64) *domain.Item {
	return &domain.Item{
		ID:            fileID,
		OwnerID:       owner,
		Kind:          domain.KindFile,
		FileName:      "photo.png",
		ContentType:   "image/png",
		FileSizeBytes: size,
		CreatedAt:     at,
	}
}

// runStoreContract checks the behaviour every backend shares.
func runStoreContract(t *testing.T, s itemStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	items, err := s.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List on empty store failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items, got %d", len(items))
	}

	ti := textItem("alice", now.Add(-time.Minute))
	if err := s.Put(ctx, ti, strings.NewReader(ti.MarkdownContent), int64(len(ti.MarkdownContent))); err != nil {
		t.Fatalf("Put text failed: %v", err)
	}
	payload := "\x89PNG\r\n\x1a\nnot really a png"
	fi := fileItem("alice", now, int64(len(payload)))
	if err := s.Put(ctx, fi, strings.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("Put file failed: %v", err)
	}

	items, err = s.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	byID := map[string]*domain.Item{}
	for _, it := range items {
		byID[it.ID] = it
	}
	gotText := byID[textID]
	if gotText == nil || gotText.Kind != domain.KindText || gotText.MarkdownContent != ti.MarkdownContent || gotText.Title != "groceries" {
		t.Errorf("text item mismatch: %+v", gotText)
	}
	gotFile := byID[fileID]
	if gotFile == nil || gotFile.FileName != "photo.png" || gotFile.ContentType != "image/png" || gotFile.FileSizeBytes != int64(len(payload)) {
		t.Errorf("file item mismatch: %+v", gotFile)
	}
	if gotFile != nil && !gotFile.CreatedAt.Equal(now) {
		t.Errorf("createdAt = %v, want %v", gotFile.CreatedAt, now)
	}

	if others, _ := s.List(ctx, "bob"); len(others) != 0 {
		t.Errorf("bob sees %d of alice's items", len(others))
	}
	if _, _, err := s.Open(ctx, "bob", fileID); !errors.Is(err, domain.ErrItemNotFound) {
		t.Errorf("bob opened alice's item: %v", err)
	}

	it, rc, err := s.Open(ctx, "alice", fileID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != payload || it.ContentType != "image/png" {
		t.Errorf("Open returned %q (%s)", body, it.ContentType)
	}

	if err := s.Delete(ctx, "alice", fileID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, "alice", fileID); err != nil {
		t.Errorf("second Delete should succeed, got %v", err)
	}
	if _, _, err := s.Open(ctx, "alice", fileID); !errors.Is(err, domain.ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound after delete, got %v", err)
	}
	items, _ = s.List(ctx, "alice")
	if len(items) != 1 || items[0].ID != textID {
		t.Errorf("expected only the text item to remain, got %+v", items)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestMemorySizeMismatch(t *testing.T) {
	m := NewMemory()
	it := textItem("alice", time.Now())
	if err := m.Put(context.Background(), it, strings.NewReader("abc"), 10); err == nil {
		t.Error("expected error for short content")
	}
	if err := m.Put(context.Background(), it, strings.NewReader("abcdef"), 3); err == nil {
		t.Error("expected error for long content")
	}
}

func TestMemoryListReturnsCopies(t *testing.T) {
	m := NewMemory()
	it := textItem("alice", time.Now())
	_ = m.Put(context.Background(), it, strings.NewReader("x"), 1)
	items, _ := m.List(context.Background(), "alice")
	items[0].Title = "changed"
	again, _ := m.List(context.Background(), "alice")
	if again[0].Title != "groceries" {
		t.Error("List leaked internal state")
	}
}
