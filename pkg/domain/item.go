package domain

import (
	"io"
	"strings"
	"time"
)

type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

const (
	MarkdownContentType = "text/markdown"
	DefaultContentType  = "application/octet-stream"
	MaxTitleLength      = 256
	itemIDLength        = 32
)

func (k Kind) Valid() bool {
	return k == KindText || k == KindFile
}

// Item is a clipboard entry. Kind decides which optional fields are set:
// text items carry MarkdownContent, file items carry FileName, FileSizeBytes
// and ContentKey.
type Item struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"-"`
	Kind            Kind      `json:"itemType"`
	Title           string    `json:"title,omitempty"`
	MarkdownContent string    `json:"markdownContent,omitempty"`
	FileName        string    `json:"fileName,omitempty"`
	ContentType     string    `json:"contentType,omitempty"`
	FileSizeBytes   int64     `json:"fileSizeBytes,omitempty"`
	PreviewURL      string    `json:"previewUrl,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	ContentKey      string    `json:"-"`
}

func (i *Item) IsFile() bool {
	return i.Kind == KindFile
}

// Clone returns a shallow copy so cached items are never mutated by callers.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

type TextParams struct {
	Title           string
	MarkdownContent string
}

type FileParams struct {
	Title       string
	FileName    string
	ContentType string
	Size        int64
	Content     io.Reader
}

// NormalizeItemID lower-cases id and reports whether it has the shape of an
// id this service generates (32 hex characters).
func NormalizeItemID(id string) (string, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	if len(id) != itemIDLength {
		return "", false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}
	return id, true
}
