package svc

import (
	"context"
	"io"
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"clipsync/cfg"
	"clipsync/metrics"
	"clipsync/pkg/domain"
	"clipsync/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

var ErrShuttingDown = errors.Wrap(domain.ErrStorageUnavailable, "service shutting down")

// Store persists clipboard items for one owner at a time. Implementations
// live in svc/db.
type Store interface {
	Name() string
	List(ctx context.Context, owner string) ([]*domain.Item, error)
	Put(ctx context.Context, it *domain.Item, content io.Reader, size int64) error
	Open(ctx context.Context, owner, id string) (*domain.Item, io.ReadCloser, error)
	Delete(ctx context.Context, owner, id string) error
	Ping(ctx context.Context) error
}

type Clipboard struct {
	store     Store
	links     *util.LinkSigner
	linkTTL   time.Duration
	baseURL   string
	maxText   int64
	maxUpload int64
	now       func() time.Time
	newID     func() string
	shutdown  atomic.Bool
	opWg      sync.WaitGroup
}

func NewClipboard(store Store, links *util.LinkSigner, c *cfg.Cfg) *Clipboard {
	if store == nil || links == nil || c == nil {
		panic("clipboard service: nil dependency (store, links, or cfg)")
	}
	return &Clipboard{
		store:     store,
		links:     links,
		linkTTL:   c.LinkTTL,
		baseURL:   c.PublicBaseURL,
		maxText:   c.MaxTextSize,
		maxUpload: c.MaxUploadSize,
		now:       time.Now,
		newID:     util.NewItemID,
	}
}

// SetClock replaces the time source. Tests only.
func (c *Clipboard) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Clipboard) StoreName() string { return c.store.Name() }

func (c *Clipboard) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func (c *Clipboard) begin() error {
	if c.shutdown.Load() {
		return ErrShuttingDown
	}
	c.opWg.Add(1)
	return nil
}

// Shutdown stops accepting writes and waits for in-flight ones.
func (c *Clipboard) Shutdown(ctx context.Context) {
	c.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		c.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		util.Warn().Msg("clipboard writes did not drain in time")
	}
}

// List returns the owner's items newest first. File items the store could
// not presign get a sealed content link instead.
func (c *Clipboard) List(ctx context.Context, owner string) ([]*domain.Item, error) {
	items, err := c.store.List(ctx, owner)
	if err != nil {
		return nil, errors.Wrap(err, "list items")
	}
	if items == nil {
		items = []*domain.Item{}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	for _, it := range items {
		if it.IsFile() && it.PreviewURL == "" {
			link, err := c.ContentLink(owner, it.ID)
			if err != nil {
				return nil, err
			}
			it.PreviewURL = link
		}
	}
	metrics.ListRequests.Inc()
	return items, nil
}

func (c *Clipboard) CreateText(ctx context.Context, owner string, p domain.TextParams) (*domain.Item, error) {
	if int64(len(p.MarkdownContent)) > c.maxText {
		return nil, domain.ErrContentTooLarge
	}
	content := strings.TrimSpace(sanitizeText(p.MarkdownContent))
	if content == "" {
		return nil, domain.ErrContentRequired
	}
	title, err := normalizeTitle(p.Title)
	if err != nil {
		return nil, err
	}
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.opWg.Done()
	it := &domain.Item{
		ID:              c.newID(),
		OwnerID:         owner,
		Kind:            domain.KindText,
		Title:           title,
		MarkdownContent: content,
		ContentType:     domain.MarkdownContentType,
		CreatedAt:       c.now().UTC(),
	}
	if err := c.store.Put(ctx, it, strings.NewReader(content), int64(len(content))); err != nil {
		return nil, errors.Wrap(err, "store text item")
	}
	metrics.ItemsCreated.WithLabelValues(string(domain.KindText)).Inc()
	return it, nil
}

func (c *Clipboard) CreateFile(ctx context.Context, owner string, p domain.FileParams) (*domain.Item, error) {
	if p.Content == nil || p.Size <= 0 {
		return nil, domain.ErrFileRequired
	}
	if p.Size > c.maxUpload {
		return nil, domain.ErrContentTooLarge
	}
	title, err := normalizeTitle(p.Title)
	if err != nil {
		return nil, err
	}
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.opWg.Done()
	it := &domain.Item{
		ID:            c.newID(),
		OwnerID:       owner,
		Kind:          domain.KindFile,
		Title:         title,
		FileName:      cleanFileName(p.FileName),
		ContentType:   cleanContentType(p.ContentType),
		FileSizeBytes: p.Size,
		CreatedAt:     c.now().UTC(),
	}
	if err := c.store.Put(ctx, it, p.Content, p.Size); err != nil {
		return nil, errors.Wrap(err, "store file item")
	}
	metrics.ItemsCreated.WithLabelValues(string(domain.KindFile)).Inc()
	metrics.UploadBytes.Add(float64(p.Size))
	return it, nil
}

// Delete removes an item. Deleting an item that does not exist succeeds.
func (c *Clipboard) Delete(ctx context.Context, owner, id string) error {
	id, ok := domain.NormalizeItemID(id)
	if !ok {
		return domain.ErrInvalidItemID
	}
	if err := c.begin(); err != nil {
		return err
	}
	defer c.opWg.Done()
	if err := c.store.Delete(ctx, owner, id); err != nil {
		return errors.Wrap(err, "delete item")
	}
	metrics.ItemsDeleted.Inc()
	return nil
}

// Open returns the item and a reader over its content. The caller closes it.
func (c *Clipboard) Open(ctx context.Context, owner, id string) (*domain.Item, io.ReadCloser, error) {
	id, ok := domain.NormalizeItemID(id)
	if !ok {
		return nil, nil, domain.ErrInvalidItemID
	}
	it, rc, err := c.store.Open(ctx, owner, id)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open item")
	}
	return it, rc, nil
}

// OpenLink opens the item a sealed content link was issued for.
func (c *Clipboard) OpenLink(ctx context.Context, id, sig string) (*domain.Item, io.ReadCloser, error) {
	id, ok := domain.NormalizeItemID(id)
	if !ok {
		return nil, nil, domain.ErrInvalidItemID
	}
	owner, err := c.links.Verify(sig, id)
	if err != nil {
		return nil, nil, errors.Wrap(domain.ErrUnauthorized, err.Error())
	}
	return c.Open(ctx, owner, id)
}

func (c *Clipboard) ContentLink(owner, id string) (string, error) {
	sig, err := c.links.Sign(owner, id, c.linkTTL)
	if err != nil {
		return "", errors.Wrap(err, "sign content link")
	}
	return c.baseURL + "/api/clipboard/" + id + "/content?sig=" + url.QueryEscape(sig), nil
}

// sanitizeText normalises to NFC, drops invalid UTF-8 and strips control
// characters other than tab, CR and LF.
func sanitizeText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = norm.NFC.String(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

func normalizeTitle(raw string) (string, error) {
	t := sanitizeText(raw)
	t = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		return r
	}, t)
	t = strings.TrimSpace(t)
	if utf8.RuneCountInString(t) > domain.MaxTitleLength {
		return "", domain.ErrTitleTooLong
	}
	return t, nil
}

// cleanFileName keeps only the base name of whatever path the client sent.
func cleanFileName(raw string) string {
	name := strings.ReplaceAll(sanitizeText(raw), "\\", "/")
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(path.Base(name))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "file"
	}
	if utf8.RuneCountInString(name) > 255 {
		r := []rune(name)
		name = string(r[len(r)-255:])
	}
	return name
}

func cleanContentType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.DefaultContentType
	}
	mt, params, err := mime.ParseMediaType(raw)
	if err != nil || !strings.Contains(mt, "/") {
		return domain.DefaultContentType
	}
	if f := mime.FormatMediaType(mt, params); f != "" {
		return f
	}
	return domain.DefaultContentType
}
