package db

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"strings"
	"time"

	"clipsync/cfg"
	"clipsync/pkg/domain"
	"clipsync/svc/cache"
	"clipsync/svc/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	metadataFile    = "metadata.json"
	textContentFile = "content.md"
	fileContentFile = "content"
)

// S3API is the subset of *s3.Client the store calls.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type S3Options struct {
	Bucket          string
	Region          string
	Prefix          string
	KMSKeyID        string
	PresignTTL      time.Duration
	ListConcurrency int
	CacheTTL        time.Duration
}

// S3Store lays items out as
//
//	{prefix}/{owner}/{id}/metadata.json
//	{prefix}/{owner}/{id}/content.md   (text)
//	{prefix}/{owner}/{id}/content      (file)
//
// Listing reads only the metadata objects, which are never rewritten, so
// parsed metadata is cached by key and ETag.
type S3Store struct {
	client  S3API
	presign Presigner
	opts    S3Options
	lru     *cache.LRU
	rdb     *Redis
}

// s3Metadata is the metadata.json document. Field names are camelCase to
// stay readable by earlier deployments of the same bucket layout.
type s3Metadata struct {
	ID              string    `json:"id"`
	ItemType        string    `json:"itemType"`
	Title           *string   `json:"title,omitempty"`
	MarkdownContent *string   `json:"markdownContent,omitempty"`
	FileKey         *string   `json:"fileKey,omitempty"`
	FileName        *string   `json:"fileName,omitempty"`
	ContentType     *string   `json:"contentType,omitempty"`
	FileSizeBytes   *int64    `json:"fileSizeBytes,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// NewS3Client loads the default AWS credential chain for the configured
// region. A custom endpoint switches to path-style addressing for MinIO and
// LocalStack.
func NewS3Client(ctx context.Context, sc cfg.StorageCfg) (*s3.Client, aws.Config, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(sc.Region))
	if err != nil {
		return nil, aws.Config{}, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if sc.Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.Endpoint)
			o.UsePathStyle = true
		}
	})
	return client, awsCfg, nil
}

func NewS3Store(client S3API, presign Presigner, opts S3Options, lru *cache.LRU, rdb *Redis) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	if opts.Prefix == "" {
		return nil, errors.New("prefix is required")
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.ListConcurrency <= 0 {
		opts.ListConcurrency = 8
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &S3Store{client: client, presign: presign, opts: opts, lru: lru, rdb: rdb}, nil
}

func (s *S3Store) Name() string { return "s3" }

func (s *S3Store) userPrefix(owner string) string {
	return s.opts.Prefix + "/" + owner + "/"
}

// itemPrefix ends in a slash so one id can never match another id it is a
// prefix of.
func (s *S3Store) itemPrefix(owner, id string) string {
	return s.userPrefix(owner) + id + "/"
}

func (s *S3Store) Put(ctx context.Context, it *domain.Item, content io.Reader, size int64) error {
	defer observe("s3", "put", time.Now())
	if err := checkOwner(it.OwnerID); err != nil {
		return err
	}
	if it.ID == "" {
		return errors.New("item id is required")
	}
	base := s.itemPrefix(it.OwnerID, it.ID)
	contentKey := base + textContentFile
	meta := map[string]string{
		"user-id":   it.OwnerID,
		"item-type": string(it.Kind),
	}
	if it.IsFile() {
		contentKey = base + fileContentFile
		meta["original-file-name"] = headerSafe(it.FileName)
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(contentKey),
		Body:          content,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(it.ContentType),
		Metadata:      meta,
	}
	s.applySSE(in)
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return errors.Wrapf(err, "put %s", contentKey)
	}

	doc := s3Metadata{
		ID:          it.ID,
		ItemType:    string(it.Kind),
		Title:       optional(it.Title),
		ContentType: optional(it.ContentType),
		CreatedAt:   it.CreatedAt.UTC(),
	}
	if it.IsFile() {
		doc.FileKey = aws.String(contentKey)
		doc.FileName = optional(it.FileName)
		doc.FileSizeBytes = aws.Int64(it.FileSizeBytes)
	} else {
		doc.MarkdownContent = aws.String(it.MarkdownContent)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "marshal metadata")
	}
	docMeta := map[string]string{
		"user-id":    it.OwnerID,
		"item-type":  string(it.Kind),
		"created-at": doc.CreatedAt.Format(time.RFC3339Nano),
	}
	if it.Title != "" {
		docMeta["title"] = headerSafe(it.Title)
	}
	metaKey := base + metadataFile
	in = &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(metaKey),
		Body:          strings.NewReader(string(body)),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
		Metadata:      docMeta,
	}
	s.applySSE(in)
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return errors.Wrapf(err, "put %s", metaKey)
	}
	if it.IsFile() {
		it.ContentKey = contentKey
	}
	return nil
}

func (s *S3Store) applySSE(in *s3.PutObjectInput) {
	if s.opts.KMSKeyID == "" {
		return
	}
	in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
	in.SSEKMSKeyId = aws.String(s.opts.KMSKeyID)
}

type metaRef struct {
	key  string
	etag string
}

func (s *S3Store) List(ctx context.Context, owner string) ([]*domain.Item, error) {
	defer observe("s3", "list", time.Now())
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	var refs []metaRef
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(s.userPrefix(owner)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "list objects")
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/"+metadataFile) {
				refs = append(refs, metaRef{key: key, etag: aws.ToString(obj.ETag)})
			}
		}
	}

	results := make([]*domain.Item, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ListConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			it, err := s.loadMetadata(gctx, owner, ref.key, ref.etag)
			if err != nil {
				if isNotFound(err) || errors.Is(err, errBadMetadata) {
					util.Warn().Err(err).Str("key", ref.key).Msg("skipping unreadable item metadata")
					return nil
				}
				return err
			}
			results[i] = it
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := make([]*domain.Item, 0, len(results))
	for _, it := range results {
		if it == nil {
			continue
		}
		if it.IsFile() && it.ContentKey != "" && s.presign != nil {
			u, err := s.presignGet(ctx, it.ContentKey)
			if err != nil {
				util.Warn().Err(err).Str("item_id", it.ID).Msg("presign failed")
			} else {
				it.PreviewURL = u
			}
		}
		items = append(items, it)
	}
	return items, nil
}

var errBadMetadata = errors.New("malformed item metadata")

// loadMetadata resolves a metadata object through the LRU, then Redis, then
// S3. An empty etag skips the etag comparison.
func (s *S3Store) loadMetadata(ctx context.Context, owner, key, etag string) (*domain.Item, error) {
	if s.lru != nil {
		if it := s.lru.Get(ctx, key, etag); it != nil {
			return it, nil
		}
	}
	if s.rdb != nil && etag != "" {
		it, err := s.rdb.GetItem(ctx, key, etag)
		if err != nil {
			util.Debug().Err(err).Msg("redis metadata lookup failed")
		} else if it != nil {
			if s.lru != nil {
				s.lru.Set(ctx, key, etag, it, s.opts.CacheTTL)
			}
			return it, nil
		}
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	defer out.Body.Close()
	var doc s3Metadata
	if err := json.NewDecoder(io.LimitReader(out.Body, 4<<20)).Decode(&doc); err != nil {
		return nil, errors.Wrapf(errBadMetadata, "%s: %v", key, err)
	}
	it, err := s.toItem(owner, key, &doc)
	if err != nil {
		return nil, err
	}
	if got := aws.ToString(out.ETag); got != "" {
		etag = got
	}
	if s.lru != nil {
		s.lru.Set(ctx, key, etag, it, s.opts.CacheTTL)
	}
	if s.rdb != nil && etag != "" {
		if err := s.rdb.CacheItem(ctx, key, etag, it, s.opts.CacheTTL); err != nil {
			util.Debug().Err(err).Msg("redis metadata store failed")
		}
	}
	return it, nil
}

func (s *S3Store) toItem(owner, key string, doc *s3Metadata) (*domain.Item, error) {
	// key is {prefix}/{owner}/{id}/metadata.json
	rest := strings.TrimPrefix(key, s.userPrefix(owner))
	id := strings.TrimSuffix(rest, "/"+metadataFile)
	if id == "" || strings.Contains(id, "/") {
		return nil, errors.Wrapf(errBadMetadata, "%s: unexpected key layout", key)
	}
	kind := domain.Kind(strings.ToLower(doc.ItemType))
	if !kind.Valid() {
		return nil, errors.Wrapf(errBadMetadata, "%s: unknown item type %q", key, doc.ItemType)
	}
	it := &domain.Item{
		ID:          id,
		OwnerID:     owner,
		Kind:        kind,
		Title:       aws.ToString(doc.Title),
		ContentType: aws.ToString(doc.ContentType),
		CreatedAt:   doc.CreatedAt.UTC(),
	}
	if kind == domain.KindText {
		it.MarkdownContent = aws.ToString(doc.MarkdownContent)
		if it.ContentType == "" {
			it.ContentType = domain.MarkdownContentType
		}
		return it, nil
	}
	it.FileName = aws.ToString(doc.FileName)
	it.FileSizeBytes = aws.ToInt64(doc.FileSizeBytes)
	if it.ContentType == "" {
		it.ContentType = domain.DefaultContentType
	}
	it.ContentKey = aws.ToString(doc.FileKey)
	if !strings.HasPrefix(it.ContentKey, s.itemPrefix(owner, id)) {
		it.ContentKey = s.itemPrefix(owner, id) + fileContentFile
	}
	return it, nil
}

func (s *S3Store) presignGet(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.opts.PresignTTL))
	if err != nil {
		return "", errors.Wrapf(err, "presign %s", key)
	}
	return req.URL, nil
}

func (s *S3Store) Open(ctx context.Context, owner, id string) (*domain.Item, io.ReadCloser, error) {
	defer observe("s3", "open", time.Now())
	if err := checkOwner(owner); err != nil {
		return nil, nil, err
	}
	base := s.itemPrefix(owner, id)
	it, err := s.loadMetadata(ctx, owner, base+metadataFile, "")
	if err != nil {
		if isNotFound(err) {
			return nil, nil, domain.ErrItemNotFound
		}
		return nil, nil, err
	}
	key := base + textContentFile
	if it.IsFile() {
		key = it.ContentKey
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, domain.ErrItemNotFound
		}
		return nil, nil, errors.Wrapf(err, "get %s", key)
	}
	return it, out.Body, nil
}

// Delete removes every object under the item prefix, page by page. A
// missing item is not an error.
func (s *S3Store) Delete(ctx context.Context, owner, id string) error {
	defer observe("s3", "delete", time.Now())
	if err := checkOwner(owner); err != nil {
		return err
	}
	base := s.itemPrefix(owner, id)
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(base),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return errors.Wrap(err, "list item objects")
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.opts.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return errors.Wrap(err, "delete objects")
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return errors.Errorf("delete %s: %s %s", aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message))
		}
	}
	metaKey := base + metadataFile
	if s.lru != nil {
		s.lru.Delete(metaKey)
	}
	if s.rdb != nil {
		if err := s.rdb.DeleteItem(ctx, metaKey); err != nil {
			util.Debug().Err(err).Msg("redis metadata delete failed")
		}
	}
	return nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)})
	return errors.Wrap(err, "head bucket")
}

// EnsureBucket creates the bucket when it does not exist.
func (s *S3Store) EnsureBucket(ctx context.Context, create bool) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return errors.Wrap(err, "head bucket")
	}
	if !create {
		return errors.Errorf("bucket %s does not exist", s.opts.Bucket)
	}
	in := &s3.CreateBucketInput{Bucket: aws.String(s.opts.Bucket)}
	if s.opts.Region != "" && s.opts.Region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.opts.Region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, in); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return errors.Wrap(err, "create bucket")
	}
	util.Info().Str("bucket", s.opts.Bucket).Msg("bucket created")
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

func checkOwner(owner string) error {
	if owner == "" || strings.ContainsAny(owner, "/\\") || owner == "." || owner == ".." {
		return errors.Wrap(domain.ErrUnauthorized, "invalid owner id")
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// headerSafe keeps object metadata within printable ASCII, which is all an
// HTTP header value can carry. Anything else is percent-encoded.
func headerSafe(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return url.QueryEscape(s)
		}
	}
	return s
}
