package db

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"clipsync/svc/cache"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeObject struct {
	body        []byte
	contentType string
	meta        map[string]string
	etag        string
	sse         types.ServerSideEncryption
	kmsKeyID    string
}

// fakeS3 is an in-memory bucket with small list pages so pagination is
// exercised.
type fakeS3 struct {
	mu            sync.Mutex
	objects       map[string]*fakeObject
	pageSize      int
	bucketExists  bool
	created       *s3.CreateBucketInput
	gets          int
	deleteBatches int
	seq           int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]*fakeObject{}, pageSize: 2, bucketExists: true}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if in.ContentLength != nil && int64(len(body)) != *in.ContentLength {
		return nil, fmt.Errorf("content length %d does not match body %d", *in.ContentLength, len(body))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	etag := fmt.Sprintf(`"etag-%d"`, f.seq)
	f.objects[aws.ToString(in.Key)] = &fakeObject{
		body:        body,
		contentType: aws.ToString(in.ContentType),
		meta:        in.Metadata,
		etag:        etag,
		sse:         in.ServerSideEncryption,
		kmsKeyID:    aws.ToString(in.SSEKMSKeyId),
	}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(string(obj.body))),
		ContentType:   aws.String(obj.contentType),
		ContentLength: aws.Int64(int64(len(obj.body))),
		ETag:          aws.String(obj.etag),
	}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	start := aws.ToString(in.ContinuationToken)
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) && k > start {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		obj := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			ETag: aws.String(obj.etag),
			Size: aws.Int64(int64(len(obj.body))),
		})
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteBatches++
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bucketExists {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = in
	f.bucketExists = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	u := fmt.Sprintf("https://%s.s3.test/%s?X-Amz-Expires=%d&X-Amz-Signature=fake",
		aws.ToString(in.Bucket), aws.ToString(in.Key), int(opts.Expires.Seconds()))
	return &v4.PresignedHTTPRequest{URL: u, Method: "GET"}, nil
}

func newTestS3Store(t *testing.T, fake *fakeS3, kmsKey string) *S3Store {
	t.Helper()
	lru, err := cache.NewLRU(100)
	if err != nil {
		t.Fatalf("NewLRU failed: %v", err)
	}
	s, err := NewS3Store(fake, fakePresigner{}, S3Options{
		Bucket:          "clips",
		Region:          "eu-west-1",
		Prefix:          "clipboard/",
		KMSKeyID:        kmsKey,
		PresignTTL:      15 * time.Minute,
		ListConcurrency: 3,
	}, lru, nil)
	if err != nil {
		t.Fatalf("NewS3Store failed: %v", err)
	}
	return s
}

func TestS3StoreContract(t *testing.T) {
	runStoreContract(t, newTestS3Store(t, newFakeS3(), ""))
}

func TestS3KeyLayout(t *testing.T) {
	fake := newFakeS3()
	s := newTestS3Store(t, fake, "")
	ctx := context.Background()
	ti := textItem("alice", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	if err := s.Put(ctx, ti, strings.NewReader(ti.MarkdownContent), int64(len(ti.MarkdownContent))); err != nil {
		t.Fatalf("Put text failed: %v", err)
	}
	fi := fileItem("alice", time.Date(2025, 3, 1, 12, 0, 1, 0, time.UTC), 3)
	fi.FileName = "résumé.pdf"
	if err := s.Put(ctx, fi, strings.NewReader("pdf"), 3); err != nil {
		t.Fatalf("Put file failed: %v", err)
	}
	want := []string{
		"clipboard/alice/" + textID + "/content.md",
		"clipboard/alice/" + textID + "/metadata.json",
		"clipboard/alice/" + fileID + "/content",
		"clipboard/alice/" + fileID + "/metadata.json",
	}
	sort.Strings(want)
	got := fake.keys()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	if fi.ContentKey != "clipboard/alice/"+fileID+"/content" {
		t.Errorf("ContentKey = %q", fi.ContentKey)
	}

	md := fake.objects["clipboard/alice/"+textID+"/content.md"]
	if md.contentType != "text/markdown" || md.meta["user-id"] != "alice" || md.meta["item-type"] != "text" {
		t.Errorf("text content object: %+v", md)
	}
	content := fake.objects["clipboard/alice/"+fileID+"/content"]
	if content.meta["original-file-name"] != "r%C3%A9sum%C3%A9.pdf" {
		t.Errorf("original-file-name = %q", content.meta["original-file-name"])
	}

	metaObj := fake.objects["clipboard/alice/"+fileID+"/metadata.json"]
	if metaObj.meta["created-at"] != "2025-03-01T12:00:01Z" {
		t.Errorf("created-at = %q", metaObj.meta["created-at"])
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(metaObj.body, &doc); err != nil {
		t.Fatalf("metadata.json is not JSON: %v", err)
	}
	for _, k := range []string{"id", "itemType", "fileKey", "fileName", "contentType", "fileSizeBytes", "createdAt"} {
		if _, ok := doc[k]; !ok {
			t.Errorf("metadata.json missing %q: %s", k, metaObj.body)
		}
	}
	if _, ok := doc["markdownContent"]; ok {
		t.Errorf("file metadata should not carry markdownContent")
	}
}

func TestS3ListPaginatesAndPresigns(t *testing.T) {
	fake := newFakeS3()
	s := newTestS3Store(t, fake, "")
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		it := fileItem("alice", base.Add(time.Duration(i)*time.Second), 1)
		it.ID = fmt.Sprintf("%032x", i+1)
		if err := s.Put(ctx, it, strings.NewReader("x"), 1); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	items, err := s.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("expected 5 items across pages, got %d", len(items))
	}
	for _, it := range items {
		if !strings.Contains(it.PreviewURL, "/clipboard/alice/"+it.ID+"/content?") {
			t.Errorf("preview url %q does not point at content", it.PreviewURL)
		}
		if !strings.Contains(it.PreviewURL, "X-Amz-Expires=900") {
			t.Errorf("preview url %q is not a 15 minute link", it.PreviewURL)
		}
	}

	getsBefore := fake.gets
	if _, err := s.List(ctx, "alice"); err != nil {
		t.Fatalf("second List failed: %v", err)
	}
	if fake.gets != getsBefore {
		t.Errorf("second List fetched %d metadata objects, want 0 (cached)", fake.gets-getsBefore)
	}
}

func TestS3OwnerPrefixIsolation(t *testing.T) {
	fake := newFakeS3()
	s := newTestS3Store(t, fake, "")
	ctx := context.Background()
	_ = s.Put(ctx, textItem("u1", time.Now()), strings.NewReader("a"), 1)
	other := textItem("u10", time.Now())
	other.ID = fileID
	_ = s.Put(ctx, other, strings.NewReader("b"), 1)
	items, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != textID {
		t.Errorf("u1 listing leaked other owners: %+v", items)
	}
}

func TestS3ListSkipsBadMetadata(t *testing.T) {
	fake := newFakeS3()
	s := newTestS3Store(t, fake, "")
	ctx := context.Background()
	_ = s.Put(ctx, textItem("alice", time.Now()), strings.NewReader("a"), 1)
	fake.objects["clipboard/alice/"+fileID+"/metadata.json"] = &fakeObject{body: []byte("{not json"), etag: `"bad"`}
	fake.objects["clipboard/alice/aaaa/metadata.json"] = &fakeObject{body: []byte(`{"id":"aaaa","itemType":"video"}`), etag: `"bad2"`}
	items, err := s.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected unreadable metadata to be skipped, got %d items", len(items))
	}
}

func TestS3DeleteRemovesAllObjects(t *testing.T) {
	fake := newFakeS3()
	fake.pageSize = 1
	s := newTestS3Store(t, fake, "")
	ctx := context.Background()
	_ = s.Put(ctx, fileItem("alice", time.Now(), 1), strings.NewReader("x"), 1)
	fake.objects["clipboard/alice/"+fileID+"/thumbnail"] = &fakeObject{body: []byte("t"), etag: `"t"`}
	_ = s.Put(ctx, textItem("alice", time.Now()), strings.NewReader("y"), 1)
	if _, err := s.List(ctx, "alice"); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if err := s.Delete(ctx, "alice", fileID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	for _, k := range fake.keys() {
		if strings.Contains(k, fileID) {
			t.Errorf("object %s survived delete", k)
		}
	}
	if fake.deleteBatches < 3 {
		t.Errorf("expected one delete batch per page, got %d", fake.deleteBatches)
	}
	items, _ := s.List(ctx, "alice")
	if len(items) != 1 || items[0].ID != textID {
		t.Errorf("listing after delete: %+v", items)
	}
}

func TestS3ServerSideEncryption(t *testing.T) {
	fake := newFakeS3()
	s := newTestS3Store(t, fake, "alias/clipsync")
	_ = s.Put(context.Background(), fileItem("alice", time.Now(), 1), strings.NewReader("x"), 1)
	for k, obj := range fake.objects {
		if obj.sse != types.ServerSideEncryptionAwsKms || obj.kmsKeyID != "alias/clipsync" {
			t.Errorf("%s not encrypted with the configured key: %+v", k, obj)
		}
	}
}

func TestS3EnsureBucket(t *testing.T) {
	fake := newFakeS3()
	fake.bucketExists = false
	s := newTestS3Store(t, fake, "")
	if err := s.EnsureBucket(context.Background(), false); err == nil {
		t.Error("expected error when bucket is missing and creation is disabled")
	}
	if err := s.EnsureBucket(context.Background(), true); err != nil {
		t.Fatalf("EnsureBucket failed: %v", err)
	}
	if fake.created == nil || fake.created.CreateBucketConfiguration == nil ||
		fake.created.CreateBucketConfiguration.LocationConstraint != types.BucketLocationConstraint("eu-west-1") {
		t.Errorf("bucket not created in region: %+v", fake.created)
	}

	fake2 := newFakeS3()
	fake2.bucketExists = false
	s2, _ := NewS3Store(fake2, nil, S3Options{Bucket: "b", Region: "us-east-1", Prefix: "p"}, nil, nil)
	if err := s2.EnsureBucket(context.Background(), true); err != nil {
		t.Fatalf("EnsureBucket failed: %v", err)
	}
	if fake2.created.CreateBucketConfiguration != nil {
		t.Error("us-east-1 must not send a location constraint")
	}
}

func TestS3RejectsPathOwner(t *testing.T) {
	s := newTestS3Store(t, newFakeS3(), "")
	if _, err := s.List(context.Background(), "../bob"); err == nil {
		t.Error("expected owner with a slash to be rejected")
	}
}
