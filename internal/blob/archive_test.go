package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/tiered-buffer/internal/config"
	"github.com/gftdcojp/tiered-buffer/internal/file"
	"github.com/gftdcojp/tiered-buffer/internal/types"
	"go.uber.org/zap"
)

// mockS3 is an in-memory S3 implementation for testing.
type mockS3 struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	putErr   error
	getErr   error
	delErr   error
	headErr  error
	putDelay time.Duration
}

func newMockS3() *mockS3 {
	return &mockS3{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putDelay > 0 {
		select {
		case <-time.After(m.putDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, _ := io.ReadAll(params.Body)
	m.mu.Lock()
	m.objects[*params.Key] = data
	m.metadata[*params.Key] = params.Metadata
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.RLock()
	data, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: intPtr(int64(len(data))),
	}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.delErr != nil {
		return nil, m.delErr
	}
	m.mu.Lock()
	delete(m.objects, *params.Key)
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	m.mu.RLock()
	data, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: intPtr(int64(len(data)))}, nil
}

func (m *mockS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func intPtr(v int64) *int64 { return &v }

func newTestArchiver(t *testing.T) (*Archiver, *mockS3) {
	t.Helper()
	mock := newMockS3()
	return NewArchiver(mock, config.ArchiveConfig{
		Bucket: "test-bucket",
		Prefix: "test",
	}, zap.NewNop()), mock
}

func testKey(s string) types.Key {
	return types.KeyFor(5, []byte(s))
}

func TestArchiver_PutGet(t *testing.T) {
	archive, mock := newTestArchiver(t)
	ctx := context.Background()

	if err := archive.Put(ctx, testKey("a"), []byte("archived")); err != nil {
		t.Fatal(err)
	}

	got, err := archive.Get(ctx, testKey("a"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "archived" {
		t.Errorf("got %q", got)
	}

	objectKey := "test/" + file.FileName(testKey("a"))
	mock.mu.RLock()
	meta := mock.metadata[objectKey]
	mock.mu.RUnlock()
	if meta["tb-tag"] != "5" || meta["tb-size"] != "8" {
		t.Errorf("unexpected metadata %v", meta)
	}
}

func TestArchiver_GetMissing(t *testing.T) {
	archive, _ := newTestArchiver(t)
	_, err := archive.Get(context.Background(), testKey("missing"))
	if !errors.Is(err, types.ErrNoSuchElement) {
		t.Fatalf("expected ErrNoSuchElement, got %v", err)
	}
}

func TestArchiver_Pop(t *testing.T) {
	archive, _ := newTestArchiver(t)
	var pop types.PopFunc = archive.Pop
	pop(testKey("evicted"), []byte("bytes"))

	exists, err := archive.Exists(context.Background(), testKey("evicted"))
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("popped value was not archived")
	}
}

func TestArchiver_PopFailureIsSwallowed(t *testing.T) {
	mock := newMockS3()
	mock.putDelay = time.Second
	archive := NewArchiver(mock, config.ArchiveConfig{
		Bucket:        "test-bucket",
		UploadTimeout: config.Duration(10 * time.Millisecond),
	}, zap.NewNop())

	start := time.Now()
	archive.Pop(testKey("slow"), []byte("x"))
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Pop ignored the upload timeout")
	}
	exists, _ := archive.Exists(context.Background(), testKey("slow"))
	if exists {
		t.Error("timed out upload should not be stored")
	}
}

func TestArchiver_Delete(t *testing.T) {
	archive, mock := newTestArchiver(t)
	ctx := context.Background()
	archive.Put(ctx, testKey("a"), []byte("x"))

	if err := archive.Delete(ctx, testKey("a")); err != nil {
		t.Fatal(err)
	}
	mock.mu.RLock()
	remaining := len(mock.objects)
	mock.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected 0 objects after delete, got %d", remaining)
	}
}

func TestArchiver_Exists(t *testing.T) {
	archive, mock := newTestArchiver(t)
	ctx := context.Background()

	exists, err := archive.Exists(ctx, testKey("a"))
	if err != nil || exists {
		t.Fatalf("Exists before put = %v, %v", exists, err)
	}

	archive.Put(ctx, testKey("a"), []byte("x"))
	exists, _ = archive.Exists(ctx, testKey("a"))
	if !exists {
		t.Error("expected exists after put")
	}

	mock.headErr = fmt.Errorf("simulated S3 error")
	if _, err := archive.Exists(ctx, testKey("a")); err == nil {
		t.Error("expected transport error to surface")
	}
}

func TestArchiver_S3Errors(t *testing.T) {
	mock := newMockS3()
	mock.putErr = fmt.Errorf("simulated S3 error")
	mock.getErr = fmt.Errorf("simulated S3 error")
	mock.delErr = fmt.Errorf("simulated S3 error")
	archive := NewArchiver(mock, config.ArchiveConfig{Bucket: "b"}, zap.NewNop())
	ctx := context.Background()

	if err := archive.Put(ctx, testKey("a"), []byte("x")); err == nil || !strings.Contains(err.Error(), "S3") {
		t.Fatalf("expected S3 error from Put, got: %v", err)
	}
	if _, err := archive.Get(ctx, testKey("a")); err == nil || errors.Is(err, types.ErrNoSuchElement) {
		t.Fatalf("expected transport error from Get, got: %v", err)
	}
	if err := archive.Delete(ctx, testKey("a")); err == nil {
		t.Fatal("expected error from Delete")
	}
}

func TestArchiver_Ping(t *testing.T) {
	archive, mock := newTestArchiver(t)
	if err := archive.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	mock.headErr = fmt.Errorf("bucket unreachable")
	if err := archive.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure")
	}
}

func TestArchiver_Race_ConcurrentPop(t *testing.T) {
	archive, mock := newTestArchiver(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			archive.Pop(testKey(fmt.Sprint(n)), []byte(fmt.Sprint(n)))
		}(i)
	}
	wg.Wait()

	mock.mu.RLock()
	defer mock.mu.RUnlock()
	if len(mock.objects) != 50 {
		t.Fatalf("expected 50 archived objects, got %d", len(mock.objects))
	}
}
