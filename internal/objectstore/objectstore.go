// Package objectstore narrows the AWS S3 client down to the handful of
// operations the driver and the reduce coordinator actually need: list,
// get, and put with metadata. Narrowing the interface is what lets the
// test suite fake the object store in-memory instead of hitting AWS,
// matching the teacher's own dependency-light, interface-driven style.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	otypes "github.com/biglambda/orchestrator/internal/types"
)

// Store is the object-store contract the orchestrator depends on.
type Store interface {
	// List returns every object under bucket whose key has the given
	// prefix.
	List(ctx context.Context, bucket, prefix string) ([]otypes.ObjectRef, error)

	// Get returns the full body and metadata of bucket/key.
	Get(ctx context.Context, bucket, key string) ([]byte, map[string]string, error)

	// Put writes data to bucket/key with the given metadata.
	Put(ctx context.Context, bucket, key string, data []byte, metadata map[string]string) error

	// PutIfAbsent writes data to bucket/key only if no object currently
	// exists at that key. It returns ok=false, nil error if the object
	// already existed (a losing race, not a failure). This is the
	// optional conditional-put guard SPEC_FULL.md §4.4 calls out as an
	// optimization, never required for correctness.
	PutIfAbsent(ctx context.Context, bucket, key string, data []byte, metadata map[string]string) (ok bool, err error)
}

// S3Store is the production Store backed by the AWS SDK for Go v2.
type S3Store struct {
	client *s3.Client
}

// NewS3Store wraps an s3.Client.
func NewS3Store(client *s3.Client) *S3Store {
	return &S3Store{client: client}
}

func (s *S3Store) List(ctx context.Context, bucket, prefix string) ([]otypes.ObjectRef, error) {
	var refs []otypes.ObjectRef
	var token *string

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
		}

		for _, obj := range out.Contents {
			size := int64(0)
			if obj.Size != nil {
				size = *obj.Size
			}
			refs = append(refs, otypes.ObjectRef{
				Bucket: bucket,
				Key:    aws.ToString(obj.Key),
				Size:   size,
			})
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}

	return refs, nil
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, map[string]string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}

	return body, out.Metadata, nil
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, metadata map[string]string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3Store) PutIfAbsent(ctx context.Context, bucket, key string, data []byte, metadata map[string]string) (bool, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		Metadata:    metadata,
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return true, nil
	}

	if isPreconditionFailed(err) {
		return false, nil
	}
	return false, fmt.Errorf("put-if-absent %s/%s: %w", bucket, key, err)
}

func isPreconditionFailed(err error) bool {
	// The SDK surfaces If-None-Match failures as an opaque API error with
	// HTTP status 412; string-matching the status code is what the SDK's
	// own smithy transport leaves us without a typed error for PutObject.
	return strings.Contains(err.Error(), "PreconditionFailed") || strings.Contains(err.Error(), "412")
}

// FakeStore is an in-memory Store used by tests. It is safe for
// concurrent use so coordinator tests can exercise concurrent duplicate
// invocations (SPEC_FULL.md §8, scenario S4).
type FakeStore struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	data     []byte
	metadata map[string]string
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{objects: make(map[string]fakeObject)}
}

func fakeKey(bucket, key string) string {
	return bucket + "/" + key
}

func (f *FakeStore) List(_ context.Context, bucket, prefix string) ([]otypes.ObjectRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var refs []otypes.ObjectRef
	for k, obj := range f.objects {
		key, isBucket := strings.CutPrefix(k, bucket+"/")
		if !isBucket || !strings.HasPrefix(key, prefix) {
			continue
		}
		refs = append(refs, otypes.ObjectRef{Bucket: bucket, Key: key, Size: int64(len(obj.data))})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}

func (f *FakeStore) Get(_ context.Context, bucket, key string) ([]byte, map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[fakeKey(bucket, key)]
	if !ok {
		return nil, nil, fmt.Errorf("get %s/%s: not found", bucket, key)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, obj.metadata, nil
}

func (f *FakeStore) Put(_ context.Context, bucket, key string, data []byte, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[fakeKey(bucket, key)] = fakeObject{data: cp, metadata: metadata}
	return nil
}

func (f *FakeStore) PutIfAbsent(_ context.Context, bucket, key string, data []byte, metadata map[string]string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := fakeKey(bucket, key)
	if _, exists := f.objects[k]; exists {
		return false, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[k] = fakeObject{data: cp, metadata: metadata}
	return true, nil
}
