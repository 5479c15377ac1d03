package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeObject struct {
	data []byte
	meta map[string]string
	etag string
}

// fakeAPI is an in-memory bucket that honours If-None-Match and If-Match on PutObject.
type fakeAPI struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]fakeObject
	seq     int
	// failWrite, when set, can reject a PutObject or CopyObject by destination key.
	failWrite func(key string) error
}

// failWrites installs fail for every later write.
func (f *fakeAPI) failWrites(fail func(key string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failWrite = fail
}

func (f *fakeAPI) rejectWrite(key string) error {
	if f.failWrite == nil {
		return nil
	}

	return f.failWrite(key)
}

func newFakeAPI(bucket string) *fakeAPI {
	return &fakeAPI{bucket: bucket, objects: make(map[string]fakeObject)}
}

func preconditionFailed() error {
	return &smithy.GenericAPIError{
		Code:    "PreconditionFailed",
		Message: "At least one of the pre-conditions you specified did not hold",
	}
}

func (f *fakeAPI) nextETag() string {
	f.seq++

	return fmt.Sprintf("\"etag-%d\"", f.seq)
}

func (f *fakeAPI) PutObject(
	_ context.Context,
	in *s3.PutObjectInput,
	_ ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := aws.ToString(in.Key)
	if err = f.rejectWrite(key); err != nil {
		return nil, err
	}

	current, exists := f.objects[key]

	if aws.ToString(in.IfNoneMatch) == "*" && exists {
		return nil, preconditionFailed()
	}

	if in.IfMatch != nil && (!exists || current.etag != aws.ToString(in.IfMatch)) {
		return nil, preconditionFailed()
	}

	meta := make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		meta[k] = v
	}

	obj := fakeObject{data: data, meta: meta, etag: f.nextETag()}
	f.objects[key] = obj

	return &s3.PutObjectOutput{ETag: aws.String(obj.etag)}, nil
}

func (f *fakeAPI) GetObject(
	_ context.Context,
	in *s3.GetObjectInput,
	_ ...func(*s3.Options),
) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(obj.etag),
		Metadata:      obj.meta,
	}, nil
}

func (f *fakeAPI) HeadObject(
	_ context.Context,
	in *s3.HeadObjectInput,
	_ ...func(*s3.Options),
) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}

	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(obj.etag),
		Metadata:      obj.meta,
	}, nil
}

func (f *fakeAPI) CopyObject(
	_ context.Context,
	in *s3.CopyObjectInput,
	_ ...func(*s3.Options),
) (*s3.CopyObjectOutput, error) {
	source, err := url.PathUnescape(aws.ToString(in.CopySource))
	if err != nil {
		return nil, err
	}

	srcKey := strings.TrimPrefix(source, f.bucket+"/")

	f.mu.Lock()
	defer f.mu.Unlock()

	if err = f.rejectWrite(aws.ToString(in.Key)); err != nil {
		return nil, err
	}

	obj, ok := f.objects[srcKey]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}

	obj.etag = f.nextETag()
	f.objects[aws.ToString(in.Key)] = obj

	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(
	_ context.Context,
	in *s3.DeleteObjectInput,
	_ ...func(*s3.Options),
) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, aws.ToString(in.Key))

	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObjects(
	_ context.Context,
	in *s3.DeleteObjectsInput,
	_ ...func(*s3.Options),
) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}

	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeAPI) ListObjectsV2(
	_ context.Context,
	in *s3.ListObjectsV2Input,
	_ ...func(*s3.Options),
) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string

	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	contents := make([]types.Object, 0, len(keys))
	for _, key := range keys {
		contents = append(contents, types.Object{Key: aws.String(key)})
	}

	return &s3.ListObjectsV2Output{Contents: contents, IsTruncated: aws.Bool(false)}, nil
}

// keys returns every stored key, sorted.
func (f *fakeAPI) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.objects))
	for key := range f.objects {
		out = append(out, key)
	}

	sort.Strings(out)

	return out
}
