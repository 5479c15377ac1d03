package s3

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/fsutil"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
	"github.com/oshokin/fabric-provisioner/internal/version"
)

// Name identifies the backend in logs and metrics.
const Name = "s3"

// deleteBatchSize is the DeleteObjects limit per request.
const deleteBatchSize = 1000

// ObjectAPI is the subset of the S3 client the store uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(
		ctx context.Context,
		in *s3.DeleteObjectInput,
		opts ...func(*s3.Options),
	) (*s3.DeleteObjectOutput, error)
	DeleteObjects(
		ctx context.Context,
		in *s3.DeleteObjectsInput,
		opts ...func(*s3.Options),
	) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(
		ctx context.Context,
		in *s3.ListObjectsV2Input,
		opts ...func(*s3.Options),
	) (*s3.ListObjectsV2Output, error)
}

// Config locates the bucket and carries client settings.
type Config struct {
	// Bucket must already exist.
	Bucket string
	// Prefix namespaces every key of this store.
	Prefix string
	// Region is the bucket region.
	Region string
	// Endpoint overrides the AWS endpoint and switches to path-style addressing.
	Endpoint string
	// AccessKeyID and SecretAccessKey select static credentials; empty uses the default chain.
	AccessKeyID     string
	SecretAccessKey string
	// MaxRetries is the maximum number of attempts per request.
	MaxRetries int
}

// stored is what a tag resolves to: a single object, or a folder index whose
// members live under Generation.
type stored struct {
	content.Manifest `yaml:",inline"`

	Generation string `yaml:"generation,omitempty"`
}

func (o *stored) manifest() *content.Manifest {
	if o == nil {
		return nil
	}

	return &o.Manifest
}

// Store keeps content in an S3-compatible bucket.
type Store struct {
	api   ObjectAPI
	keys  keyspace
	host  string
	pid   int
	now   func() time.Time
	alive func(pid int) bool
}

var _ content.Backend = (*Store)(nil)

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the clock used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithProcessProbe overrides how a lease holder's liveness is checked on this host.
func WithProcessProbe(alive func(pid int) bool) Option {
	return func(s *Store) {
		s.alive = alive
	}
}

// New builds an S3 client from cfg, checks bucket access and returns the store.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 store: bucket is required")
	}

	if cfg.Region == "" {
		return nil, errors.New("s3 store: region is required")
	}

	configOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithAppID(version.AppID()),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	if cfg.MaxRetries > 0 {
		configOptions = append(configOptions, awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = cfg.MaxRetries
			})
		}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	if _, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("access bucket %q: %w", cfg.Bucket, err)
	}

	return NewWithAPI(client, cfg.Bucket, cfg.Prefix, opts...), nil
}

// NewWithAPI wraps an existing object API, e.g. a preconfigured client or a test double.
func NewWithAPI(api ObjectAPI, bucket, prefix string, opts ...Option) *Store {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	s := &Store{
		api:   api,
		keys:  newKeyspace(bucket, prefix),
		host:  host,
		pid:   os.Getpid(),
		now:   time.Now,
		alive: processAlive,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name implements content.Backend.
func (s *Store) Name() string {
	return Name
}

// Close implements content.Backend.
func (s *Store) Close() error {
	return nil
}

// Exists implements content.Store.
func (s *Store) Exists(ctx context.Context, tag string) (bool, error) {
	const op = "exists"

	clean, err := content.CleanTag(tag)
	if err != nil {
		return false, err
	}

	if err = errkind.FromContext(ctx, op, clean); err != nil {
		return false, err
	}

	m, err := s.describe(ctx, clean)
	if err != nil {
		return false, content.Fail(op, clean, err)
	}

	return m != nil, nil
}

// Upload implements content.Store.
func (s *Store) Upload(ctx context.Context, tag, source string, flag content.CopyFlag, overwrite bool) error {
	const op = "upload"

	clean, err := content.CleanTag(tag)
	if err != nil {
		return err
	}

	if _, err = os.Stat(source); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errkind.New(errkind.KindNotFound, op, clean, "source %s does not exist", source)
		}

		return content.Fail(op, clean, err)
	}

	candidate, err := content.Describe(ctx, source)
	if err != nil {
		return content.Fail(op, clean, err)
	}

	existing, err := s.describe(ctx, clean)
	if err != nil {
		return content.Fail(op, clean, err)
	}

	publish, err := content.Decide(op, clean, existing.manifest(), candidate, flag, overwrite)
	if err != nil || !publish {
		return err
	}

	id := uuid.NewString()
	defer s.discard(clean, id, candidate.Dir)

	for _, f := range candidate.Files {
		local := source
		if candidate.Dir {
			local = filepath.Join(source, filepath.FromSlash(f.Path))
		}

		if err = s.putFile(ctx, s.stagedKey(clean, id, candidate.Dir, f.Path), local, f); err != nil {
			return content.Fail(op, clean, err)
		}
	}

	return content.Fail(op, clean, s.publish(ctx, clean, id, existing, candidate))
}

// Download implements content.Store.
func (s *Store) Download(ctx context.Context, tag, destination string, flag content.CopyFlag) error {
	const op = "download"

	clean, err := content.CleanTag(tag)
	if err != nil {
		return err
	}

	if err = errkind.FromContext(ctx, op, clean); err != nil {
		return err
	}

	m, err := s.describe(ctx, clean)
	if err != nil {
		return content.Fail(op, clean, err)
	}

	if m == nil {
		return content.NotFound(op, clean)
	}

	if flag == content.CopyIfDifferent {
		if local, err := describeLocal(ctx, destination); err == nil && m.manifest().Matches(local) {
			return nil
		}
	}

	if !m.Dir {
		return content.Fail(op, clean, s.downloadFile(ctx, s.keys.object(clean), destination, m.Digest))
	}

	return content.Fail(op, clean, s.downloadTree(ctx, clean, m, destination))
}

// Copy implements content.Store.
func (s *Store) Copy(
	ctx context.Context,
	srcTag, dstTag string,
	skip []string,
	flag content.CopyFlag,
	overwrite bool,
) error {
	const op = "copy"

	src, err := content.CleanTag(srcTag)
	if err != nil {
		return err
	}

	dst, err := content.CleanTag(dstTag)
	if err != nil {
		return err
	}

	source, err := s.describe(ctx, src)
	if err != nil {
		return content.Fail(op, src, err)
	}

	if source == nil {
		return content.NotFound(op, src)
	}

	candidate := source.manifest()
	if source.Dir {
		candidate = filterManifest(candidate, content.MatchSkip(skip))
	}

	existing, err := s.describe(ctx, dst)
	if err != nil {
		return content.Fail(op, dst, err)
	}

	publish, err := content.Decide(op, dst, existing.manifest(), candidate, flag, overwrite)
	if err != nil || !publish {
		return err
	}

	id := uuid.NewString()
	defer s.discard(dst, id, candidate.Dir)

	for _, f := range candidate.Files {
		if err = errkind.FromContext(ctx, op, dst); err != nil {
			return err
		}

		srcKey := s.sourceKey(src, source, f.Path)
		if err = s.copyObject(ctx, srcKey, s.stagedKey(dst, id, candidate.Dir, f.Path)); err != nil {
			return content.Fail(op, dst, err)
		}
	}

	return content.Fail(op, dst, s.publish(ctx, dst, id, existing, candidate))
}

// Delete implements content.Store.
func (s *Store) Delete(ctx context.Context, tag string) error {
	const op = "delete"

	clean, err := content.CleanTag(tag)
	if err != nil {
		return err
	}

	if err = errkind.FromContext(ctx, op, clean); err != nil {
		return err
	}

	// Index objects go first so the folder stops resolving before its members disappear.
	keys := []string{s.keys.index(clean)}

	for _, prefix := range []string{s.keys.indexFolder(clean), s.keys.folder(clean)} {
		listed, err := s.listKeys(ctx, prefix)
		if err != nil {
			return content.Fail(op, clean, err)
		}

		keys = append(keys, listed...)
	}

	keys = append(keys, s.keys.object(clean))

	return content.Fail(op, clean, s.deleteKeys(ctx, keys))
}

// describe returns what tag resolves to, or nil when it does not exist.
func (s *Store) describe(ctx context.Context, tag string) (*stored, error) {
	head, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.keys.bucket),
		Key:    aws.String(s.keys.object(tag)),
	})

	switch {
	case err == nil:
		sum := head.Metadata[metaDigest]
		size := aws.ToInt64(head.ContentLength)

		return &stored{Manifest: content.Manifest{
			Size:   size,
			Digest: sum,
			Files:  []content.FileEntry{{Size: size, SHA256: sum}},
		}}, nil
	case !isNotFound(err):
		return nil, err
	}

	data, err := s.getBytes(ctx, s.keys.index(tag))
	if isNotFound(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var index stored
	if err = yaml.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse folder index of %s: %w", tag, err)
	}

	if index.Generation == "" {
		return nil, fmt.Errorf("folder index of %s names no generation", tag)
	}

	return &index, nil
}

// publish makes staged content visible. A single file is one server-side copy.
// A folder was written under a fresh generation, so writing its index is the
// only commit point; until then readers keep resolving the previous content.
// The replaced content is removed afterwards.
func (s *Store) publish(ctx context.Context, tag, id string, existing *stored, candidate *content.Manifest) error {
	if !candidate.Dir {
		if err := s.copyObject(ctx, s.keys.staging(id, ""), s.keys.object(tag)); err != nil {
			return err
		}

		if existing != nil && existing.Dir {
			s.collect(ctx, tag, append(s.generationKeys(ctx, tag, existing.Generation), s.keys.index(tag)))
		}

		return nil
	}

	index, err := yaml.Marshal(&stored{Manifest: *candidate, Generation: id})
	if err != nil {
		return err
	}

	if err = s.putBytes(ctx, s.keys.index(tag), index, nil); err != nil {
		return err
	}

	switch {
	case existing == nil:
	case !existing.Dir:
		s.collect(ctx, tag, []string{s.keys.object(tag)})
	case existing.Generation != id:
		s.collect(ctx, tag, s.generationKeys(ctx, tag, existing.Generation))
	}

	return nil
}

// stagedKey is where member rel of an unpublished write goes: the staging slot
// for single files, the new generation for folders.
func (s *Store) stagedKey(tag, id string, dir bool, rel string) string {
	if dir {
		return s.keys.member(tag, id, rel)
	}

	return s.keys.staging(id, "")
}

// sourceKey is the object holding member rel of a resolved tag.
func (s *Store) sourceKey(tag string, o *stored, rel string) string {
	if o.Dir {
		return s.keys.member(tag, o.Generation, rel)
	}

	return s.keys.object(tag)
}

func (s *Store) generationKeys(ctx context.Context, tag, generation string) []string {
	keys, err := s.listKeys(ctx, s.keys.generationFolder(tag, generation))
	if err != nil {
		logger.WarnKV(ctx, "Failed to list replaced folder generation", "tag", tag, "error", err)
	}

	return keys
}

// collect removes replaced content after a commit. The new content is already
// live, so a failure leaves unreachable objects behind and is only logged.
func (s *Store) collect(ctx context.Context, tag string, keys []string) {
	if len(keys) == 0 {
		return
	}

	if err := s.deleteKeys(ctx, keys); err != nil {
		logger.WarnKV(ctx, "Failed to remove replaced content", "tag", tag, "error", err)
	}
}

// discard removes what an unpublished write left behind on every exit path.
// A folder generation is kept when the index names it, since a commit may have
// succeeded even though its response was lost.
func (s *Store) discard(tag, id string, dir bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	prefix := s.keys.stagingFolder(id)
	keys := []string{s.keys.staging(id, "")}

	if dir {
		current, err := s.describe(ctx, tag)
		if err != nil || (current != nil && current.Generation == id) {
			return
		}

		prefix = s.keys.generationFolder(tag, id)
		keys = nil
	}

	listed, err := s.listKeys(ctx, prefix)
	if err != nil {
		return
	}

	_ = s.deleteKeys(ctx, append(keys, listed...))
}

func (s *Store) putFile(ctx context.Context, key, local string, entry content.FileEntry) error {
	f, err := os.Open(filepath.Clean(local))
	if err != nil {
		return err
	}

	defer func() {
		_ = f.Close()
	}()

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.keys.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(entry.Size),
		Metadata:      map[string]string{metaDigest: entry.SHA256},
	})

	return err
}

func (s *Store) putBytes(ctx context.Context, key string, data []byte, in func(*s3.PutObjectInput)) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.keys.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}

	if in != nil {
		in(input)
	}

	_, err := s.api.PutObject(ctx, input)

	return err
}

func (s *Store) getBytes(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.keys.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = out.Body.Close()
	}()

	return io.ReadAll(out.Body)
}

func (s *Store) copyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := s.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.keys.bucket),
		Key:               aws.String(dstKey),
		CopySource:        aws.String(s.keys.copySource(srcKey)),
		MetadataDirective: types.MetadataDirectiveCopy,
	})

	return err
}

func (s *Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.keys.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	return keys, nil
}

func (s *Store) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}

		out, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.keys.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}

		if len(out.Errors) > 0 {
			first := out.Errors[0]

			return fmt.Errorf("delete %s: %s: %s",
				aws.ToString(first.Key), aws.ToString(first.Code), aws.ToString(first.Message))
		}
	}

	return nil
}

func (s *Store) downloadFile(ctx context.Context, key, destination, checksum string) error {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.keys.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}

	defer func() {
		_ = out.Body.Close()
	}()

	if info, err := os.Lstat(destination); err == nil && !info.Mode().IsRegular() {
		if err = os.RemoveAll(destination); err != nil {
			return err
		}
	}

	return content.ApplyFile(out.Body, destination, checksum)
}

// downloadTree fetches every member into a staged sibling of destination,
// verifying each against the index, then swaps it in.
func (s *Store) downloadTree(ctx context.Context, tag string, m *stored, destination string) error {
	parent := filepath.Dir(destination)
	if err := os.MkdirAll(parent, fsutil.DirMode); err != nil {
		return err
	}

	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(destination)+".download-*")
	if err != nil {
		return err
	}

	defer func() {
		_ = os.RemoveAll(tmp)
	}()

	staged := filepath.Join(tmp, "content")
	if err = os.MkdirAll(staged, fsutil.DirMode); err != nil {
		return err
	}

	for _, f := range m.Files {
		if err = errkind.FromContext(ctx, "download", tag); err != nil {
			return err
		}

		local := filepath.Join(staged, filepath.FromSlash(f.Path))
		if err = s.fetchMember(ctx, s.keys.member(tag, m.Generation, f.Path), local, f); err != nil {
			return err
		}
	}

	return fsutil.ReplacePath(staged, destination, filepath.Join(tmp, "trash"))
}

func (s *Store) fetchMember(ctx context.Context, key, local string, entry content.FileEntry) error {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.keys.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s vanished during download: %w", key, content.ErrChecksumMismatch)
		}

		return err
	}

	defer func() {
		_ = out.Body.Close()
	}()

	if err = os.MkdirAll(filepath.Dir(local), fsutil.DirMode); err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Clean(local), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fsutil.FileMode)
	if err != nil {
		return err
	}

	h := content.DigestHash.New()

	if _, err = io.Copy(io.MultiWriter(f, h), out.Body); err != nil {
		_ = f.Close()
		return err
	}

	if err = f.Close(); err != nil {
		return err
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != entry.SHA256 {
		return fmt.Errorf("%s: %w", key, content.ErrChecksumMismatch)
	}

	return nil
}

// filterManifest drops skipped members from a folder manifest.
func filterManifest(m *content.Manifest, skip func(rel string) bool) *content.Manifest {
	if skip == nil {
		return m
	}

	kept := make([]content.FileEntry, 0, len(m.Files))

	for _, f := range m.Files {
		if skip(f.Path) || skippedByParent(f.Path, skip) {
			continue
		}

		kept = append(kept, f)
	}

	return content.TreeManifest(kept)
}

// skippedByParent mirrors directory skipping of local copies: a skipped folder drops its members.
func skippedByParent(rel string, skip func(rel string) bool) bool {
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if skip(dir) {
			return true
		}
	}

	return false
}

func describeLocal(ctx context.Context, p string) (*content.Manifest, error) {
	if _, err := os.Stat(p); err != nil {
		return nil, err
	}

	return content.Describe(ctx, p)
}

// isNotFound recognises missing-object responses from GetObject and HeadObject.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	var (
		noSuchKey *types.NoSuchKey
		notFound  *types.NotFound
	)

	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}

	return false
}

// isPreconditionFailed recognises a lost conditional write.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	default:
		return false
	}
}
