package s3

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	ps "github.com/mitchellh/go-ps"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
)

// acquireAttempts bounds retries when a marker vanishes between create and read.
const acquireAttempts = 3

// TryAcquire implements content.Leaser with a conditional create
// (If-None-Match: *). An expired marker is replaced with If-Match on its ETag,
// so only one of several concurrent stealers wins.
func (s *Store) TryAcquire(ctx context.Context, tag string, ttl time.Duration) (*content.Lease, error) {
	const op = "acquire"

	clean, err := content.CleanLeaseTag(tag)
	if err != nil {
		return nil, err
	}

	key := s.keys.marker(clean)

	for range acquireAttempts {
		if err = errkind.FromContext(ctx, op, clean); err != nil {
			return nil, err
		}

		now := s.now()
		lease := s.newLease(clean, 1, now, ttl)

		err = s.writeMarker(ctx, key, lease, func(in *s3.PutObjectInput) {
			in.IfNoneMatch = aws.String("*")
		})
		if err == nil {
			return lease, nil
		}

		if !isPreconditionFailed(err) {
			return nil, content.Fail(op, clean, err)
		}

		current, err := s.readMarker(ctx, key)
		if isNotFound(err) {
			continue
		}

		if err != nil {
			return nil, content.Fail(op, clean, err)
		}

		if !s.stale(current, now) {
			return nil, content.Busy(op, clean, current)
		}

		stolen := s.newLease(clean, current.Fence+1, now, ttl)

		err = s.writeMarker(ctx, key, stolen, func(in *s3.PutObjectInput) {
			in.IfMatch = aws.String(current.Version)
		})

		switch {
		case err == nil:
			return stolen, nil
		case isPreconditionFailed(err):
			return nil, content.Busy(op, clean, nil)
		default:
			return nil, content.Fail(op, clean, err)
		}
	}

	return nil, content.Busy(op, clean, nil)
}

// Renew implements content.Leaser.
func (s *Store) Renew(ctx context.Context, lease *content.Lease, ttl time.Duration) error {
	const op = "renew"

	key := s.keys.marker(lease.Tag)

	current, err := s.readMarker(ctx, key)
	if err != nil && !isNotFound(err) {
		return content.Fail(op, lease.Tag, err)
	}

	if current == nil || current.Token != lease.Token {
		return errkind.New(errkind.KindTransient, op, lease.Tag, "lease was lost")
	}

	renewed := *lease
	renewed.ExpiresAt = s.now().Add(ttl)

	err = s.writeMarker(ctx, key, &renewed, func(in *s3.PutObjectInput) {
		in.IfMatch = aws.String(current.Version)
	})
	if isPreconditionFailed(err) {
		return errkind.New(errkind.KindTransient, op, lease.Tag, "lease was lost")
	}

	if err != nil {
		return content.Fail(op, lease.Tag, err)
	}

	lease.ExpiresAt = renewed.ExpiresAt
	lease.Version = renewed.Version

	return nil
}

// Release implements content.Leaser. A marker owned by someone else is left alone.
func (s *Store) Release(ctx context.Context, lease *content.Lease) error {
	const op = "release"

	key := s.keys.marker(lease.Tag)

	current, err := s.readMarker(ctx, key)

	switch {
	case isNotFound(err):
		return nil
	case err != nil:
		return content.Fail(op, lease.Tag, err)
	case current.Token != lease.Token:
		return nil
	}

	_, err = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.keys.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return content.Fail(op, lease.Tag, err)
	}

	return nil
}

// Holder implements content.Leaser.
func (s *Store) Holder(ctx context.Context, tag string) (*content.Lease, error) {
	const op = "holder"

	clean, err := content.CleanLeaseTag(tag)
	if err != nil {
		return nil, err
	}

	current, err := s.readMarker(ctx, s.keys.marker(clean))

	switch {
	case isNotFound(err):
		return nil, nil
	case err != nil:
		return nil, content.Fail(op, clean, err)
	case s.stale(current, s.now()):
		return nil, nil
	default:
		return current, nil
	}
}

// stale reports whether a lease no longer protects its tag.
func (s *Store) stale(lease *content.Lease, now time.Time) bool {
	if lease.Expired(now) {
		return true
	}

	return lease.Host == s.host && lease.PID != s.pid && !s.alive(lease.PID)
}

func (s *Store) newLease(tag string, fence int64, now time.Time, ttl time.Duration) *content.Lease {
	return &content.Lease{
		Tag:        tag,
		Token:      uuid.NewString(),
		Fence:      fence,
		Host:       s.host,
		PID:        s.pid,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

// writeMarker stores the lease record and records the resulting ETag in lease.Version.
func (s *Store) writeMarker(
	ctx context.Context,
	key string,
	lease *content.Lease,
	condition func(*s3.PutObjectInput),
) error {
	data, err := yaml.Marshal(lease)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.keys.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	condition(input)

	out, err := s.api.PutObject(ctx, input)
	if err != nil {
		return err
	}

	lease.Version = aws.ToString(out.ETag)

	return nil
}

// readMarker loads a lease record together with its ETag.
func (s *Store) readMarker(ctx context.Context, key string) (*content.Lease, error) {
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

	var lease content.Lease
	if err = yaml.NewDecoder(out.Body).Decode(&lease); err != nil {
		return nil, fmt.Errorf("parse marker %s: %w", key, err)
	}

	lease.Version = aws.ToString(out.ETag)

	return &lease, nil
}

// processAlive reports whether pid still runs on this host. Lookup errors count as alive.
func processAlive(pid int) bool {
	p, err := ps.FindProcess(pid)
	if err != nil {
		return true
	}

	return p != nil
}
