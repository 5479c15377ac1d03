package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/oshokin/fabric-provisioner/internal/config"
	"github.com/oshokin/fabric-provisioner/internal/repository/content"
	"github.com/oshokin/fabric-provisioner/internal/repository/content/local"
	"github.com/oshokin/fabric-provisioner/internal/repository/content/s3"
)

const (
	fileScheme = "file:"
	s3Scheme   = "s3://"
)

var (
	// errUnsupportedAddress is returned for addresses that name no known backend.
	errUnsupportedAddress = errors.New("store address must start with file: or s3://")

	// errMissingBucket is returned for an s3:// address without a bucket.
	errMissingBucket = errors.New("s3 store address has no bucket")
)

// Open connects to the backend named by address. Query parameters of an
// s3:// address (region, endpoint, max_retries) override defaults.
func Open(ctx context.Context, address string, defaults config.S3Config) (content.Backend, error) {
	switch {
	case strings.HasPrefix(address, fileScheme):
		root := strings.TrimPrefix(address, fileScheme)
		if root == "" {
			return nil, fmt.Errorf("%q: %w", address, errUnsupportedAddress)
		}

		return local.New(root)
	case strings.HasPrefix(address, s3Scheme):
		cfg, err := ParseS3Address(address, defaults)
		if err != nil {
			return nil, err
		}

		return s3.New(ctx, cfg)
	default:
		return nil, fmt.Errorf("%q: %w", address, errUnsupportedAddress)
	}
}

// ParseS3Address resolves an s3:// address against the configured defaults.
func ParseS3Address(address string, defaults config.S3Config) (s3.Config, error) {
	u, err := url.Parse(address)
	if err != nil {
		return s3.Config{}, fmt.Errorf("parse store address: %w", err)
	}

	if u.Host == "" {
		return s3.Config{}, fmt.Errorf("%q: %w", address, errMissingBucket)
	}

	options := defaults

	query := make(map[string]any, len(u.Query()))
	for key, values := range u.Query() {
		if len(values) > 0 {
			query[key] = values[len(values)-1]
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &options,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return s3.Config{}, err
	}

	if err = decoder.Decode(query); err != nil {
		return s3.Config{}, fmt.Errorf("store address options: %w", err)
	}

	if options.Region == "" {
		options.Region = config.DefaultS3Region
	}

	return s3.Config{
		Bucket:          u.Host,
		Prefix:          strings.Trim(u.Path, "/"),
		Region:          options.Region,
		Endpoint:        options.Endpoint,
		AccessKeyID:     options.AccessKeyID,
		SecretAccessKey: options.SecretAccessKey,
		MaxRetries:      options.MaxRetries,
	}, nil
}
