package provision

import (
	"context"
	"errors"
	"fmt"
	"os"

	"aead.dev/minisign"

	"github.com/oshokin/fabric-provisioner/internal/repository/content"
)

// SignatureSuffix names the detached signature of a code artifact: the tag
// "<code tag>.minisig" is fetched next to the artifact when it exists.
const SignatureSuffix = ".minisig"

var (
	errUnsigned     = errors.New("code artifact is not signed")
	errBadSignature = errors.New("signature does not match the artifact content")
)

// MinisignVerifier accepts artifacts whose content digest is signed by Key.
// Files and folders are signed the same way, over the digest content.Describe reports.
type MinisignVerifier struct {
	Key minisign.PublicKey
}

var _ SignatureVerifier = (*MinisignVerifier)(nil)

// NewMinisignVerifier loads a minisign public key file.
func NewMinisignVerifier(keyFile string) (*MinisignVerifier, error) {
	key, err := minisign.PublicKeyFromFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load signature public key: %w", err)
	}

	return &MinisignVerifier{Key: key}, nil
}

// Verify implements SignatureVerifier.
func (v *MinisignVerifier) Verify(ctx context.Context, path string) error {
	signature, err := os.ReadFile(path + SignatureSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return errUnsigned
	}

	if err != nil {
		return err
	}

	m, err := content.Describe(ctx, path)
	if err != nil {
		return err
	}

	if !minisign.Verify(v.Key, []byte(m.Digest), signature) {
		return errBadSignature
	}

	return nil
}

// fetchSignature downloads the detached signature of codeTag next to local, if one is published.
func (p *Pipeline) fetchSignature(ctx context.Context, codeTag, local string) error {
	ok, err := p.store.Exists(ctx, codeTag+SignatureSuffix)
	if err != nil || !ok {
		return err
	}

	return p.store.Download(ctx, codeTag+SignatureSuffix, local+SignatureSuffix, content.AtomicCopy)
}
