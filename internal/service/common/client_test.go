//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/fabric-provisioner/internal/config"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
)

// TestDial_ValidatesAddress verifies that Dial rejects empty addresses.
func TestDial_ValidatesAddress(t *testing.T) {
	t.Parallel()

	c, err := Dial(context.Background(), "")
	require.Error(t, err)
	require.Nil(t, c)
}

// TestDial_Options verifies the default timeout and option overrides.
func TestDial_Options(t *testing.T) {
	t.Parallel()

	c, err := Dial(context.Background(), "127.0.0.1:1")
	require.NoError(t, err)
	require.Equal(t, config.DefaultTimeout, c.callTimeout)
	require.NoError(t, c.Close())

	c, err = Dial(context.Background(), "127.0.0.1:1", WithCallTimeout(time.Second), WithCallTimeout(0))
	require.NoError(t, err)
	require.Equal(t, time.Second, c.callTimeout)
	require.NoError(t, c.Close())
}

// TestClient_callContext checks timeout vs cancel-only behavior of callContext.
func TestClient_callContext(t *testing.T) {
	t.Parallel()

	c := &Client{
		callTimeout: 0,
	}

	ctx, cancel := c.callContext(context.Background())
	cancel()

	require.NotNil(t, ctx)

	c.callTimeout = 10 * time.Millisecond

	ctx, cancel = c.callContext(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(10*time.Millisecond), deadline, 30*time.Millisecond)
}

// TestBuildApplicationType_LayoutRequired asserts that an empty layout tag is rejected by the client.
func TestBuildApplicationType_LayoutRequired(t *testing.T) {
	t.Parallel()

	c := new(Client)

	_, err := c.BuildApplicationType(context.Background(), "", false)
	require.ErrorIs(t, err, errLayoutRequired)
}

// TestClient_UnreachableServerIsRetryable verifies a dead server surfaces as a retryable error.
func TestClient_UnreachableServerIsRetryable(t *testing.T) {
	t.Parallel()

	c, err := Dial(context.Background(), "127.0.0.1:1", WithCallTimeout(2*time.Second))
	require.NoError(t, err)

	defer func() {
		_ = c.Close()
	}()

	_, err = c.ListVersions(context.Background())
	require.Error(t, err)
	require.True(t, errkind.IsRetryable(err), "%v", err)
}
