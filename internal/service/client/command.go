package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/oshokin/fabric-provisioner/internal/config"
	"github.com/oshokin/fabric-provisioner/internal/domain/fabric"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/repository/registry"
	"github.com/oshokin/fabric-provisioner/internal/service/common"
)

// Options configures a provisionerctl invocation.
type Options struct {
	// ConfigPath to YAML settings file, defaults to standard filename if empty.
	ConfigPath string

	// ServerAddress overrides server address from config when specified.
	ServerAddress string

	// Retries bounds additional attempts after a retryable failure.
	Retries int

	// Out receives command output; nil means stdout.
	Out io.Writer
}

// Command performs one call through an established client.
type Command func(ctx context.Context, c *common.Client, out io.Writer) error

// defaultRetryInterval defines the delay between attempts after a retryable failure.
const defaultRetryInterval = 1 * time.Second

// currentVersion highlights the version the cluster runs; color is dropped when out is not a terminal.
//
//nolint:gochecknoglobals // Shared style.
var currentVersion = color.New(color.FgGreen, color.Bold)

// Run dials the server and performs cmd, retrying retryable failures until
// opts.Retries is exhausted or ctx is cancelled.
func Run(ctx context.Context, opts *Options, cmd Command) error {
	ctx = logger.WithName(ctx, "provisionerctl")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	if err = logger.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	serverAddress := cfg.ServerAddress
	if opts.ServerAddress != "" {
		serverAddress = opts.ServerAddress
	}

	// Identify current user and hostname for audit logging.
	actor, err := common.DetectActor()
	if err != nil {
		return err
	}

	client, err := common.Dial(ctx, serverAddress,
		common.WithCallTimeout(cfg.Timeout),
		common.WithActor(actor))
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	return retry(ctx, opts.Retries, defaultRetryInterval, func() error {
		return cmd(ctx, client, out)
	})
}

// retry calls attempt once and then again after each retryable failure.
func retry(ctx context.Context, retries int, interval time.Duration, attempt func() error) error {
	err := attempt()

	if err == nil || !errkind.IsRetryable(err) || retries <= 0 {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for left := retries; left > 0; left-- {
		logger.WarnKV(ctx, "Retryable failure, trying again", "error", err, "attempts_left", left)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err = attempt()
		if err == nil || !errkind.IsRetryable(err) {
			return err
		}
	}

	return err
}

// Build builds the application type staged under layoutTag.
func Build(layoutTag string, ignoreConflict bool) Command {
	return func(ctx context.Context, c *common.Client, out io.Writer) error {
		tv, err := c.BuildApplicationType(ctx, layoutTag, ignoreConflict)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(out, tv)

		return err
	}
}

// Resolve prints the fabric version of staged artifacts.
func Resolve(codeTag, configTag string) Command {
	return func(ctx context.Context, c *common.Client, out io.Writer) error {
		v, err := c.ResolveVersion(ctx, codeTag, configTag)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(out, v)

		return err
	}
}

// Provision registers staged artifacts and prints the resulting version.
func Provision(codeTag, configTag, infrastructureTag string) Command {
	return func(ctx context.Context, c *common.Client, out io.Writer) error {
		v, err := c.Provision(ctx, codeTag, configTag, infrastructureTag)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(out, v)

		return err
	}
}

// Upgrade moves the cluster from current to target.
func Upgrade(current, target string) Command {
	return func(ctx context.Context, c *common.Client, out io.Writer) error {
		cur, err := parseVersion("current", current)
		if err != nil {
			return err
		}

		tgt, err := parseVersion("target", target)
		if err != nil {
			return err
		}

		if err = c.Upgrade(ctx, cur, tgt); err != nil {
			return err
		}

		_, err = fmt.Fprintf(out, "upgraded %s -> %s\n", cur, tgt)

		return err
	}
}

// Unprovision removes a provisioned version.
func Unprovision(version string) Command {
	return func(ctx context.Context, c *common.Client, out io.Writer) error {
		v, err := parseVersion("version", version)
		if err != nil {
			return err
		}

		if err = c.Unprovision(ctx, v); err != nil {
			return err
		}

		_, err = fmt.Fprintf(out, "unprovisioned %s\n", v)

		return err
	}
}

// List prints every registered version, marking the current one.
func List() Command {
	return func(ctx context.Context, c *common.Client, out io.Writer) error {
		idx, err := c.ListVersions(ctx)
		if err != nil {
			return err
		}

		return writeIndex(out, idx)
	}
}

func parseVersion(field, s string) (fabric.Version, error) {
	v, err := fabric.ParseVersion(s)
	if err != nil {
		return fabric.Version{}, errkind.Wrap(errkind.KindValidation, "parse "+field, s, err)
	}

	return v, nil
}

// writeIndex renders one line per record: marker, version, state and provisioning time.
func writeIndex(out io.Writer, idx *registry.Index) error {
	if idx == nil || len(idx.Versions) == 0 {
		_, err := fmt.Fprintln(out, "no fabric versions are provisioned")

		return err
	}

	for _, r := range idx.Versions {
		line := fmt.Sprintf("%-24s %-12s %s", r.Version, r.State, r.ProvisionedAt.Format(time.RFC3339))

		var err error
		if idx.Current != nil && *idx.Current == r.Version {
			_, err = currentVersion.Fprintln(out, "* "+line)
		} else {
			_, err = fmt.Fprintln(out, "  "+line)
		}

		if err != nil {
			return err
		}
	}

	return nil
}
