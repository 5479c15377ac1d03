package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/fabric-provisioner/internal/config"
	"github.com/oshokin/fabric-provisioner/internal/service/client"
	"github.com/oshokin/fabric-provisioner/internal/version"
)

// defaultRetries is how many times a retryable failure is tried again.
const defaultRetries = 5

var (
	// cfgPath stores the configuration file path.
	cfgPath string
	// serverAddress overrides the configured server.
	serverAddress string
	// retries bounds attempts after retryable failures.
	retries int
	// ignoreConflict lets build overwrite diverged packages.
	ignoreConflict bool
	// infrastructureTag names the infrastructure manifest for provision.
	infrastructureTag string

	// rootCmd represents the base command for talking to provisioner-server.
	rootCmd = &cobra.Command{
		Use:   "provisionerctl",
		Short: "Manage application types and fabric versions on a provisioning server.",
		Long: `Sends provisioning requests to provisioner-server.

Retryable failures, such as a tag being written by another process,
are tried again before the command gives up.`,
		SilenceUsage: true,
	}

	buildCmd = &cobra.Command{
		Use:   "build <layout-tag>",
		Short: "Build the application type staged under a store tag.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(client.Build(args[0], ignoreConflict))
		},
	}

	resolveCmd = &cobra.Command{
		Use:   "resolve <code-tag> [cluster-manifest-tag]",
		Short: "Print the fabric version of staged artifacts.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(client.Resolve(args[0], optional(args, 1)))
		},
	}

	provisionCmd = &cobra.Command{
		Use:   "provision <code-tag|\"\"> [cluster-manifest-tag]",
		Short: "Register staged code and configuration as a fabric version.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(client.Provision(args[0], optional(args, 1), infrastructureTag))
		},
	}

	upgradeCmd = &cobra.Command{
		Use:   "upgrade <current> <target>",
		Short: "Upgrade the cluster between two provisioned versions (Code:Config).",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(client.Upgrade(args[0], args[1]))
		},
	}

	unprovisionCmd = &cobra.Command{
		Use:   "unprovision <version>",
		Short: "Remove a provisioned fabric version (Code:Config).",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return run(client.Unprovision(args[0]))
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered fabric versions; the current one is marked with *.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(client.List())
		},
	}
)

func run(command client.Command) error {
	// Setup graceful shutdown handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return client.Run(ctx, &client.Options{
		ConfigPath:    cfgPath,
		ServerAddress: serverAddress,
		Retries:       retries,
	}, command)
}

func optional(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}

	return ""
}

// Execute runs the provisionerctl CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().
		StringVarP(&cfgPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&serverAddress, "server", "s", "", "server address, overrides config")
	rootCmd.PersistentFlags().IntVarP(&retries, "retries", "r", defaultRetries, "attempts after a retryable failure")

	buildCmd.Flags().BoolVar(&ignoreConflict, "ignore-conflict", false, "overwrite packages whose content diverged")
	provisionCmd.Flags().StringVar(&infrastructureTag, "infrastructure", "", "infrastructure manifest tag")

	rootCmd.AddCommand(buildCmd, resolveCmd, provisionCmd, upgradeCmd, unprovisionCmd, listCmd)
}
