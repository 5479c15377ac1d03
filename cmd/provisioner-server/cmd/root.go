package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/fabric-provisioner/internal/config"
	"github.com/oshokin/fabric-provisioner/internal/service/server"
	"github.com/oshokin/fabric-provisioner/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// storeAddress overrides the configured content store.
	storeAddress string

	// rootCmd represents the base command for running the gRPC server.
	rootCmd = &cobra.Command{
		Use:   "provisioner-server [listen-address]",
		Short: "Run the fabric provisioning gRPC server.",
		Long: `Starts the gRPC server that builds application types and provisions,
upgrades and unprovisions fabric versions on the configured content store.

Only the port from ServerAddress config is used for listening (e.g., :8080).
Listen address can be provided as argument to override config (e.g., :9090, 0.0.0.0:8080).
Metrics are served on MetricsAddress when it is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Use listen address argument if provided, otherwise rely on config.
			var listenAddress string
			if len(args) > 0 {
				listenAddress = args[0]
			}

			options := &server.Options{
				ConfigPath:    configPath,
				ListenAddress: listenAddress,
				StoreAddress:  storeAddress,
			}

			return server.Run(ctx, options)
		},
	}
)

// Execute runs the provisioner-server CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().
		StringVarP(&storeAddress, "store", "s", "", "content store address (file:<dir> or s3://<bucket>/<prefix>)")
}
