package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/fabric-provisioner/internal/config"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/service/imagebuilder"
	"github.com/oshokin/fabric-provisioner/internal/version"
)

// rootCmd represents the image-builder executable. Arguments are key:value
// pairs rather than flags, so flag parsing is disabled.
var rootCmd = &cobra.Command{
	Use:   "image-builder operation:<name> [key:value ...]",
	Short: "Build application types and provision fabric versions.",
	Long: `Performs one image store operation and exits with a code that describes its outcome.

Operations: BuildApplicationType, GetFabricVersion, ProvisionFabric, UpgradeFabric,
UnprovisionFabric, Delete and ValidateClusterManifest.
Settings are read from ` + config.DefaultConfigFilename + ` and ` + config.EnvPrefix + `_* environment variables.
A failure writes "<exit code>,<message>" to the file named by errorDetails.`,
	Args:               cobra.ArbitraryArgs,
	DisableFlagParsing: true,
	SilenceUsage:       true,
	Run: func(_ *cobra.Command, args []string) {
		// Setup graceful shutdown handling.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

		cfg, err := config.Load("")
		if err == nil {
			err = logger.Configure(cfg.LogLevel, cfg.LogFormat)
		}

		if err != nil {
			stop()
			fmt.Fprintln(os.Stderr, err)
			os.Exit(imagebuilder.ExitUnexpected)
		}

		code := imagebuilder.Run(ctx, args, imagebuilder.Options{Config: cfg})

		stop()
		os.Exit(code)
	},
}

// Execute runs the image-builder CLI.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(imagebuilder.ExitUnexpected)
	}
}
