package version

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// AttachCobraVersionCommand attaches a `version` subcommand to the provided root command.
func AttachCobraVersionCommand(root *cobra.Command) {
	var (
		short  bool
		asYAML bool
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information.",
		Long:  "Print the version, commit hash and build timestamp injected at build time from Git tags and repository state.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			switch {
			case short:
				_, err := fmt.Fprintln(out, Short())

				return err
			case asYAML:
				enc := yaml.NewEncoder(out)
				if err := enc.Encode(Get(root.Name())); err != nil {
					return err
				}

				return enc.Close()
			default:
				_, err := fmt.Fprintln(out, Full())

				return err
			}
		},
	}

	cmd.Flags().BoolVar(&short, "short", false, "print only the semantic version")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print build metadata as YAML")
	cmd.MarkFlagsMutuallyExclusive("short", "yaml")
	root.AddCommand(cmd)
}
