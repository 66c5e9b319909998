package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Turnstile/internal/config"
)

func newConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect configuration files",
	}

	var (
		output string
		force  bool
	)
	initCmd := &cobra.Command{
		Use:     "init",
		Short:   "Write the default configuration as YAML",
		Example: `  turnstile config init --output turnstile.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(output); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", output)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			if err := config.WriteExample(output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVar(&output, "output", "turnstile.yaml", "output file path")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration",
		Long: `Loads the config file and environment overrides, validates the
result and prints it as YAML.`,
		Example: `  turnstile config print --config turnstile.yaml
  TURNSTILE_STORE_MODE=redis turnstile config print`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			return config.Write(cmd.OutOrStdout(), cfg)
		},
	}

	cmd.AddCommand(initCmd, printCmd)
	return cmd
}
