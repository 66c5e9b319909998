package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/config"
	"github.com/SmitUplenchwar2687/Turnstile/internal/logging"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd creates the root turnstile command.
func NewRootCmd() *cobra.Command {
	var g globalOptions

	root := &cobra.Command{
		Use:   "turnstile",
		Short: "Admission control and dependency protection for e-commerce services",
		Long: `Turnstile decides whether each inbound request may proceed, using
tiered quotas, behavior-based blocking and blacklist/whitelist overrides,
and guards outbound dependencies with circuit breakers.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to a YAML or JSON config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "json", "log format (json, console)")

	root.AddCommand(
		newServeCmd(&g),
		newSimulateCmd(&g),
		newReplayCmd(&g),
		newGenerateCmd(),
		newConfigCmd(&g),
	)

	return root
}

// load reads the config file (if any) and applies the persistent flags the
// user set explicitly.
func (g *globalOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}
