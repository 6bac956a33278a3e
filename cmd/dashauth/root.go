package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/groovybytes/dashauth"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:          "dashauth",
		Short:        "Azure AD B2C sign-in for the dashboard",
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(`{{printf "dashauth version %s\n" .Version}}`)

	root.PersistentFlags().String("config", "", "optional config file (yaml, json, toml or dotenv)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newServeCmd(v), newLintCmd(v), newVersionCmd())
	return root
}

// loadConfig reads the optional config file, then the environment.
func loadConfig(v *viper.Viper) (dashauth.Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return dashauth.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return dashauth.ConfigFromViper(v)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dashauth",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dashauth version %s\n", version)
		},
	}
}

func newLintCmd(v *viper.Viper) *cobra.Command {
	var failOn string
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Validate the configuration and report risky settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			res := cfg.Lint()
			for _, w := range res {
				fmt.Fprintf(cmd.OutOrStdout(), "%-5s %-26s %s\n", w.Severity, w.Code, w.Message)
			}

			var threshold dashauth.LintSeverity
			switch failOn {
			case "info":
				threshold = dashauth.LintInfo
			case "warn":
				threshold = dashauth.LintWarn
			case "high":
				threshold = dashauth.LintHigh
			case "never":
				return nil
			default:
				return fmt.Errorf("unknown --fail-on %q", failOn)
			}
			return res.AsError(threshold)
		},
	}
	cmd.Flags().StringVar(&failOn, "fail-on", "high", "lowest severity that fails the command (info|warn|high|never)")
	return cmd
}
