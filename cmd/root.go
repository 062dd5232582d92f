// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/vulndigest/internal/config"
	"github.com/xkilldash9x/vulndigest/internal/observability"
	"github.com/xkilldash9x/vulndigest/internal/service"
)

// app carries what every subcommand shares: one viper instance, the
// config file flag and the component factory.
type app struct {
	v       *viper.Viper
	cfgFile string
	factory service.ComponentFactory
	logSink zapcore.WriteSyncer
}

// NewRootCommand builds the command tree with the production factory.
func NewRootCommand() *cobra.Command {
	return newRootCmd(service.NewComponentFactory())
}

func newRootCmd(factory service.ComponentFactory) *cobra.Command {
	a := &app{v: viper.New(), factory: factory, logSink: zapcore.Lock(os.Stderr)}

	rootCmd := &cobra.Command{
		Use:           "vulndigest",
		Short:         "VulnDigest drafts daily posts about critical or exploited vulnerabilities.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initializeConfig(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("state-file", "", "path of the JSON state file (overrides config/env)")
	rootCmd.SetVersionTemplate(`{{printf "vulndigest version %s\n" .Version}}`)

	rootCmd.AddCommand(
		newRunCmd(a),
		newPreviewCmd(a),
		newStateCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command with a signal-aware context.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}

// initializeConfig reads the config file and environment. Flag overrides
// are bound by each subcommand before loadConfig turns viper into a Config.
func (a *app) initializeConfig(cmd *cobra.Command) error {
	config.SetDefaults(a.v)

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath(".")
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
	}

	a.v.SetEnvPrefix("VULNDIGEST")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if flag := cmd.Flags().Lookup("state-file"); flag != nil {
		if err := a.v.BindPFlag("state.path", flag); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig builds the validated configuration and starts logging.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		observability.Initialize(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "vulndigest"}, a.logSink)
		return nil, err
	}
	observability.Initialize(cfg.Logger, a.logSink)
	observability.GetLogger().Debug("Configuration loaded.", zap.String("config_file", a.v.ConfigFileUsed()))
	return cfg, nil
}
