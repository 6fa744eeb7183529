package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/honesteats/usermigrate/kit/cli"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
	"github.com/honesteats/usermigrate/logger"
	"github.com/honesteats/usermigrate/secret"
)

// Process exit codes.
const (
	exitCompleted = 0
	exitTolerated = 1
	exitFailed    = 2
	exitCancelled = 3
)

// Secret sources.
const (
	sourceEnv   = "env"
	sourceVault = "vault"
)

type globalOptions struct {
	configFile   string
	logLevel     zapcore.Level
	logFormat    string
	secretSource string
	vaultAddress string
	vaultPath    string
	maxRetries   int
	opTimeout    time.Duration
	writeRate    float64
	metricsFile  string
}

type app struct {
	stdout io.Writer
	stderr io.Writer

	viper       *viper.Viper
	newProvider func(globalOptions) (secret.Provider, error)
	registry    *prometheus.Registry
	log         *zap.Logger

	global   globalOptions
	exitCode int
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:      stdout,
		stderr:      stderr,
		viper:       cli.NewViper("usermigrate"),
		newProvider: newProvider,
		registry:    prometheus.NewRegistry(),
		log:         zap.NewNop(),
	}
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "usermigrate",
		Short:         "Migrate the user store to role-scoped keys",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// The config file may itself be named in the environment.
			if err := cli.Apply(a.viper, cmd); err != nil {
				return err
			}
			if err := cli.ReadConfig(a.viper, a.global.configFile); err != nil {
				return err
			}
			if err := cli.Apply(a.viper, cmd); err != nil {
				return err
			}

			log, err := logger.Config{Format: a.global.logFormat, Level: a.global.logLevel}.New(a.stderr)
			if err != nil {
				return err
			}
			a.log = log
			return nil
		},
	}

	cli.BindOptions(cmd, []cli.Opt{
		{DestP: &a.global.configFile, Flag: "config", Desc: "config file, in any format viper reads", Persistent: true},
		{DestP: &a.global.logLevel, Flag: "log-level", Default: zapcore.InfoLevel, Desc: "supported levels are debug, info, warn, error", Persistent: true},
		{DestP: &a.global.logFormat, Flag: "log-format", Default: "auto", Desc: "auto, console, logfmt or json", Persistent: true},
		{DestP: &a.global.secretSource, Flag: "secret-source", Default: sourceEnv, Desc: "where store credentials are read from: env or vault", Persistent: true},
		{DestP: &a.global.vaultAddress, Flag: "vault-address", Desc: "vault server address, VAULT_ADDR when empty", Persistent: true},
		{DestP: &a.global.vaultPath, Flag: "vault-path", Default: secret.DefaultVaultPath, Desc: "vault KV path of the environment secrets", Persistent: true},
		{DestP: &a.global.maxRetries, Flag: "max-retries", Default: 5, Desc: "max attempts of a throttled store operation", Persistent: true},
		{DestP: &a.global.opTimeout, Flag: "op-timeout", Default: 10 * time.Second, Desc: "timeout of a single store operation", Persistent: true},
		{DestP: &a.global.writeRate, Flag: "write-rate", Default: 0.0, Desc: "max store writes per second, 0 for unlimited", Persistent: true},
		{DestP: &a.global.metricsFile, Flag: "metrics-file", Desc: "write prometheus metrics to this file on exit", Persistent: true},
	})

	cmd.AddCommand(
		a.migrateCommand(),
		a.rollbackCommand(),
		a.unlockCommand(),
		a.statusCommand(),
	)
	return cmd
}

// execute runs the command line and returns the process exit code.
func (a *app) execute(ctx context.Context, args []string) int {
	cmd := a.rootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	err := cmd.ExecuteContext(ctx)
	if werr := a.writeMetrics(); werr != nil {
		a.log.Error("Failed to write metrics file", zap.Error(werr))
	}
	if err != nil {
		a.log.Error("Command failed", zap.String("code", errors.ErrorCode(err)), zap.Error(err))
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return exitFailed
	}
	return a.exitCode
}

func (a *app) writeMetrics() error {
	if a.global.metricsFile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(a.global.metricsFile, a.registry)
}

func (a *app) retryConfig() kv.RetryConfig {
	config := kv.DefaultRetryConfig()
	config.MaxAttempts = a.global.maxRetries
	config.OpTimeout = a.global.opTimeout
	config.WriteRate = a.global.writeRate
	return config
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newProvider(o globalOptions) (secret.Provider, error) {
	switch o.secretSource {
	case sourceEnv:
		return secret.NewEnvProvider(), nil
	case sourceVault:
		p, err := secret.NewVaultProvider(secret.VaultConfig{
			Address: o.vaultAddress,
			Path:    o.vaultPath,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Msg:  fmt.Sprintf("unknown secret source %q; supported sources are env, vault", o.secretSource),
		}
	}
}
