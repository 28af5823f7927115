package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mika/internal/app"
	"mika/internal/infra/oracle"
	"mika/internal/infra/registry"
)

type agentOptions struct {
	catalogPath     string
	userCatalogPath string
	registryURL     string
	storePath       string
	serverDir       string
	autoInstall     bool
	watchCatalog    bool

	oracleModel        string
	oracleBaseURL      string
	oracleAPIKeyEnvVar string
	oracleTimeout      time.Duration
}

func main() {
	// Local .env files are a convenience for API keys; absence is normal.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	opts := agentOptions{
		catalogPath:        "catalog.yaml",
		autoInstall:        true,
		oracleModel:        os.Getenv("MIKA_ORACLE_MODEL"),
		oracleAPIKeyEnvVar: "OPENAI_API_KEY",
	}

	root := &cobra.Command{
		Use:   "mika",
		Short: "Natural-language capability router over MCP servers",
	}

	root.PersistentFlags().StringVar(&opts.catalogPath, "config", opts.catalogPath, "path to the capability catalog file")
	root.PersistentFlags().StringVar(&opts.userCatalogPath, "user-config", opts.userCatalogPath, "path to a user catalog overlaying the default one")
	root.PersistentFlags().StringVar(&opts.registryURL, "registry-url", opts.registryURL, "URL of a remote catalog to overlay at startup")
	root.PersistentFlags().StringVar(&opts.storePath, "store", opts.storePath, "path to the install marker database")
	root.PersistentFlags().StringVar(&opts.serverDir, "server-dir", opts.serverDir, "working directory for local server installs")
	root.PersistentFlags().BoolVar(&opts.autoInstall, "auto-install", opts.autoInstall, "install missing servers on first use")
	root.PersistentFlags().StringVar(&opts.oracleModel, "model", opts.oracleModel, "chat model used for request analysis")
	root.PersistentFlags().StringVar(&opts.oracleBaseURL, "base-url", opts.oracleBaseURL, "base URL of an OpenAI-compatible endpoint")
	root.PersistentFlags().StringVar(&opts.oracleAPIKeyEnvVar, "api-key-env", opts.oracleAPIKeyEnvVar, "environment variable holding the model API key")
	root.PersistentFlags().DurationVar(&opts.oracleTimeout, "model-timeout", opts.oracleTimeout, "timeout for each model call")

	root.AddCommand(
		newRequestCmd(logger, &opts),
		newStatusCmd(logger, &opts),
		newValidateCmd(logger, &opts),
	)

	return root
}

func newRequestCmd(logger *zap.Logger, opts *agentOptions) *cobra.Command {
	var paramFlags []string
	var watch bool

	cmd := &cobra.Command{
		Use:   "request <text>",
		Short: "Resolve and execute a natural-language request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			overrides, err := parseParams(paramFlags)
			if err != nil {
				return err
			}

			cfg := opts.agentConfig()
			cfg.WatchCatalog = watch
			agent := app.New(cfg, logger)
			if err := agent.Setup(ctx); err != nil {
				return err
			}
			defer func() { _ = agent.Close() }()

			resp := agent.ProcessRequest(ctx, strings.Join(args, " "), overrides)
			return printJSON(cmd, resp)
		},
	}

	cmd.Flags().StringArrayVar(&paramFlags, "param", nil, "tool parameter override as key=value (repeatable)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the catalog when the file changes")

	return cmd
}

func newStatusCmd(logger *zap.Logger, opts *agentOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <capability>",
		Short: "Report install and availability state for a capability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			agent := app.New(opts.agentConfig(), logger)
			if err := agent.Setup(ctx); err != nil {
				return err
			}
			defer func() { _ = agent.Close() }()

			return printJSON(cmd, agent.CheckServerStatus(args[0]))
		},
	}

	return cmd
}

func newValidateCmd(logger *zap.Logger, opts *agentOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the catalog without installing or connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			var regOpts []registry.Option
			if opts.userCatalogPath != "" {
				regOpts = append(regOpts, registry.WithUserCatalog(opts.userCatalogPath))
			}
			reg := registry.New(opts.catalogPath, logger, regOpts...)
			if err := reg.Load(cmd.Context()); err != nil {
				return err
			}
			entries := reg.Entries()
			cmd.Printf("catalog ok: %d server(s)\n", len(entries))
			for _, e := range entries {
				cmd.Printf("  %s: %s\n", e.Name, strings.Join(e.Capabilities, ", "))
			}
			return nil
		},
	}

	return cmd
}

func (o *agentOptions) agentConfig() app.Config {
	return app.Config{
		CatalogPath:     o.catalogPath,
		UserCatalogPath: o.userCatalogPath,
		RegistryURL:     o.registryURL,
		StorePath:       o.storePath,
		ServerDir:       o.serverDir,
		AutoInstall:     o.autoInstall,
		Metrics:         prometheus.DefaultRegisterer,
		Oracle: oracle.Config{
			Model:        o.oracleModel,
			BaseURL:      o.oracleBaseURL,
			APIKeyEnvVar: o.oracleAPIKeyEnvVar,
			Timeout:      o.oracleTimeout,
		},
	}
}

func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.New("invalid --param, expected key=value: " + pair)
		}
		out[key] = value
	}
	return out, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
