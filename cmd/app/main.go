package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/user/go-argo-reconciler/internal/app"
	"github.com/user/go-argo-reconciler/internal/config"
	"github.com/user/go-argo-reconciler/internal/storage"
)

var (
	// Set at build time with -ldflags.
	version = "dev"
	commit  = "none"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "go-argo-reconciler",
		Short: "Keep Kubernetes clusters in sync with manifests stored in Git",
		Long: `go-argo-reconciler watches registered applications, compares the manifests in
their Git repository with the live objects in the destination cluster and
applies the difference.

Applications are registered over an HTTP API and stored encrypted on disk.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(newServeCmd(), newKeygenCmd(), newVersionCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciler and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()

			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger.WithFields(logrus.Fields{
				"listen":        cfg.ListenAddr,
				"storage":       cfg.StorageFile,
				"poll_interval": cfg.PollInterval(),
			}).Debug("Configuration loaded")

			a, err := app.NewApp(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", ":8080", "address the HTTP API listens on")
	flags.String("storage-file", "applications.json.age", "encrypted file holding registered applications")
	flags.String("kubeconfig", "", "kubeconfig used for applications without an inline one")
	flags.Int("poll-interval", 60, "default poll interval in seconds")
	flags.String("rank", config.RankDeclaration, "operation order (declaration, kind)")
	for key, flag := range map[string]string{
		"listen_addr":           "listen-addr",
		"storage_file":          "storage-file",
		"kubeconfig_path":       "kubeconfig",
		"poll_interval_seconds": "poll-interval",
		"rank":                  "rank",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key for the application storage",
		Long: `Keygen prints a new age identity. Set it as ENCRYPTION_KEY or encryption_key
in the config file so registered applications survive restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := storage.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "go-argo-reconciler %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		},
	}
}

func setupLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if logFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
