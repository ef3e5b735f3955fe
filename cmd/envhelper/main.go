package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/envhelper/envhelper/common/spec/manifest"
	"github.com/envhelper/envhelper/common/version"
	"github.com/envhelper/envhelper/internal/envhelper/app"
	"github.com/envhelper/envhelper/internal/envhelper/observability"
)

var rootCmd = &cobra.Command{
	Use:   "envhelper",
	Short: "envhelper - lifecycle controller for containerized dev environments",
	Long: `envhelper keeps vscode, webtop and custom development containers in the
state their owners declared, one host port per environment.`,
	Version:       version.Info(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveFlags struct {
	addr     string
	runtime  string
	driver   string
	manifest string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller and its HTTP API",
	RunE:  runServe,
}

var validateFile string

var validateCmd = &cobra.Command{
	Use:   "validate -f <manifest>",
	Short: "Check an environment manifest without applying it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Load(validateFile)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %d environment(s) OK\n", validateFile, len(m.Environments))
		for _, e := range m.Environments {
			fmt.Fprintf(out, "  %s/%s (%s)\n", e.Owner, e.Name, e.Type)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "envhelper %s\n", version.Info())
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.addr, "http-addr", "", "HTTP listen address (overrides ENVHELPER_HTTP_ADDR)")
	f.StringVar(&serveFlags.runtime, "runtime", "", "container runtime: docker or memory (overrides ENVHELPER_RUNTIME)")
	f.StringVar(&serveFlags.driver, "db-driver", "", "state store: sqlite or postgres (overrides ENVHELPER_DB_DRIVER)")
	f.StringVar(&serveFlags.manifest, "manifest", "", "environment manifest applied at startup (overrides ENVHELPER_MANIFEST)")

	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "manifest file to check")
	_ = validateCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logCfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg)
	observability.Setup(logCfg.level, logCfg.format)

	slog.Info("envhelper starting", "version", version.Version, "commit", version.GitCommit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize envhelper: %w", err)
	}
	defer a.Stop()

	return a.Run(ctx)
}

func applyFlags(cfg *app.Config) {
	if serveFlags.addr != "" {
		cfg.HTTPAddr = serveFlags.addr
	}
	if serveFlags.runtime != "" {
		cfg.Runtime = serveFlags.runtime
	}
	if serveFlags.driver != "" {
		cfg.DBDriver = serveFlags.driver
	}
	if serveFlags.manifest != "" {
		cfg.ManifestPath = serveFlags.manifest
	}
}
