// Package main provides the entry point for the terracat service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terracat/terracat/internal/app"
	"github.com/terracat/terracat/internal/config"
	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/input"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "terracat",
	Short: "Terracat - raster archive catalog and acquisition service",
	Long: `Terracat maintains a local archive of tiled raster assets and the
products derived from them.

It resolves spatio-temporal inventory grids against a SQLite catalog,
acquires missing assets from remote providers (FTP, HTTP index, S3,
Azure Blob, templated URLs) and keeps the catalog reconciled with the
archive tree.

Features:
  - Declarative YAML driver definitions
  - Provider fallback with locate memoization
  - Inventory resolution with concurrent acquisition
  - Product derivation from committed assets
  - Periodic and on-demand catalog reconciliation
  - TLS with automatic certificate management
  - Prometheus metrics`,
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE:  runServe,
}

var rectifyCmd = &cobra.Command{
	Use:   "rectify [driver]",
	Short: "Reconcile the catalog with the archive tree and exit",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRectify,
}

var inventoryCmd = &cobra.Command{
	Use:   "inventory <driver>",
	Short: "Resolve an inventory grid and print it as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runInventory,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <driver> <tile> <date>",
	Short: "Acquire the best asset for one (tile, date) and exit",
	Args:  cobra.ExactArgs(3),
	RunE:  runFetch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("Terracat %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")

	// Server flags
	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().Int("port", 8080, "server port")
	rootCmd.Flags().Bool("tls", false, "enable TLS")
	rootCmd.Flags().StringSlice("tls-domains", nil, "TLS domains")
	rootCmd.Flags().String("tls-email", "", "TLS email for Let's Encrypt")

	// Archive flags
	rootCmd.Flags().String("archive-root", "./data/archive", "archive root directory")
	rootCmd.Flags().String("catalog-path", "./data/catalog.db", "catalog database path")
	rootCmd.Flags().String("drivers-dir", "./drivers", "driver definition directory")
	rootCmd.Flags().Bool("watch", false, "watch the archive tree for changes")

	// Bind flags to viper
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("server.host", rootCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("tls.enabled", rootCmd.Flags().Lookup("tls"))
	_ = viper.BindPFlag("tls.domains", rootCmd.Flags().Lookup("tls-domains"))
	_ = viper.BindPFlag("tls.email", rootCmd.Flags().Lookup("tls-email"))
	_ = viper.BindPFlag("archive.root", rootCmd.Flags().Lookup("archive-root"))
	_ = viper.BindPFlag("catalog.path", rootCmd.Flags().Lookup("catalog-path"))
	_ = viper.BindPFlag("drivers.dir", rootCmd.Flags().Lookup("drivers-dir"))
	_ = viper.BindPFlag("rectify.watch", rootCmd.Flags().Lookup("watch"))

	// Inventory flags
	inventoryCmd.Flags().StringSlice("tiles", nil, "tiles to resolve (default: all known)")
	inventoryCmd.Flags().String("from", "", "range start (YYYY-MM-DD)")
	inventoryCmd.Flags().String("to", "", "range end (YYYY-MM-DD)")
	inventoryCmd.Flags().Bool("fetch", false, "acquire missing assets")
	inventoryCmd.Flags().StringSlice("products", nil, "products to derive")
	inventoryCmd.Flags().Bool("overwrite", false, "re-derive existing products")

	rootCmd.AddCommand(serveCmd, rectifyCmd, inventoryCmd, fetchCmd, versionCmd)
}

func initConfig() {
	config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// initApp loads configuration and wires the application for a command.
func initApp(ctx context.Context) (*app.App, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing application: %w", err)
	}
	return application, logger, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, logger, err := initApp(ctx)
	if err != nil {
		return err
	}

	logger.Info("starting terracat",
		"version", version,
		"host", application.Config.Server.Host,
		"port", application.Config.Server.Port,
		"drivers", len(application.Drivers),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "address", application.Config.Server.Address())
		if err := application.Start(ctx); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		cancel()
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), application.Config.Server.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("shutting down server")
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

func runRectify(_ *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, logger, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = application.Catalog.Close() }()

	if len(args) == 1 {
		driver := args[0]
		assets, err := application.Rectify.RectifyAssets(ctx, driver)
		if err != nil {
			return err
		}
		products, err := application.Rectify.RectifyProducts(ctx, driver)
		if err != nil {
			return err
		}
		logger.Info("rectify complete",
			"driver", driver,
			"assets_scanned", assets.Scanned,
			"products_scanned", products.Scanned,
		)
		return nil
	}

	if err := application.Rectify.RectifyAll(ctx); err != nil {
		return err
	}
	logger.Info("rectify complete", "drivers", len(application.Drivers))
	return nil
}

func runInventory(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, _, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = application.Catalog.Close() }()

	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	from, err := domain.ParseDate(fromStr)
	if err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	to, err := domain.ParseDate(toStr)
	if err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}
	rng, err := domain.NewDateRange(from, to)
	if err != nil {
		return err
	}

	tiles, _ := cmd.Flags().GetStringSlice("tiles")
	fetch, _ := cmd.Flags().GetBool("fetch")
	products, _ := cmd.Flags().GetStringSlice("products")
	overwrite, _ := cmd.Flags().GetBool("overwrite")

	grid, err := application.Inventory.Resolve(ctx, input.InventoryRequest{
		Driver:    args[0],
		Tiles:     tiles,
		Range:     rng,
		Fetch:     fetch,
		Products:  products,
		Overwrite: overwrite,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(grid); err != nil {
		return err
	}

	if grid.Failed > 0 {
		return fmt.Errorf("%d grid cells failed", grid.Failed)
	}
	return nil
}

func runFetch(_ *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, logger, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = application.Catalog.Close() }()

	driver, tile := args[0], args[1]
	date, err := domain.ParseDate(args[2])
	if err != nil {
		return fmt.Errorf("invalid date: %w", err)
	}

	outcome, rec, err := application.Assets.FetchBest(ctx, driver, tile, date)
	if err != nil {
		return err
	}
	if rec == nil {
		logger.Warn("no asset available", "driver", driver, "tile", tile, "date", date)
		return fmt.Errorf("no asset available for %s/%s/%s", driver, tile, date)
	}

	logger.Info("fetch complete",
		"outcome", outcome,
		"driver", rec.Driver,
		"type", rec.AssetType,
		"tile", rec.Tile,
		"date", rec.Date,
		"path", rec.Path,
	)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(time.Now().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
