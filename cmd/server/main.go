package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ifuryst/autoreel/internal/config"
	"github.com/ifuryst/autoreel/internal/server"
	"github.com/ifuryst/autoreel/internal/service"
	"github.com/ifuryst/autoreel/pkg/logger"
)

var (
	configPath string
	stage      string
	version    = "0.1.0"
	gitCommit  = "unknown"
	buildTime  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "autoreel",
	Short: "Autoreel - scheduled AI video generation and publishing",
	Long:  `Autoreel turns scheduled workflows into generated videos and images and publishes them to the connected platforms.`,
	RunE:  runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the background loops",
	RunE:  runServer,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run one pass of the pipeline loops and exit",
	RunE:  runOnce,
}

var totpCmd = &cobra.Command{
	Use:   "totp [account]",
	Short: "Generate a TOTP secret for the admin API",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account := "admin"
		if len(args) == 1 {
			account = args[0]
		}
		secret, url, err := service.NewAuthService(zap.NewNop(), "").GenerateSecret(account)
		if err != nil {
			return err
		}
		fmt.Printf("Secret: %s\n", secret)
		fmt.Printf("URL: %s\n", url)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Autoreel %s\n", version)
		fmt.Printf("Git commit: %s\n", gitCommit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "config file path")
	onceCmd.Flags().StringVar(&stage, "stage", "all", "loop to run: clock, worker, reconcile or all")
	rootCmd.AddCommand(serveCmd, onceCmd, totpCmd, versionCmd)
}

func setup() (*config.Config, *zap.Logger, error) {
	// A missing .env is fine; real deployments inject the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, appLogger, nil
}

func runServer(*cobra.Command, []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Autoreel server", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.NewServer(ctx, cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	go func() {
		if err := srv.Start(ctx); err != nil {
			appLogger.Error("Server failed to start", zap.Error(err))
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		appLogger.Info("Shutting down server...")
	case <-ctx.Done():
		appLogger.Info("Server context cancelled")
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	appLogger.Info("Server exited")
	return nil
}

func runOnce(*cobra.Command, []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := service.NewApp(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer app.Worker.Shutdown()

	reports := map[string]any{}
	runClock := stage == "clock" || stage == "all"
	runWorker := stage == "worker" || stage == "all"
	runReconcile := stage == "reconcile" || stage == "all"
	if !runClock && !runWorker && !runReconcile {
		return fmt.Errorf("unknown stage %q", stage)
	}

	if runReconcile {
		report, err := app.Scheduler.RunReconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}
		reports["reconcile"] = report
	}
	if runClock {
		report, err := app.Scheduler.RunClock(ctx)
		if err != nil {
			return fmt.Errorf("clock failed: %w", err)
		}
		reports["clock"] = report
	}
	if runWorker {
		report, err := app.Scheduler.RunWorker(ctx)
		if err != nil {
			return fmt.Errorf("worker failed: %w", err)
		}
		// Drivers outlive the tick; wait for them before exiting.
		app.Worker.Wait()
		reports["worker"] = report
	}

	out, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
