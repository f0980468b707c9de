package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/subcast/internal/config"
)

var (
	cfgFile    string
	socketPath string
	port       int
	mpvPid     int
	verbose    bool
	logger     *zap.Logger
	cfg        *config.Config
)

func setupLogger(verbose bool, logCfg *config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}

	// Set log level from config
	if logCfg != nil && logCfg.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logCfg.Level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(level)
		}
	}

	// Add file output if enabled
	if logCfg != nil && logCfg.Enabled {
		if err := os.MkdirAll(logCfg.Directory, 0755); err != nil {
			return nil, fmt.Errorf("creating logs directory: %w", err)
		}
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		logFile := filepath.Join(logCfg.Directory, fmt.Sprintf("subcast_%s.log", timestamp))
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, logFile)
	}

	return zapConfig.Build()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "subcast",
		Short: "Bridge a running mpv instance to WebSocket subtitle clients",
		Long: `subcast attaches to mpv's JSON IPC socket, resolves every displayed
subtitle line into a timed record, and streams the records to any number
of WebSocket clients. Clients can request thumbnail or audio clips for
any subtitle seen during the session; clips are cut with ffmpeg.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}

			// Flags beat file and environment.
			if cmd.Flags().Changed("socket") {
				cfg.Player.SocketPath = socketPath
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("mpv-pid") {
				cfg.Player.ExpectedPid = mpvPid
			}

			logger, err = setupLogger(verbose, &cfg.Logging)
			if err != nil {
				return fmt.Errorf("setting up logger: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runServer(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "mpv IPC socket path")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "WebSocket listen port")
	rootCmd.PersistentFlags().IntVar(&mpvPid, "mpv-pid", 0, "expected pid of the mpv behind the socket")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
