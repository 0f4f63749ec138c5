package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/friendmap/markerd/internal/config"
	"github.com/friendmap/markerd/internal/logging"
	intOtel "github.com/friendmap/markerd/internal/otel"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Follow the friend-sync feed and drive marker transitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx)
	},
}

func runDaemon(ctx context.Context) error {
	sessionStart := time.Now()
	sessionID := uuid.NewString()

	slogManager := logging.NewSlogManager()
	slogManager.Setup(logging.Options{Level: "info"})
	logger := slogManager.Logger()

	if err := config.Load(configDir); err != nil {
		logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		logger.Info("Loaded config", "dir", configDir)
	}
	logCfg := config.GetLoggingConfig()

	logFile, logPath, err := openLogFile(logCfg.Dir, sessionStart)
	if err != nil {
		logger.Error("Failed to create/open log file!", "error", err, "path", logPath)
	} else {
		defer logFile.Close()
	}

	// a nil *os.File must not reach the handlers as a non-nil io.Writer
	var fileWriter io.Writer
	if logFile != nil {
		fileWriter = logFile
	}

	var otelProvider *intOtel.Provider
	var otelLogProvider *sdklog.LoggerProvider
	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		otelProvider, err = intOtel.New(ctx, intOtel.FromConfig(otelCfg, fileWriter))
		if err != nil {
			logger.Error("Failed to initialize OTel provider", "error", err)
		} else {
			otelLogProvider = otelProvider.LoggerProvider()
			logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
		}
	}

	var graylog io.WriteCloser
	if logCfg.GraylogEnabled {
		graylog, err = logging.NewGraylogWriter(logCfg.GraylogAddress)
		if err != nil {
			logger.Error("Failed to connect to Graylog", "error", err, "address", logCfg.GraylogAddress)
		} else {
			defer graylog.Close()
		}
	}

	opts := logging.Options{
		File:     fileWriter,
		Level:    logCfg.Level,
		Provider: otelLogProvider,
		Context:  logging.SessionContext(sessionID),
	}
	if graylog != nil {
		opts.Graylog = graylog
	}
	slogManager.Setup(opts)
	logger = slogManager.Logger()
	logger.Info("Session started", "version", Version, "log", logPath)

	zlOut := io.Writer(os.Stdout)
	if fileWriter != nil {
		zlOut = fileWriter
	}
	zl := logging.NewZerolog(zlOut, logCfg.Level).With().Str("session", sessionID).Logger()

	a, err := newApp(appConfig{
		SessionID:  sessionID,
		Logger:     logger,
		Zerolog:    zl,
		Controller: config.GetControllerConfig(),
		Feed:       config.GetFeedConfig(),
		Recorder:   config.GetRecorderConfig(),
	})
	if err != nil {
		return err
	}

	runErr := a.run(ctx)
	if runErr != nil {
		logger.Error("Feed stopped", "error", runErr)
	}

	closeErr := a.close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := slogManager.Flush(shutdownCtx); err != nil {
		logger.Warn("Failed to flush logs", "error", err)
	}
	if otelProvider != nil {
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down OTel", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	return closeErr
}

// openLogFile creates the session log file, moving any previous file with the
// same name aside.
func openLogFile(dir string, sessionStart time.Time) (*os.File, string, error) {
	path := logging.LogFilePath(dir, ServiceName, sessionStart)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, path, fmt.Errorf("creating logs dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		_ = os.Rename(path, path+".old")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, path, err
	}
	return f, path, nil
}
