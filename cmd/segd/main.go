// Command segd runs the real-time segmentation gateway.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-segment/config"
	"github.com/nvr-ai/go-segment/models"
	"github.com/nvr-ai/go-segment/server"
)

// Process exit codes.
const (
	exitOK          = 0
	exitListenError = 1
	exitModelError  = 2
)

func main() {
	var (
		configPath string
		listenAddr string
		modelDir   string
		preload    bool
		useCUDA    bool
		debug      bool
	)

	root := &cobra.Command{
		Use:   "segd",
		Short: "Real-time semantic segmentation gateway",
		Long: "segd accepts webcam frames over a websocket, runs them through a " +
			"GPU-resident segmentation model and streams rendered class maps back.",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(run(configPath, listenAddr, modelDir, preload, useCUDA, debug))
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	root.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (overrides config)")
	root.Flags().StringVarP(&modelDir, "model-dir", "m", "", "ONNX model directory (overrides config)")
	root.Flags().BoolVar(&preload, "preload", false, "Load every model at startup")
	root.Flags().BoolVar(&useCUDA, "cuda", false, "Enable the CUDA execution provider")
	root.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitListenError)
	}
}

func run(configPath, listenAddr, modelDir string, preload, useCUDA, debug bool) int {
	logger, err := buildLogger(debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return exitListenError
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return exitListenError
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if modelDir != "" {
		cfg.ModelDir = modelDir
	}
	if preload {
		cfg.PreloadAll = true
	}
	if useCUDA {
		cfg.UseCUDA = true
	}

	defaultMode, err := models.ParseMode(cfg.DefaultMode)
	if err != nil {
		logger.Error("invalid default mode", zap.Error(err))
		return exitModelError
	}

	pool := models.NewPool(models.NewONNXLoader(cfg.ModelDir, cfg.UseCUDA, logger), logger)
	defer pool.Clear()

	// The default model must be usable before we accept clients; every
	// other mode may still load lazily.
	logger.Info("loading default model", zap.String("mode", cfg.DefaultMode))
	if _, err := pool.Get(defaultMode); err != nil {
		logger.Error("fatal model pool initialization failure", zap.Error(err))
		return exitModelError
	}
	if cfg.PreloadAll {
		pool.PreloadAll()
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to open listen socket",
			zap.String("addr", cfg.ListenAddr), zap.Error(err))
		return exitListenError
	}

	srv := server.New(cfg, pool, logger)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(listener) }()
	logger.Info("server listening", zap.String("addr", cfg.ListenAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-done:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
			return exitListenError
		}
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
		srv.Shutdown()
		<-done
	}
	return exitOK
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
