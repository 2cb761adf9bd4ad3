package cmd

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/server"
)

var (
	serverAddr   string
	serverDebug  bool
	readTimeout  time.Duration
	writeTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP API server for split-phase signing.

The API provides endpoints for:
  - POST /api/v1/presign/:format/:operation   - First phase, returns the session
  - POST /api/v1/postsign/:format/:operation  - Last phase, returns the signed document
  - POST /api/v1/verify                       - Validate a signed document
  - POST /api/v1/signers                      - Signers tree of a document
  - POST /api/v1/info                         - Get file information
  - GET  /health                              - Health check

Examples:
  # Start server on default port
  triphase-signer serve

  # Start on custom port with a configuration file
  triphase-signer serve --address :9000 --config /etc/triphase/config.yaml

  # Start in debug mode
  triphase-signer serve --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverAddr, "address", ":8080", "Server listen address")
	serveCmd.Flags().BoolVar(&serverDebug, "debug", false, "Enable debug mode")
	serveCmd.Flags().DurationVar(&readTimeout, "read-timeout", 30*time.Second, "HTTP read timeout")
	serveCmd.Flags().DurationVar(&writeTimeout, "write-timeout", 5*time.Minute, "HTTP write timeout")
}

func runServe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Server.Address = serverAddr
	}
	if flags.Changed("debug") {
		cfg.Server.Debug = serverDebug
	}
	if flags.Changed("read-timeout") {
		cfg.Server.ReadTimeout = readTimeout
	}
	if flags.Changed("write-timeout") {
		cfg.Server.WriteTimeout = writeTimeout
	}

	svc, err := newService()
	if err != nil {
		return err
	}

	config := &server.Config{
		Address:        cfg.Server.Address,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Debug:          cfg.Server.Debug,
	}
	srv := server.NewServer(config, svc, logger.Named("http"))

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting server",
		zap.String("address", config.Address),
		zap.Bool("system_roots", cfg.Trust.SystemRoots),
		zap.Bool("revocation", cfg.Trust.Revocation),
		zap.Bool("shadow_attack", cfg.Signing.ShadowAttack.Enabled),
	)

	return srv.Run(ctx)
}
