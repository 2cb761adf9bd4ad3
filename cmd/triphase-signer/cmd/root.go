package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rezonia/triphase-signer/internal/config"
	"github.com/rezonia/triphase-signer/internal/logging"
	"github.com/rezonia/triphase-signer/pkg/signlib"
)

var (
	version = "1.0.0"

	// Global flags
	configPath    string
	verbose       bool
	logJSON       bool
	outputFormat  string
	trustRoots    string
	noSystemRoots bool
	noRevocation  bool

	cfg    config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "triphase-signer",
	Short: "Split-phase electronic signatures for PDF, XML, CMS and Office documents",
	Long: `Triphase Signer prepares documents for signing, embeds signatures computed
by a remote client, and validates signed documents.

The private key never reaches this tool: pre-sign produces a session with
the bytes to sign, the client signs them, and post-sign builds the signed
document from the completed session.

Supports:
  - PAdES: PDF signatures, sign and co-sign
  - CAdES: CMS signatures, implicit or explicit, with counter-signatures
  - XAdES: enveloping XML signatures with counter-signatures
  - OOXML: Office Open XML package signatures

Examples:
  # Prepare a PDF for signing
  triphase-signer presign --format pades --cert chain.pem document.pdf > session.txt

  # Embed the signatures of a completed session
  triphase-signer postsign --format pades --cert chain.pem --session session.txt document.pdf -o signed.pdf

  # Sign with a local key, running both phases
  triphase-signer sign --format cades --cert chain.pem --key key.pem contract.txt -o contract.p7s

  # Validate signed documents
  triphase-signer verify signed.pdf contract.p7s`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file (env: TRIPHASE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON lines")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output-format", "text", "Output format (text, json)")
	rootCmd.PersistentFlags().StringVar(&trustRoots, "trust-roots", "", "PEM file with additional trusted roots")
	rootCmd.PersistentFlags().BoolVar(&noSystemRoots, "no-system-roots", false, "Do not trust the system root store")
	rootCmd.PersistentFlags().BoolVar(&noRevocation, "skip-ocsp", false, "Skip OCSP revocation checks")
}

// initConfig loads the configuration file and environment, then applies
// the flags the user set explicitly
func initConfig(cmd *cobra.Command) error {
	if configPath == "" {
		configPath = os.Getenv("TRIPHASE_CONFIG")
	}

	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg = config.Default()
		if err = cfg.ApplyEnv(os.LookupEnv); err == nil {
			err = cfg.Validate()
		}
	}
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("verbose") {
		cfg.Logging.Verbose = verbose
	}
	if flags.Changed("log-json") {
		cfg.Logging.JSON = logJSON
	}
	if flags.Changed("trust-roots") {
		cfg.Trust.RootsFile = trustRoots
	}
	if noSystemRoots {
		cfg.Trust.SystemRoots = false
	}
	if noRevocation {
		cfg.Trust.Revocation = false
	}

	logger = logging.New(cfg.Logging.Verbose, cfg.Logging.JSON)
	return nil
}

// newService builds the signing service from the loaded configuration
func newService() (*signlib.Service, error) {
	opts := signlib.DefaultOptions()
	opts.Algorithm = cfg.Signing.Algorithm
	opts.TrustRootsFile = cfg.Trust.RootsFile
	opts.SystemRoots = cfg.Trust.SystemRoots
	opts.CheckRevocation = cfg.Trust.Revocation
	opts.OCSPSoftFail = cfg.Trust.SoftFail
	opts.OCSPTimeout = cfg.Trust.OCSPTimeout
	opts.ShadowAttack = cfg.Signing.ShadowAttack.Enabled
	opts.ShadowMaxPages = cfg.Signing.ShadowAttack.MaxPages
	opts.ShadowPages = cfg.Signing.ShadowAttack.Pages
	opts.TempDir = cfg.Signing.TempDir
	opts.Logger = logger

	svc, err := signlib.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create signing service: %w", err)
	}
	return svc, nil
}

func printVerbose(format string, args ...interface{}) {
	if cfg.Logging.Verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
