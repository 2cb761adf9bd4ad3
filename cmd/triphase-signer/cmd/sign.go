package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rezonia/triphase-signer/pkg/signlib"
)

var (
	signCmdFlags signFlags
	keyFile      string
	verifySigned bool
)

var signCmd = &cobra.Command{
	Use:   "sign [file]",
	Short: "Sign a document with a local private key",
	Long: `Run pre-sign, the client phase and post-sign in one process.

The session never leaves the process. This is meant for testing and for
batch jobs that hold the key themselves.

The new signature is reported as GENERATED. With --verify the signed
document is validated again and the command fails unless it is trusted.

Examples:
  triphase-signer sign --format pades --cert chain.pem --key key.pem document.pdf -o signed.pdf
  triphase-signer sign --format xades --cert chain.pem --key key.pem --verify invoice.xml -o signed.xsig
  triphase-signer sign --format cades --op countersign --targets tree --cert chain.pem --key key.pem signed.p7s -o countered.p7s`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmdFlags.register(signCmd)
	signCmd.Flags().StringVar(&keyFile, "key", "", "Private key (PEM)")
	signCmd.Flags().BoolVar(&verifySigned, "verify", false, "Validate the signed document before writing it")
	_ = signCmd.MarkFlagRequired("key")
}

func runSign(cmd *cobra.Command, args []string) error {
	req, err := signCmdFlags.request()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	pemKey, err := os.ReadFile(keyFile)
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}
	key, err := signlib.ParsePrivateKey(pemKey)
	if err != nil {
		return err
	}
	svc, err := newService()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.RequestTimeout)
	defer cancel()

	signed, result, err := svc.SignLocal(ctx, data, req, key)
	if err != nil {
		return err
	}
	if verifySigned {
		if result, err = svc.Verify(ctx, signed, req.Extra); err != nil {
			return err
		}
	}
	for _, s := range result.Signers {
		printVerbose("Signer: %s (%s)\n", s.Name, s.Issuer)
	}
	printVerbose("Result: %s\n", result.Validity)
	if !result.Trusted() {
		return fmt.Errorf("signed document is not trusted: %s", result.Validity)
	}
	return writeOutput(signCmdFlags.outputFile, signed)
}
