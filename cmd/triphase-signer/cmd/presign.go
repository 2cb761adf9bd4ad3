package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rezonia/triphase-signer/pkg/signlib"
)

var presignFlags signFlags

var presignCmd = &cobra.Command{
	Use:   "presign [file]",
	Short: "Prepare a document for remote signing",
	Long: `Run the first phase of a signature and print the session.

The session lists, for each signature to create, the PRE bytes the client
must sign with its private key. The client stores the raw signature of
each PRE as PK1 and hands the session to postsign.

Examples:
  # Sign a PDF
  triphase-signer presign --format pades --cert chain.pem document.pdf > session.txt

  # Co-sign a CAdES signature, checking the existing signers first
  triphase-signer presign --format cades --op cosign --check --cert chain.pem contract.p7s

  # Detached CAdES signature
  triphase-signer presign --format cades --cert chain.pem -e mode=explicit contract.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runPresign,
}

func init() {
	rootCmd.AddCommand(presignCmd)
	presignFlags.register(presignCmd)
}

func runPresign(cmd *cobra.Command, args []string) error {
	req, err := presignFlags.request()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	svc, err := newService()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.RequestTimeout)
	defer cancel()

	printVerbose("Pre-signing %s as %s %s\n", args[0], req.Format, req.Operation)
	session, err := svc.PreSign(ctx, data, req)
	if err != nil {
		return err
	}
	encoded, err := signlib.EncodeSession(session)
	if err != nil {
		return err
	}
	return writeOutput(presignFlags.outputFile, []byte(encoded+"\n"))
}

// readSession loads an encoded session from a file, or stdin for "-"
func readSession(path string) (*signlib.Session, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return signlib.DecodeSession(strings.TrimSpace(string(data)))
}
