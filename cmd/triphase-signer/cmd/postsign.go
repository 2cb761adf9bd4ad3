package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	postsignFlags signFlags
	sessionFile   string
)

var postsignCmd = &cobra.Command{
	Use:   "postsign [file]",
	Short: "Embed remote signatures into a document",
	Long: `Run the last phase of a signature with a completed session.

The document, certificate chain, format, operation and extra parameters
must be the ones given to presign. Every sign of the session must carry
PK1, the raw signature of its PRE bytes.

Examples:
  triphase-signer postsign --format pades --cert chain.pem --session session.txt document.pdf -o signed.pdf

  # Read the session from stdin
  client-sign < session.txt | triphase-signer postsign --format xades --cert chain.pem --session - invoice.xml`,
	Args: cobra.ExactArgs(1),
	RunE: runPostsign,
}

func init() {
	rootCmd.AddCommand(postsignCmd)
	postsignFlags.register(postsignCmd)
	postsignCmd.Flags().StringVar(&sessionFile, "session", "", "Completed session file, or - for stdin")
	_ = postsignCmd.MarkFlagRequired("session")
}

func runPostsign(cmd *cobra.Command, args []string) error {
	req, err := postsignFlags.request()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	session, err := readSession(sessionFile)
	if err != nil {
		return err
	}
	svc, err := newService()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.RequestTimeout)
	defer cancel()

	printVerbose("Post-signing %s as %s %s (%d signs)\n", args[0], req.Format, req.Operation, session.Len())
	signed, err := svc.PostSign(ctx, data, req, session)
	if err != nil {
		return err
	}
	return writeOutput(postsignFlags.outputFile, signed)
}
