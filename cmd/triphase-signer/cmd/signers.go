package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var signersCmd = &cobra.Command{
	Use:   "signers [file]",
	Short: "Print the signers tree of a signed document",
	Long: `Print who signed a document, without validating the signatures.

The root stands for the signed data. Co-signers are siblings; a
counter-signer is a child of the signer it counter-signed.

Examples:
  triphase-signer signers contract.p7s
  triphase-signer signers --output-format json signed.docx`,
	Args: cobra.ExactArgs(1),
	RunE: runSigners,
}

func init() {
	rootCmd.AddCommand(signersCmd)
}

func runSigners(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	svc, err := newService()
	if err != nil {
		return err
	}

	tree, err := svc.Signers(data)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(tree)
	}
	fmt.Print(tree.String())
	return nil
}
