package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/triphase-signer/pkg/signlib"
)

var verifyExtra []string

var verifyCmd = &cobra.Command{
	Use:   "verify [files...]",
	Short: "Verify digital signatures",
	Long: `Verify the signatures of PDF, XML, CMS and Office documents.

Every signature of each document is checked: the cryptographic value, the
certificate chain to a trusted root, and revocation unless --skip-ocsp.
PDF documents are also checked for content added after the last
signature.

A document can be valid, invalid, or need confirmation: a signature that
is intact but whose signer is not trusted, or a PDF whose pages changed
after signing, is reported for the user to decide.

Examples:
  # Verify signed files
  triphase-signer verify signed.pdf contract.p7s

  # Verify a detached CAdES signature
  triphase-signer verify -e data=$(base64 -w0 contract.txt) contract.p7s

  # Trust a private CA
  triphase-signer verify --trust-roots company-ca.pem --no-system-roots signed.xml

  # JSON output
  triphase-signer verify --output-format json signed/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringArrayVarP(&verifyExtra, "extra", "e", nil, "Validation parameter key=value (repeatable)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	// Collect files
	files, err := collectFiles(args)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no files found to verify")
	}

	extra, err := parseExtra(verifyExtra)
	if err != nil {
		return err
	}
	svc, err := newService()
	if err != nil {
		return err
	}

	docs := make([][]byte, len(files))
	for i, file := range files {
		printVerbose("Verifying: %s\n", file)
		if docs[i], err = os.ReadFile(file); err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	validations, err := svc.VerifyBatch(ctx, docs, extra)
	results := make([]*VerifyResult, len(files))
	allValid := true
	for i, file := range files {
		results[i] = newVerifyResult(file, validations[i])
		if results[i].Validation == nil || !results[i].Trusted() {
			allValid = false
		}
	}

	// Output results
	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if encErr := encoder.Encode(results); encErr != nil {
			return encErr
		}
	} else {
		printVerifyResults(results)
	}

	if err != nil {
		return err
	}
	if !allValid {
		return fmt.Errorf("verification failed for some files")
	}
	return nil
}

func newVerifyResult(file string, v *signlib.Validation) *VerifyResult {
	if v == nil {
		return &VerifyResult{File: file, Outcome: "error"}
	}
	return &VerifyResult{File: file, Outcome: v.Outcome.String(), Validation: v}
}

func printVerifyResults(results []*VerifyResult) {
	for _, r := range results {
		statusIcon := "✓"
		statusText := "VALID"
		switch r.Outcome {
		case signlib.OutcomeNeedsConfirmation.String():
			statusIcon = "?"
			statusText = "NEEDS CONFIRMATION"
		case signlib.OutcomeInvalid.String(), "error":
			statusIcon = "✗"
			statusText = "INVALID"
		}

		fmt.Printf("%s %s: %s\n", statusIcon, r.File, statusText)
		if r.Validation == nil {
			fmt.Printf("  ✗ validation could not run\n")
			continue
		}

		if r.Format != "" {
			fmt.Printf("  Format: %s\n", r.Format)
		}
		fmt.Printf("  Result: %s\n", r.Validity)
		if r.Confirmation != nil {
			fmt.Printf("  ? %s: %s\n", r.Confirmation.Reason, r.Confirmation.Message)
		}

		for _, s := range r.Signers {
			fmt.Printf("  Signer: %s\n", s.Name)
			if s.Organization != "" {
				fmt.Printf("    Org:    %s\n", s.Organization)
			}
			if s.Issuer != "" {
				fmt.Printf("    Issuer: %s\n", s.Issuer)
			}
			if s.SignedAt != nil {
				fmt.Printf("    Signed: %s\n", s.SignedAt.Format(time.RFC3339))
			}
		}

		for _, w := range r.Warnings {
			fmt.Printf("  ⚠ %s\n", w)
		}
	}
}

// collectFiles expands globs and directories
func collectFiles(args []string) ([]string, error) {
	var files []string

	for _, arg := range args {
		// Check if it's a glob pattern
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", arg, err)
		}

		if len(matches) == 0 {
			// Check if it exists
			info, err := os.Stat(arg)
			if err != nil {
				return nil, fmt.Errorf("file not found: %s", arg)
			}

			if info.IsDir() {
				// Walk directory
				err := filepath.Walk(arg, func(path string, info os.FileInfo, err error) error {
					if err != nil {
						return err
					}
					if !info.IsDir() && isSignedFile(path) {
						files = append(files, path)
					}
					return nil
				})
				if err != nil {
					return nil, err
				}
			} else {
				files = append(files, arg)
			}
		} else {
			for _, match := range matches {
				info, err := os.Stat(match)
				if err != nil {
					continue
				}
				if !info.IsDir() {
					files = append(files, match)
				}
			}
		}
	}

	return files, nil
}

func isSignedFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".xml", ".xsig", ".pdf", ".p7s", ".p7m", ".csig", ".docx", ".xlsx", ".pptx":
		return true
	default:
		return false
	}
}

// VerifyResult holds the result of verifying a single file
type VerifyResult struct {
	File    string `json:"file"`
	Outcome string `json:"outcome"`
	*signlib.Validation
}
