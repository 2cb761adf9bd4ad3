package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rezonia/triphase-signer/pkg/signlib"
)

var infoCmd = &cobra.Command{
	Use:   "info [files...]",
	Short: "Show information about documents",
	Long: `Display information about documents without validating them.

Shows:
  - Detected container format (pdf, xml, cms, ooxml)
  - MIME type
  - Signature formats that accept the document

Examples:
  triphase-signer info document.pdf
  triphase-signer info --output-format json *.docx`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

// FileInfoOutput is the info of one file
type FileInfoOutput struct {
	File string `json:"file"`
	signlib.FileInfo
}

func runInfo(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no files found")
	}

	svc, err := newService()
	if err != nil {
		return err
	}

	results := make([]FileInfoOutput, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		results = append(results, FileInfoOutput{File: file, FileInfo: svc.Info(data)})
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(results)
	}

	for _, r := range results {
		fmt.Printf("File: %s\n", r.File)
		fmt.Printf("  Size: %d bytes\n", r.Size)
		fmt.Printf("  Format: %s\n", r.Format)
		fmt.Printf("  MIME type: %s\n", r.MimeType)
		if len(r.Signable) > 0 {
			fmt.Printf("  Signable as: %s\n", strings.Join(r.Signable, ", "))
		}
		fmt.Println()
	}
	return nil
}
