package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rezonia/triphase-signer/pkg/signlib"
)

// signFlags are shared by presign, postsign and sign
type signFlags struct {
	format     string
	operation  string
	certFile   string
	algorithm  string
	extra      []string
	check      bool
	targets    string
	outputFile string
}

func (f *signFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.format, "format", "", "Signature format (pades, cades, xades, ooxml)")
	cmd.Flags().StringVar(&f.operation, "op", "sign", "Operation (sign, cosign, countersign)")
	cmd.Flags().StringVar(&f.certFile, "cert", "", "Signer certificate chain (PEM or DER, signer first)")
	cmd.Flags().StringVar(&f.algorithm, "algorithm", "", "Signature algorithm (default from configuration)")
	cmd.Flags().StringArrayVarP(&f.extra, "extra", "e", nil, "Extra signature parameter key=value (repeatable)")
	cmd.Flags().BoolVar(&f.check, "check", false, "Validate existing signatures before signing")
	cmd.Flags().StringVar(&f.targets, "targets", "leafs", "Counter-sign targets (leafs, tree)")
	cmd.Flags().StringVarP(&f.outputFile, "output", "o", "", "Output file (default: stdout)")
	_ = cmd.MarkFlagRequired("format")
	_ = cmd.MarkFlagRequired("cert")
}

// request builds the signing request the flags describe
func (f *signFlags) request() (signlib.Request, error) {
	format, err := signlib.ParseFormat(f.format)
	if err != nil {
		return signlib.Request{}, err
	}
	op, err := signlib.ParseOperation(f.operation)
	if err != nil {
		return signlib.Request{}, err
	}
	targets, err := signlib.ParseCounterTarget(f.targets)
	if err != nil {
		return signlib.Request{}, err
	}
	extra, err := parseExtra(f.extra)
	if err != nil {
		return signlib.Request{}, err
	}

	data, err := os.ReadFile(f.certFile)
	if err != nil {
		return signlib.Request{}, fmt.Errorf("failed to read certificate chain: %w", err)
	}
	chain, err := signlib.ParseChain(data)
	if err != nil {
		return signlib.Request{}, err
	}

	return signlib.Request{
		Format:          format,
		Operation:       op,
		Algorithm:       f.algorithm,
		Chain:           chain,
		Extra:           extra,
		CheckSignatures: f.check,
		Targets:         targets,
	}, nil
}

func parseExtra(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	extra := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid extra parameter %q, expected key=value", p)
		}
		extra[strings.TrimSpace(k)] = v
	}
	return extra, nil
}

// writeOutput writes data to path, or to stdout when path is empty
func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	printVerbose("Written: %s (%d bytes)\n", path, len(data))
	return nil
}
