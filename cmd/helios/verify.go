package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/helios-ops/helios/core/pkg/audit"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// runVerify checks an audit log's hash chain and signatures without running
// the pipeline.
func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		auditPath      string
		signSecret     string
		requireSigning bool
	)
	cmd.StringVar(&auditPath, "audit", "", "Audit log path (REQUIRED)")
	cmd.StringVar(&signSecret, "sign-secret", "", "HMAC secret for signature checks")
	cmd.BoolVar(&requireSigning, "require-signing", false, "Fail when any entry lacks a signature")

	if err := cmd.Parse(args); err != nil {
		return contracts.ExitConfig
	}
	if auditPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --audit is required")
		return contracts.ExitConfig
	}

	head, seq, err := audit.VerifyFile(auditPath, signSecret, requireSigning)
	if err != nil {
		return fatal(stderr, err)
	}
	_, _ = fmt.Fprintf(stdout, "chain ok: %d entries, head %s\n", seq, head)
	return contracts.ExitOK
}
