package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/helios-ops/helios/core/pkg/contracts"
	"github.com/helios-ops/helios/core/pkg/decision"
)

// runToken prints the approval token for a task signing message, for
// operators issuing approvals out of band.
func runToken(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		secret  string
		eventID string
		domain  string
		action  string
		tenant  string
	)
	cmd.StringVar(&secret, "secret", "", "Approver secret (REQUIRED)")
	cmd.StringVar(&eventID, "event-id", "", "Event ID (REQUIRED)")
	cmd.StringVar(&domain, "domain", "", "Assignee domain (REQUIRED)")
	cmd.StringVar(&action, "action", "investigate", "Task action")
	cmd.StringVar(&tenant, "tenant", "default", "Tenant")

	if err := cmd.Parse(args); err != nil {
		return contracts.ExitConfig
	}
	if secret == "" || eventID == "" || domain == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --secret, --event-id, and --domain are required")
		return contracts.ExitConfig
	}

	message := decision.ApprovalMessage(eventID, domain, action, tenant)
	_, _ = fmt.Fprintln(stdout, decision.Token(secret, message))
	return contracts.ExitOK
}
