// Command agentpay is the broker CLI: identity setup, the worker
// server, one-shot hires, and the autonomous agents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joelklabo/agentpay"
)

// Exit codes form the shell contract.
const (
	exitOK           = 0
	exitFailure      = 1
	exitConfig       = 2
	exitPayment      = 3
	exitCounterparty = 4
)

func main() {
	root := &cobra.Command{
		Use:           "agentpay",
		Short:         "Peer-to-peer agent payment broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newSetupCmd(),
		newWorkerCmd(),
		newClientCmd(),
		newAutonomousWorkerCmd(),
		newAutonomousClientCmd(),
		newDemoFeedCmd(),
		newInstallSkillCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agentpay:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds onto the shell contract.
func exitCode(err error) int {
	switch agentpay.CodeOf(err) {
	case agentpay.ErrCodeConfigInvalid, agentpay.ErrCodeIdentityUnavailable:
		return exitConfig
	case agentpay.ErrCodeClearingAuthRejected, agentpay.ErrCodeClearingTimeout,
		agentpay.ErrCodeClearingProtocol, agentpay.ErrCodeQuorumPending,
		agentpay.ErrCodePaymentVerificationFailed, agentpay.ErrCodeBillExpired,
		agentpay.ErrCodeChannelFunded, agentpay.ErrCodeOnChainFailed:
		return exitPayment
	case agentpay.ErrCodeNameNotFound, agentpay.ErrCodeRecordMissing,
		agentpay.ErrCodeCounterpartyFailed:
		return exitCounterparty
	default:
		return exitFailure
	}
}
