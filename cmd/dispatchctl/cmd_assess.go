package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/internal/triage"
)

func newAssessCmd(opts *rootOptions) *cobra.Command {
	var (
		file      string
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Score a call transcript and report whether it would escalate",
		Long: `Reads a "role: text" transcript (one turn per line, roles agent and caller)
from --file, or from stdin when --file is "-" or omitted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				raw []byte
				err error
			)
			if file == "" || file == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read transcript: %w", err)
			}
			turns := triage.ParseTranscript(string(raw))
			if len(turns) == 0 {
				return errors.New("transcript has no turns")
			}
			if threshold <= 0 {
				threshold = opts.defaultPolicy().ConfidenceThreshold
			}
			if threshold <= 0 {
				threshold = policy.DefaultConfidenceThreshold
			}
			return printJSON(cmd.OutOrStdout(), triage.AssessTranscript(turns, threshold))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Transcript file (- for stdin)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Escalation threshold (defaults to the policy threshold)")
	return cmd
}
