package main

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wolfman30/dispatch-engine/internal/triage"
)

func newTriageCmd(opts *rootOptions) *cobra.Command {
	var keywords []string
	cmd := &cobra.Command{
		Use:   "triage <notes>",
		Short: "Classify problem notes into an urgency tier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			notes := strings.Join(args, " ")
			if strings.TrimSpace(notes) == "" {
				return errors.New("notes are required")
			}
			p := opts.defaultPolicy()
			p.EmergencyKeywords = append(p.EmergencyKeywords, keywords...)

			res := triage.NewClassifier(opts.logger()).Classify(context.Background(), notes, p)
			return printJSON(cmd.OutOrStdout(), struct {
				Tier      triage.Tier `json:"tier"`
				Matched   []string    `json:"matched,omitempty"`
				Emergency bool        `json:"emergency"`
				Immediate bool        `json:"immediate_dispatch"`
			}{res.Tier, res.Matched, res.Emergency(), res.ImmediateDispatch()})
		},
	}
	cmd.Flags().StringSliceVar(&keywords, "emergency-keyword", nil, "Extra emergency keyword (repeatable)")
	return cmd
}
