package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

type rootOptions struct {
	businessID string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Operator tooling for the dispatch engine",
		Long: `dispatchctl runs the dispatch engine's checks outside the API server.

Examples:
  # Classify a problem description
  dispatchctl triage "water heater is leaking gas"

  # Score a finished call transcript
  dispatchctl assess --file call.txt

  # Look for double-booked technicians this week
  dispatchctl verify-overlaps --business biz-1
`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.businessID, "business", "", "Business ID whose policy is applied")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(newTriageCmd(opts), newAssessCmd(opts), newVerifyOverlapsCmd(opts))
	return root
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *rootOptions) logger() *logging.Logger {
	return logging.New(o.logLevel)
}

// defaultPolicy is used when no policy store is reachable.
func (o *rootOptions) defaultPolicy() *policy.Policy {
	id := o.businessID
	if id == "" {
		id = "local"
	}
	return policy.DefaultPolicy(id)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
