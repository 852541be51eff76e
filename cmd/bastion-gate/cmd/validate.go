package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	celeval "github.com/hyperpolymath/indieweb2-bastion/internal/adapter/outbound/cel"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/policy"
)

var validateCmd = &cobra.Command{
	Use:   "validate [policy.yaml]",
	Short: "Validate a policy document without starting the gate",
	Long: `Validate a policy document and print every issue found.

All checks run in one pass, so the full set of problems is reported at
once. The command exits non-zero if the document would be rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open policy document: %w", err)
		}
		defer func() { _ = f.Close() }()

		p, err := policy.Decode(f)
		if err != nil {
			return err
		}

		evaluator, err := celeval.NewEvaluator()
		if err != nil {
			return err
		}

		issues := policy.Validate(p, policy.ValidateOptions{
			Condition: evaluator.ValidateExpression,
		})
		if len(issues) == 0 {
			fmt.Printf("policy %s is valid (%d mutations, %d roles, %d routes)\n",
				p.Version, len(p.Mutations), len(p.Roles), len(p.Routes))
			return nil
		}

		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "  - %s\n", issue)
		}
		return fmt.Errorf("policy rejected with %d issue(s)", len(issues))
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
