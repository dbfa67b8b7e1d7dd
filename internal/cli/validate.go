package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/architect-io/runflow/pkg/errors"
	"github.com/architect-io/runflow/pkg/pipeline"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <pipeline.yml>",
		Short: "Validate a pipeline definition",
		Long: `Validate a pipeline definition without executing it.

Examples:
  runflow validate pipeline.yml`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := pipeline.LoadFile(args[0]); err != nil {
				return formatValidationError(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Pipeline definition is valid!")
			return nil
		},
	}

	return cmd
}

// formatValidationError extracts and displays validation error details
func formatValidationError(err error) error {
	var rfErr *errors.Error
	unwrapped := err
	for unwrapped != nil {
		if e, ok := unwrapped.(*errors.Error); ok {
			rfErr = e
			break
		}
		if u, ok := unwrapped.(interface{ Unwrap() error }); ok {
			unwrapped = u.Unwrap()
		} else {
			break
		}
	}
	if rfErr == nil {
		return err
	}

	msg := rfErr.Message
	for k, v := range rfErr.Details {
		msg += fmt.Sprintf("\n  %s: %v", k, v)
	}
	if rfErr.Cause != nil {
		msg += fmt.Sprintf("\n  cause: %v", rfErr.Cause)
	}
	return fmt.Errorf("%s", msg)
}
