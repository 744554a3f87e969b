package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/morales-gregorio/poSSum3/internal/pipeline"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate PIPELINE...",
		Short: "Check pipeline files against the catalogue without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalogue()
			if err != nil {
				return err
			}

			var errs []error
			for _, path := range args {
				p, err := pipeline.Load(path)
				if err == nil {
					err = p.Validate(cat)
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d stages)\n", path, p.Name, len(p.Stages))
			}
			return errors.Join(errs...)
		},
	}
}
