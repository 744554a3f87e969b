package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/morales-gregorio/poSSum3/internal/command"
	"github.com/morales-gregorio/poSSum3/internal/pipeline"
	"github.com/morales-gregorio/poSSum3/internal/workflow"
)

func newRenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render TOOL [KEY=VALUE ...]",
		Short: "Fill and print one catalogue command",
		Long: `Fill a catalogue template with the given values and print the command line.
Values are read as YAML, so lists are written as [a,b] and switches as true.

Example:
  possum render ants_reslice moving_image=m.nii.gz output_image=o.nii.gz`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalogue()
			if err != nil {
				return err
			}
			t, ok := cat.Template(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", workflow.ErrUnknownTemplate, args[0])
			}
			values, err := pipeline.ParseSet(args[1:])
			if err != nil {
				return err
			}

			jobDir := flagWorkDir
			if jobDir == workflow.SkipWorkDir {
				jobDir = ""
			}
			c, err := t.Bind(jobDir).Fill(command.Args(values))
			if err != nil {
				return err
			}
			line, err := c.Render()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}
}
