package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/morales-gregorio/poSSum3/internal/catalogue"
	"github.com/morales-gregorio/poSSum3/internal/workflow"
)

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools [TOOL]",
		Short: "List catalogue tools, or describe one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalogue()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				fmt.Fprintf(out, "%-32s  %-10s  %s\n", "NAME", "SOURCE", "DESCRIPTION")
				for _, name := range cat.Names() {
					t, _ := cat.Tool(name)
					source := t.Source
					if source != catalogue.BuiltinSource {
						source = "file"
					}
					fmt.Fprintf(out, "%-32s  %-10s  %s\n", t.Name, source, t.Description)
				}
				return nil
			}

			t, ok := cat.Tool(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", workflow.ErrUnknownTemplate, args[0])
			}
			fmt.Fprintf(out, "%s (%s)\n", t.Name, t.Source)
			if t.Description != "" {
				fmt.Fprintf(out, "%s\n", t.Description)
			}
			fmt.Fprintf(out, "\nformat: %s\n\n", t.Template.Format())
			fmt.Fprintf(out, "%-28s  %-8s  %-10s  %s\n", "PARAMETER", "KIND", "REQUIRED", "DEFAULT")
			for _, p := range t.Template.Params() {
				def := "-"
				if p.Default != nil {
					def = fmt.Sprint(p.Default)
				}
				req := ""
				if p.Required {
					req = "yes"
				}
				fmt.Fprintf(out, "%-28s  %-8s  %-10s  %s\n", p.Key, p.Kind, req, def)
			}
			if passes := t.Template.IOPass(); len(passes) > 0 {
				fmt.Fprintln(out, "\nchains:")
				for _, pass := range passes {
					fmt.Fprintf(out, "  %s -> %s\n", pass.From, pass.To)
				}
			}
			return nil
		},
	}
}
