package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/morales-gregorio/poSSum3/internal/pipeline"
	"github.com/morales-gregorio/poSSum3/internal/workflow"
)

func newRunCmd() *cobra.Command {
	var sets []string

	cmd := &cobra.Command{
		Use:   "run PIPELINE",
		Short: "Run a YAML pipeline as one job",
		Long: `Run every stage of a pipeline file inside a new job.

Examples:
  possum run recon.yaml --specimenId R01
  possum run recon.yaml --specimenId R01 --dryRun --set slices=[1,2,3]
  possum run recon.yaml --specimenId R01 --cpuNo 8 --cleanup`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := pipeline.Load(args[0])
			if err != nil {
				return err
			}
			overrides, err := pipeline.ParseSet(sets)
			if err != nil {
				return err
			}
			cat, err := loadCatalogue()
			if err != nil {
				return err
			}
			if err := p.Validate(cat); err != nil {
				return fmt.Errorf("pipeline %s: %w", p.Name, err)
			}

			var rec workflow.Recorder
			if !cfg.Ledger.Disabled {
				ledger := &lazyLedger{ctx: ctx}
				defer ledger.Close()
				rec = ledger
			}

			w, err := newWorkflow(cmd, p.Name, cat, p.Files, rec)
			if err != nil {
				return err
			}
			defer w.Close()

			results, err := pipeline.NewRunner(p, w, overrides).Run(ctx)
			for _, res := range results {
				if res.Skipped {
					logger.Info("stage skipped", "stage", res.Name)
					continue
				}
				logger.Info("stage finished", "stage", res.Name,
					"commands", len(res.Report.Commands), "failed", res.Report.Failed, "mode", res.Report.Mode)
			}
			if err != nil {
				return fmt.Errorf("job %s: %w", w.JobID(), err)
			}
			logger.Info("pipeline finished", "job_id", w.JobID(), "stages", len(results), "state", w.State())
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "Override a pipeline variable (KEY=VALUE, dotted keys nest)")
	return cmd
}
