package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/morales-gregorio/poSSum3/internal/store"
	"github.com/morales-gregorio/poSSum3/pkg/model"
)

func requireLedger(cmd *cobra.Command) (*store.SQLiteStore, error) {
	st, err := openLedger(cmd.Context())
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("the job ledger is disabled")
	}
	return st, nil
}

func newHistoryCmd() *cobra.Command {
	opts := model.DefaultListOptions()

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := requireLedger(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, total, err := st.ListJobs(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs recorded.")
				return nil
			}

			fmt.Fprintf(out, "%-44s  %-10s  %-18s  %5s  %6s  %6s  %s\n", "JOB", "SPECIMEN", "STATE", "EXECS", "CMDS", "FAILED", "CREATED")
			for _, j := range jobs {
				fmt.Fprintf(out, "%-44s  %-10s  %-18s  %5d  %6d  %6d  %s\n",
					j.ID, j.SpecimenID, j.State, j.Executions, j.Commands, j.Failed, humanize.Time(j.CreatedAt))
			}
			if total > len(jobs) {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(jobs), total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", opts.Limit, "Maximum number of jobs to list")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of jobs to skip")
	cmd.Flags().StringVar(&opts.SpecimenID, "specimen", "", "Only list jobs of this specimen")
	return cmd
}

func newShowCmd() *cobra.Command {
	var showCommands bool

	cmd := &cobra.Command{
		Use:   "show JOBID",
		Short: "Show a recorded job and its executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := requireLedger(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			job, err := st.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			execs, err := st.ListExecutions(ctx, job.ID)
			if err != nil {
				return fmt.Errorf("list executions: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:       %s\n", job.ID)
			fmt.Fprintf(out, "Workflow:  %s\n", job.Workflow)
			fmt.Fprintf(out, "Specimen:  %s\n", job.SpecimenID)
			fmt.Fprintf(out, "State:     %s\n", job.State)
			fmt.Fprintf(out, "Work dir:  %s\n", job.WorkDir)
			fmt.Fprintf(out, "Created:   %s (%s)\n", job.CreatedAt.Format(time.RFC3339), humanize.Time(job.CreatedAt))
			fmt.Fprintf(out, "Updated:   %s\n", job.UpdatedAt.Format(time.RFC3339))

			if len(job.Options) > 0 {
				keys := make([]string, 0, len(job.Options))
				for k := range job.Options {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintln(out, "\nOptions:")
				for _, k := range keys {
					fmt.Fprintf(out, "  %-20s %s\n", k, job.Options[k])
				}
			}

			fmt.Fprintf(out, "\nExecutions (%d):\n", len(execs))
			for i, e := range execs {
				duration := "running"
				if e.CompletedAt != nil {
					duration = e.Duration().Round(time.Millisecond).String()
				}
				fmt.Fprintf(out, "  #%d  %-8s  %s commands  %d failed  %s\n",
					i+1, e.Mode, humanize.Comma(int64(len(e.Commands))), e.Failed(), duration)
				if e.BatchFile != "" {
					fmt.Fprintf(out, "      batch: %s\n", e.BatchFile)
				}
				if showCommands {
					for j, c := range e.Commands {
						code := ""
						if j < len(e.ExitCodes) {
							code = fmt.Sprintf("[%d] ", e.ExitCodes[j])
						}
						fmt.Fprintf(out, "      %s%s\n", code, c)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showCommands, "commands", false, "Print every command with its exit code")
	return cmd
}
