package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/batch"
	"github.com/spf13/cobra"
)

func newBatchesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Inspect batch jobs",
	}

	var pageSize int
	list := &cobra.Command{
		Use:   "list",
		Short: "List all batch jobs of the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := batch.List(cmd.Context(), c, pageSize)
			if err != nil {
				return err
			}
			return printJobs(a.out, jobs)
		},
	}
	list.Flags().IntVar(&pageSize, "page-size", batch.DefaultListPageSize, "jobs per request")

	var wait bool
	status := &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show one batch job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			p := a.poller(c)

			var job *batch.Job
			if wait {
				job, err = p.Wait(cmd.Context(), args[0])
			} else {
				job, err = p.Get(cmd.Context(), args[0])
			}
			if job != nil {
				if perr := printJobs(a.out, []batch.Job{*job}); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	status.Flags().BoolVar(&wait, "wait", false, "poll until the job is finished")

	cmd.AddCommand(list, status)
	return cmd
}

func printJobs(w io.Writer, jobs []batch.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTOTAL\tFINISHED\tERRORED\tSUBMITTED\tCOMPLETED\tRESPONSE")
	for _, j := range jobs {
		url := j.ResponseBodyURL
		if url == "" {
			url = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			j.ID, j.Status, j.TotalOperations, j.FinishedOperations, j.ErroredOperations,
			formatTime(j.SubmittedAt.Time), formatTime(j.CompletedAt.Time), url)
	}
	return tw.Flush()
}
